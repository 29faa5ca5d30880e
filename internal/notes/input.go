package notes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// CreateInput is the client payload for a new note. The client picks the id.
type CreateInput struct {
	ID             int64           `json:"id"`
	Content        Content         `json:"content"`
	Locked         bool            `json:"locked"`
	Encrypted      bool            `json:"encrypted"`
	Pinned         bool            `json:"pinned"`
	VisibleTitle   string          `json:"visible_title"`
	FolderPath     string          `json:"folder_path"`
	Tags           []string        `json:"tags"`
	KeyParams      json.RawMessage `json:"key_params"`
	IV             json.RawMessage `json:"iv"`
	Type           string          `json:"type"`
	ParentFolderID *int64          `json:"parent_folder_id"`
	IsOpen         bool            `json:"is_open"`
}

// Optional records whether a JSON field was present, including an explicit null.
type Optional[T any] struct {
	Set   bool
	Value T
}

func (o *Optional[T]) UnmarshalJSON(raw []byte) error {
	o.Set = true
	if isNullJSON(raw) {
		var zero T
		o.Value = zero
		return nil
	}
	return json.Unmarshal(raw, &o.Value)
}

func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: v}
}

// Patch is a partial update. Only fields present in the request overwrite the
// stored note.
type Patch struct {
	Content        Optional[Content]         `json:"content"`
	Locked         Optional[bool]            `json:"locked"`
	Encrypted      Optional[bool]            `json:"encrypted"`
	Pinned         Optional[bool]            `json:"pinned"`
	VisibleTitle   Optional[string]          `json:"visible_title"`
	FolderPath     Optional[string]          `json:"folder_path"`
	Tags           Optional[[]string]        `json:"tags"`
	KeyParams      Optional[json.RawMessage] `json:"key_params"`
	IV             Optional[json.RawMessage] `json:"iv"`
	Type           Optional[string]          `json:"type"`
	ParentFolderID Optional[*int64]          `json:"parent_folder_id"`
	IsOpen         Optional[bool]            `json:"is_open"`
}

// DecodePatch parses a JSON object into a Patch.
func DecodePatch(body []byte) (Patch, error) {
	var patch Patch
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Patch{}, invalid("body", "must be a JSON object")
	}
	if err := json.Unmarshal(trimmed, &patch); err != nil {
		return Patch{}, invalid("body", "is not valid JSON")
	}
	return patch, nil
}

func (in CreateInput) note(ownerID string) Note {
	return Note{
		ID:             in.ID,
		OwnerID:        ownerID,
		Content:        in.Content,
		Locked:         in.Locked,
		Encrypted:      in.Encrypted,
		Pinned:         in.Pinned,
		VisibleTitle:   in.VisibleTitle,
		FolderPath:     in.FolderPath,
		Tags:           in.Tags,
		KeyParams:      in.KeyParams,
		IV:             in.IV,
		Type:           in.Type,
		ParentFolderID: in.ParentFolderID,
		IsOpen:         in.IsOpen,
	}
}

// apply overlays the present fields onto a copy of n.
func (p Patch) apply(n Note) Note {
	out := n.Clone()
	if p.Content.Set {
		out.Content = p.Content.Value
	}
	if p.Locked.Set {
		out.Locked = p.Locked.Value
	}
	if p.Encrypted.Set {
		out.Encrypted = p.Encrypted.Value
	}
	if p.Pinned.Set {
		out.Pinned = p.Pinned.Value
	}
	if p.VisibleTitle.Set {
		out.VisibleTitle = p.VisibleTitle.Value
	}
	if p.FolderPath.Set {
		out.FolderPath = p.FolderPath.Value
	}
	if p.Tags.Set {
		out.Tags = p.Tags.Value
	}
	if p.KeyParams.Set {
		out.KeyParams = p.KeyParams.Value
	}
	if p.IV.Set {
		out.IV = p.IV.Value
	}
	if p.Type.Set {
		out.Type = p.Type.Value
	}
	if p.ParentFolderID.Set {
		out.ParentFolderID = p.ParentFolderID.Value
	}
	if p.IsOpen.Set {
		out.IsOpen = p.IsOpen.Value
	}
	return out
}

type noteRules struct {
	ID           int64    `json:"id" validate:"required"`
	VisibleTitle string   `json:"visible_title" validate:"max=255"`
	FolderPath   string   `json:"folder_path" validate:"max=255"`
	Tags         []string `json:"tags" validate:"dive,max=255"`
	Type         string   `json:"type" validate:"oneof=note folder"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// normalize fills defaults and enforces the record invariants. Key material is
// kept only while the note is both locked and encrypted.
func normalize(v *validator.Validate, n Note) (Note, error) {
	if n.Type == "" {
		n.Type = TypeNote
	}
	if n.Type != TypeFolder {
		n.IsOpen = false
	}
	if n.Content.Encoding == "" {
		n.Content.Encoding = PlainText
	}
	if n.Tags == nil {
		n.Tags = []string{}
	}
	if isNullJSON(n.KeyParams) {
		n.KeyParams = nil
	}
	if isNullJSON(n.IV) {
		n.IV = nil
	}

	if err := v.Struct(noteRules{
		ID:           n.ID,
		VisibleTitle: n.VisibleTitle,
		FolderPath:   n.FolderPath,
		Tags:         n.Tags,
		Type:         n.Type,
	}); err != nil {
		return Note{}, validationError(err)
	}

	if !n.Sealed() {
		n.KeyParams = nil
		n.IV = nil
		return n, nil
	}
	if n.KeyParams == nil || n.IV == nil {
		return Note{}, &ValidationError{Fields: map[string]string{
			"key_params": "is required for locked encrypted notes",
			"iv":         "is required for locked encrypted notes",
		}}
	}
	return n, nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	out := &ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		name := fe.Field()
		if idx := strings.IndexByte(name, '['); idx > 0 {
			name = name[:idx]
		}
		switch fe.Tag() {
		case "required":
			out.Fields[name] = "is required"
		case "max":
			out.Fields[name] = "must be at most " + fe.Param() + " characters"
		case "oneof":
			out.Fields[name] = "must be one of: " + fe.Param()
		default:
			out.Fields[name] = "is invalid"
		}
	}
	return out
}

func isNullJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
