package notes

import (
	"encoding/json"
	"time"
)

const (
	TypeNote   = "note"
	TypeFolder = "folder"
)

// Note is one record owned by a single user. (ID, OwnerID) is unique.
type Note struct {
	ID             int64
	OwnerID        string
	Content        Content
	Locked         bool
	Encrypted      bool
	Pinned         bool
	VisibleTitle   string
	FolderPath     string
	Tags           []string
	KeyParams      json.RawMessage
	IV             json.RawMessage
	Type           string
	ParentFolderID *int64
	IsOpen         bool
	DateCreated    time.Time
	DateModified   time.Time
}

// Sealed reports whether the note carries key material.
func (n Note) Sealed() bool {
	return n.Locked && n.Encrypted
}

func (n Note) Size() int64 {
	return n.Content.Size()
}

// Clone returns a copy that shares no slices with n.
func (n Note) Clone() Note {
	out := n
	out.Content.Data = append([]byte(nil), n.Content.Data...)
	if n.Tags != nil {
		out.Tags = append([]string(nil), n.Tags...)
	}
	if n.KeyParams != nil {
		out.KeyParams = append(json.RawMessage(nil), n.KeyParams...)
	}
	if n.IV != nil {
		out.IV = append(json.RawMessage(nil), n.IV...)
	}
	if n.ParentFolderID != nil {
		parent := *n.ParentFolderID
		out.ParentFolderID = &parent
	}
	return out
}

type noteJSON struct {
	ID             int64           `json:"id"`
	Content        Content         `json:"content"`
	ContentKind    Encoding        `json:"content_kind"`
	DateCreated    time.Time       `json:"date_created"`
	DateModified   time.Time       `json:"date_modified"`
	Locked         bool            `json:"locked"`
	Encrypted      bool            `json:"encrypted"`
	FolderPath     string          `json:"folder_path"`
	Pinned         bool            `json:"pinned"`
	VisibleTitle   string          `json:"visible_title"`
	Tags           []string        `json:"tags"`
	KeyParams      json.RawMessage `json:"key_params,omitempty"`
	IV             json.RawMessage `json:"iv,omitempty"`
	Type           string          `json:"type"`
	ParentFolderID *int64          `json:"parent_folder_id"`
	IsOpen         bool            `json:"is_open"`
	User           string          `json:"user"`
}

func (n Note) MarshalJSON() ([]byte, error) {
	tags := n.Tags
	if tags == nil {
		tags = []string{}
	}
	encoding := n.Content.Encoding
	if encoding == "" {
		encoding = PlainText
	}
	return json.Marshal(noteJSON{
		ID:             n.ID,
		Content:        n.Content,
		ContentKind:    encoding,
		DateCreated:    n.DateCreated,
		DateModified:   n.DateModified,
		Locked:         n.Locked,
		Encrypted:      n.Encrypted,
		FolderPath:     n.FolderPath,
		Pinned:         n.Pinned,
		VisibleTitle:   n.VisibleTitle,
		Tags:           tags,
		KeyParams:      n.KeyParams,
		IV:             n.IV,
		Type:           n.Type,
		ParentFolderID: n.ParentFolderID,
		IsOpen:         n.IsOpen,
		User:           n.OwnerID,
	})
}
