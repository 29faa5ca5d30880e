package notes

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentDecodingPicksEncoding(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		encoding Encoding
		size     int64
	}{
		{name: "string", raw: `"héllo"`, encoding: PlainText, size: 6},
		{name: "null", raw: `null`, encoding: PlainText, size: 0},
		{name: "byte array", raw: `[ 1, 2, 3 ]`, encoding: OpaqueBlob, size: int64(len(`[1,2,3]`))},
		{name: "object", raw: `{"ct": "abc"}`, encoding: OpaqueBlob, size: int64(len(`{"ct":"abc"}`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Content
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &c))
			assert.Equal(t, tt.encoding, c.Encoding)
			assert.Equal(t, tt.size, c.Size())
		})
	}
}

func TestContentEncodesBackToWireShape(t *testing.T) {
	blob, err := Blob(json.RawMessage(`[9, 8]`))
	require.NoError(t, err)

	out, err := json.Marshal(struct {
		A Content `json:"a"`
		B Content `json:"b"`
	}{A: Text("hi"), B: blob})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"hi","b":[9,8]}`, string(out))
}

func TestNoteJSONUsesWireFieldNames(t *testing.T) {
	parent := int64(3)
	out, err := json.Marshal(Note{ID: 5, OwnerID: "u1", Content: Text("x"), Type: TypeNote, ParentFolderID: &parent})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(out, &fields))
	for _, key := range []string{"id", "content", "content_kind", "date_created", "date_modified", "locked",
		"encrypted", "folder_path", "pinned", "visible_title", "tags", "type", "parent_folder_id", "is_open", "user"} {
		assert.Contains(t, fields, key)
	}
	assert.NotContains(t, fields, "key_params")
	assert.Equal(t, []any{}, fields["tags"])
	assert.Equal(t, "u1", fields["user"])
}

func TestDecodePatchTracksPresence(t *testing.T) {
	patch, err := DecodePatch([]byte(`{"pinned": false, "key_params": null, "content": "new"}`))
	require.NoError(t, err)

	assert.True(t, patch.Pinned.Set)
	assert.False(t, patch.Pinned.Value)
	assert.True(t, patch.KeyParams.Set)
	assert.Nil(t, patch.KeyParams.Value)
	assert.True(t, patch.Content.Set)
	assert.Equal(t, "new", patch.Content.Value.String())
	assert.False(t, patch.Locked.Set)
	assert.False(t, patch.Tags.Set)

	_, err = DecodePatch([]byte(`[1]`))
	assert.ErrorIs(t, err, ErrValidation)
	_, err = DecodePatch([]byte(`{"pinned": "yes"}`))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNormalizeEnforcesRules(t *testing.T) {
	v := newValidator()

	_, err := normalize(v, Note{})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "id")

	_, err = normalize(v, Note{ID: 1, VisibleTitle: strings.Repeat("t", 256), Type: "page"})
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "visible_title")
	assert.Contains(t, verr.Fields, "type")

	_, err = normalize(v, Note{ID: 1, Tags: []string{strings.Repeat("x", 300)}})
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "tags")

	n, err := normalize(v, Note{ID: 1, IsOpen: true, KeyParams: json.RawMessage(`{}`), Locked: true})
	require.NoError(t, err)
	assert.Equal(t, TypeNote, n.Type)
	assert.False(t, n.IsOpen)
	assert.Nil(t, n.KeyParams)
	assert.Equal(t, PlainText, n.Content.Encoding)
	assert.NotNil(t, n.Tags)

	_, err = normalize(v, Note{ID: 1, Locked: true, Encrypted: true, IV: json.RawMessage(`[1]`)})
	assert.ErrorIs(t, err, ErrValidation)

	folder, err := normalize(v, Note{ID: 2, Type: TypeFolder, IsOpen: true})
	require.NoError(t, err)
	assert.True(t, folder.IsOpen)
}
