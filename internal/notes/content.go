package notes

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encoding tags how a note's content is carried.
type Encoding string

const (
	// PlainText content travels as a JSON string.
	PlainText Encoding = "plain"
	// OpaqueBlob is any other JSON value, typically the ciphertext array of an
	// encrypted note. The server stores its compact serialization verbatim.
	OpaqueBlob Encoding = "encrypted-blob"
)

// Content is the note body. Data holds UTF-8 text for PlainText and compact
// JSON for OpaqueBlob.
type Content struct {
	Encoding Encoding
	Data     []byte
}

func Text(s string) Content {
	return Content{Encoding: PlainText, Data: []byte(s)}
}

// Blob builds OpaqueBlob content from a JSON value.
func Blob(raw json.RawMessage) (Content, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Content{}, fmt.Errorf("compact blob content: %w", err)
	}
	return Content{Encoding: OpaqueBlob, Data: buf.Bytes()}, nil
}

// Size is the number of bytes the content is charged against the quota.
func (c Content) Size() int64 {
	switch c.Encoding {
	case OpaqueBlob:
		return blobSize(c.Data)
	default:
		return textSize(c.Data)
	}
}

func textSize(data []byte) int64 { return int64(len(data)) }

func blobSize(data []byte) int64 { return int64(len(data)) }

func (c Content) String() string {
	return string(c.Data)
}

func (c Content) MarshalJSON() ([]byte, error) {
	switch c.Encoding {
	case OpaqueBlob:
		if len(c.Data) == 0 {
			return []byte("null"), nil
		}
		return c.Data, nil
	default:
		return json.Marshal(string(c.Data))
	}
}

func (c *Content) UnmarshalJSON(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*c = Text("")
		return nil
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = Text(s)
		return nil
	default:
		blob, err := Blob(trimmed)
		if err != nil {
			return err
		}
		*c = blob
		return nil
	}
}

// ParseEncoding validates a stored content_kind value.
func ParseEncoding(value string) (Encoding, error) {
	switch Encoding(value) {
	case PlainText, "":
		return PlainText, nil
	case OpaqueBlob:
		return OpaqueBlob, nil
	default:
		return "", fmt.Errorf("unknown content encoding %q", value)
	}
}
