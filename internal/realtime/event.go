package realtime

import (
	"encoding/json"

	"peridot/api/internal/quota"
)

// EventKind names what happened to an owner's data.
type EventKind string

const (
	// Server-originated, emitted by the note store after commit.
	EventNoteSynced     EventKind = "note-synced"
	EventNoteRemoved    EventKind = "note-removed"
	EventStorageUpdated EventKind = "storage-updated"
	// Client-originated hint forwarded from one connection to its group.
	EventNoteUpdate EventKind = "note-update"
)

const (
	StatusSynced    = "synced"
	StatusNotSynced = "not-synced"
)

// Outbound socket message types.
const (
	MessageConnectionEstablished = "connection-established"
	MessageAuthenticated         = "authenticated"
	MessageError                 = "error"
	MessageSyncUpdate            = "sync-update"
	MessageStorageUpdate         = "storage-update"
)

// Event is an immutable value built once at the end of a successful mutation.
// NoteContent and Status hold pre-encoded JSON and must not be modified after
// construction.
type Event struct {
	Kind        EventKind       `json:"kind"`
	NoteID      int64           `json:"noteId,omitempty"`
	Status      json.RawMessage `json:"status,omitempty"`
	NoteContent json.RawMessage `json:"noteContent,omitempty"`
	Size        int64           `json:"size"`
	Storage     *quota.Report   `json:"storage,omitempty"`
}

func statusJSON(status string) json.RawMessage {
	raw, _ := json.Marshal(status)
	return raw
}

// NoteSynced reports a note that was created or updated. note is the JSON
// rendering of the full current note.
func NoteSynced(noteID int64, note json.RawMessage, size int64) Event {
	return Event{
		Kind:        EventNoteSynced,
		NoteID:      noteID,
		Status:      statusJSON(StatusSynced),
		NoteContent: note,
		Size:        size,
	}
}

func NoteRemoved(noteID int64) Event {
	return Event{
		Kind:   EventNoteRemoved,
		NoteID: noteID,
		Status: statusJSON(StatusNotSynced),
	}
}

func StorageUpdated(usage quota.Usage) Event {
	report := usage.Report()
	return Event{Kind: EventStorageUpdated, Storage: &report}
}

// NoteUpdate wraps a client hint. A missing status is sent as an empty object.
func NoteUpdate(noteID int64, status json.RawMessage) Event {
	if len(status) == 0 {
		status = json.RawMessage(`{}`)
	}
	return Event{Kind: EventNoteUpdate, NoteID: noteID, Status: status}
}

type syncUpdateMessage struct {
	Type        string          `json:"type"`
	NoteID      int64           `json:"noteId"`
	Status      json.RawMessage `json:"status"`
	NoteContent json.RawMessage `json:"noteContent,omitempty"`
}

type storageUpdateMessage struct {
	Type    string       `json:"type"`
	Storage quota.Report `json:"storage"`
}

// Encode renders the event as the outbound socket frame.
func (e Event) Encode() ([]byte, error) {
	switch e.Kind {
	case EventStorageUpdated:
		var report quota.Report
		if e.Storage != nil {
			report = *e.Storage
		}
		return json.Marshal(storageUpdateMessage{Type: MessageStorageUpdate, Storage: report})
	default:
		status := e.Status
		if len(status) == 0 {
			status = json.RawMessage(`{}`)
		}
		return json.Marshal(syncUpdateMessage{
			Type:        MessageSyncUpdate,
			NoteID:      e.NoteID,
			Status:      status,
			NoteContent: e.NoteContent,
		})
	}
}
