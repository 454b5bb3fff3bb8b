// Package events is the single enumeration of event names that travel over the
// push channel, together with their payload shapes.
//
// Subscribers and senders must use these constants rather than string literals
// so a typo becomes a compile error instead of a handler that never fires.
package events

import "time"

// Name identifies a push event or an outbound signal.
type Name string

// Connection lifecycle events, emitted locally by the connection manager.
const (
	Connecting       Name = "connecting"
	Connected        Name = "connected"
	Disconnected     Name = "disconnected"
	ReconnectAttempt Name = "reconnect_attempt"
	ReconnectFailed  Name = "reconnect_failed"
)

// Domain events pushed by the server.
const (
	NoteCreated    Name = "note_created"
	NoteUpdated    Name = "note_updated"
	NoteDeleted    Name = "note_deleted"
	NoteMoved      Name = "note_moved"
	NoteArchived   Name = "note_archived"
	NoteUnarchived Name = "note_unarchived"
	NotePinned     Name = "note_pinned"
	NoteUnpinned   Name = "note_unpinned"

	FolderCreated Name = "folder_created"
	FolderUpdated Name = "folder_updated"
	FolderDeleted Name = "folder_deleted"

	CategoryCreated Name = "category_created"
	CategoryUpdated Name = "category_updated"
	CategoryDeleted Name = "category_deleted"

	TagCreated  Name = "tag_created"
	TagUpdated  Name = "tag_updated"
	TagDeleted  Name = "tag_deleted"
	TagPinned   Name = "tag_pinned"
	TagUnpinned Name = "tag_unpinned"

	NoteTagAdded   Name = "note_tag_added"
	NoteTagRemoved Name = "note_tag_removed"

	ReminderDue Name = "reminder_due"
)

// Account events pushed by the server. Both end the session.
const (
	AccountDeleted     Name = "account_deleted"
	AccountDeactivated Name = "account_deactivated"
)

// Call signaling events. The same names are used in both directions.
const (
	CallDial   Name = "call_dial"
	CallAccept Name = "call_accept"
	CallReject Name = "call_reject"
	CallCancel Name = "call_cancel"
	CallEnd    Name = "call_end"
)

// ItemPayload carries a complete domain item. Delete events may carry only ID.
type ItemPayload struct {
	ID         string    `json:"id" cbor:"id"`
	Kind       string    `json:"kind,omitempty" cbor:"kind,omitempty"`
	Title      string    `json:"title,omitempty" cbor:"title,omitempty"`
	FolderID   string    `json:"folderId,omitempty" cbor:"folderId,omitempty"`
	CategoryID string    `json:"categoryId,omitempty" cbor:"categoryId,omitempty"`
	Color      string    `json:"color,omitempty" cbor:"color,omitempty"`
	Pinned     bool      `json:"pinned,omitempty" cbor:"pinned,omitempty"`
	Archived   bool      `json:"archived,omitempty" cbor:"archived,omitempty"`
	Tags       []TagRef  `json:"tags,omitempty" cbor:"tags,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitempty" cbor:"createdAt,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty" cbor:"updatedAt,omitempty"`
}

// TagRef is the compact tag shape embedded in notes.
type TagRef struct {
	ID    string `json:"id" cbor:"id"`
	Name  string `json:"name" cbor:"name"`
	Color string `json:"color,omitempty" cbor:"color,omitempty"`
}

// TagPayload carries a complete tag.
type TagPayload struct {
	ID        string    `json:"id" cbor:"id"`
	Name      string    `json:"name,omitempty" cbor:"name,omitempty"`
	Color     string    `json:"color,omitempty" cbor:"color,omitempty"`
	Pinned    bool      `json:"pinned,omitempty" cbor:"pinned,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty" cbor:"createdAt,omitempty"`
}

// NoteTagPayload links a tag to a note.
type NoteTagPayload struct {
	NoteID string `json:"noteId" cbor:"noteId"`
	Tag    TagRef `json:"tag" cbor:"tag"`
}

// ReminderPayload is sent when a note reminder is due.
type ReminderPayload struct {
	NoteID string    `json:"noteId" cbor:"noteId"`
	Title  string    `json:"title,omitempty" cbor:"title,omitempty"`
	DueAt  time.Time `json:"dueAt,omitempty" cbor:"dueAt,omitempty"`
}

// AccountPayload accompanies account_deleted and account_deactivated.
type AccountPayload struct {
	UserID string `json:"userId,omitempty" cbor:"userId,omitempty"`
	Reason string `json:"reason,omitempty" cbor:"reason,omitempty"`
}

// MediaKind is the kind of media a call carries.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Valid reports whether k is audio or video.
func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

// Cancel and reject reasons.
const (
	ReasonUser    = "user"
	ReasonTimeout = "timeout"
	ReasonBusy    = "busy"
	ReasonFailed  = "failed"
	ReasonMedia   = "media"
)

// CallPayload is the payload of every call signal. Fields a signal does not
// need are left empty: call_accept and call_end only carry CallID.
type CallPayload struct {
	CallID    string    `json:"callId" cbor:"callId"`
	CallerID  string    `json:"callerId,omitempty" cbor:"callerId,omitempty"`
	TargetID  string    `json:"targetId,omitempty" cbor:"targetId,omitempty"`
	MediaKind MediaKind `json:"mediaKind,omitempty" cbor:"mediaKind,omitempty"`
	Reason    string    `json:"reason,omitempty" cbor:"reason,omitempty"`
}

// LifecyclePayload accompanies the local connection lifecycle events.
type LifecyclePayload struct {
	Attempt int    `json:"attempt,omitempty" cbor:"attempt,omitempty"`
	Delay   string `json:"delay,omitempty" cbor:"delay,omitempty"`
	Error   string `json:"error,omitempty" cbor:"error,omitempty"`
}
