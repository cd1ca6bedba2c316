package protocol

import (
	"encoding/json"
	"time"
)

// Error codes carried in ErrorData.Code.
const (
	CodeInvalidEnvelope = "invalid_envelope"
	CodeUnknownDocument = "unknown_document"
	CodeNotParticipant  = "not_participant"
	CodeInvalidStatus   = "invalid_status"
	CodeNotRoomMember   = "not_room_member"
	CodeInternal        = "internal"
)

// Subscription actions carried in PresenceSubData.Action.
const (
	SubActionSubscribe   = "subscribe"
	SubActionUnsubscribe = "unsubscribe"
)

// Selection is an inclusive character range inside a document.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// WelcomeData is the payload of the system.connect envelope the server sends
// immediately after registering a connection.
type WelcomeData struct {
	ConnectionID      string    `json:"connection_id"`
	HeartbeatInterval int       `json:"heartbeat_interval"` // seconds
	ServerTime        time.Time `json:"server_time"`
}

// ErrorData is the payload of system.error envelopes. RefEventID points at
// the offending input when it was parseable enough to have one.
type ErrorData struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RefEventID string `json:"ref_event_id,omitempty"`
}

// PongData is the payload of system.pong replies.
type PongData struct {
	RefEventID string `json:"ref_event_id,omitempty"`
}

// DisconnectData is the payload of system.disconnect.
type DisconnectData struct {
	Reason string `json:"reason,omitempty"`
}

// OpenData is the client request payload of document.open.
type OpenData struct {
	DocumentID string `json:"document_id"`
	Username   string `json:"username,omitempty"`
}

// CloseData is the client request payload of document.close.
type CloseData struct {
	DocumentID string `json:"document_id"`
}

// EditData is the client request payload of document.edit. Changes is opaque
// to the server; it is stamped and re-broadcast, never interpreted.
type EditData struct {
	DocumentID string          `json:"document_id"`
	Operation  string          `json:"operation"`
	Changes    json.RawMessage `json:"changes,omitempty"`
	Position   *int            `json:"position,omitempty"`
	Selection  *Selection      `json:"selection,omitempty"`
}

// CursorData is the client request payload of document.cursor.
type CursorData struct {
	DocumentID string     `json:"document_id"`
	Position   int        `json:"position"`
	Selection  *Selection `json:"selection,omitempty"`
}

// SaveData is the client request payload of document.save.
type SaveData struct {
	DocumentID string `json:"document_id"`
}

// ConflictData is the client request payload of document.conflict: a catch-up
// request for operations newer than SinceVersion.
type ConflictData struct {
	DocumentID   string `json:"document_id"`
	SinceVersion int64  `json:"since_version"`
}

// StatusData is the optional payload of presence.online/away/busy requests.
type StatusData struct {
	Message string `json:"message,omitempty"`
}

// PresenceSubData is the client request payload of presence.update:
// subscribe to or unsubscribe from the given users' presence.
type PresenceSubData struct {
	Action  string   `json:"action"`
	UserIDs []string `json:"user_ids"`
}

// RoomNotice announces a membership change on a room. MemberCount is the
// size after the change.
type RoomNotice struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	MemberCount int    `json:"member_count"`
}

// NoticeData is the payload of system-wide broadcast.maintenance and
// broadcast.alert envelopes originated by the server.
type NoticeData struct {
	Message string `json:"message"`
}
