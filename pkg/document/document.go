// Package document tracks the ephemeral collaborative state of open
// documents: active editors with assigned colors, live cursors, a monotonic
// version counter, and a bounded operation history.
//
// The package is pure state. It decides what happened (a user joined, an
// edit was stamped with version N, a session was destroyed) and returns
// values describing it; broadcasting those facts to rooms is the caller's
// job. No operational-transform or CRDT merge happens here; operations are
// stamped in arrival order and re-broadcast verbatim.
package document

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/atriumhq/atrium/pkg/protocol"
)

// Manager errors.
var (
	ErrEmptyDocumentID = errors.New("document: empty document id")
	ErrSessionNotFound = errors.New("document: session not found")
	ErrNotParticipant  = errors.New("document: user is not a participant")
)

const roomPrefix = "doc:"

// RoomID returns the registry room a document session broadcasts through.
func RoomID(docID string) string {
	return roomPrefix + docID
}

// DocumentID extracts the document id from a session room id. The second
// return is false for rooms that are not document sessions.
func DocumentID(roomID string) (string, bool) {
	docID, ok := strings.CutPrefix(roomID, roomPrefix)
	if !ok || docID == "" {
		return "", false
	}
	return docID, true
}

// UserInfo describes one active editor.
type UserInfo struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

// Cursor is a user's live cursor inside a document. Overwritten in place on
// every update, never appended.
type Cursor struct {
	UserID    string              `json:"user_id"`
	Username  string              `json:"username"`
	Color     string              `json:"color"`
	Position  int                 `json:"position"`
	Selection *protocol.Selection `json:"selection,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Operation is one stamped edit in a session's history.
type Operation struct {
	Version   int64           `json:"version"`
	UserID    string          `json:"user_id"`
	Operation string          `json:"operation"`
	Changes   json.RawMessage `json:"changes,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Snapshot is the full session state a joining editor receives.
type Snapshot struct {
	DocumentID string     `json:"document_id"`
	Version    int64      `json:"version"`
	Users      []UserInfo `json:"users"`
	Cursors    []Cursor   `json:"cursors,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastEditAt time.Time  `json:"last_edit_at"`
}

// OpenResult reports what Open changed.
type OpenResult struct {
	// Snapshot is the state the joiner should receive.
	Snapshot Snapshot
	// User is the joiner's entry, color included.
	User UserInfo
	// Joined is true only on the user's first open of this session;
	// the "opened" notice to the rest of the room fires on that edge.
	Joined bool
}

// CloseResult reports what Close changed.
type CloseResult struct {
	// User is the departing user's entry.
	User UserInfo
	// Left is true when the user's last reference dropped and they are no
	// longer a participant.
	Left bool
	// Destroyed is true when the session's active set emptied and the
	// session, history and version included, was discarded.
	Destroyed bool
}

// SaveInfo reports a recorded save.
type SaveInfo struct {
	DocumentID string    `json:"document_id"`
	Version    int64     `json:"version"`
	SavedBy    string    `json:"saved_by"`
	SavedAt    time.Time `json:"saved_at"`
}

// UserNotice announces a participant joining or leaving a session.
type UserNotice struct {
	DocumentID string   `json:"document_id"`
	User       UserInfo `json:"user"`
}

// CatchUp is the reply to a client resynchronizing after a version gap. When
// Truncated is true the history no longer reaches back to the requested
// version and the client needs a fresh snapshot from its own store.
type CatchUp struct {
	DocumentID string      `json:"document_id"`
	Version    int64       `json:"version"`
	Operations []Operation `json:"operations"`
	Truncated  bool        `json:"truncated"`
}
