package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxEnvelopeSize is the maximum size in bytes of an encoded envelope.
// Decode rejects anything larger before touching the JSON parser.
const MaxEnvelopeSize = 64 * 1024

// Envelope errors.
var (
	ErrTooLarge    = errors.New("protocol: envelope too large")
	ErrMissingType = errors.New("protocol: missing event type")
)

// DecodeError describes why raw input could not become a valid Envelope.
// The Reason is safe to echo back to the peer inside an error envelope.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: decode: %s: %v", e.Reason, e.Err)
	}
	return "protocol: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Envelope is the unit of exchange over a connection. Envelopes are
// immutable once built; derive variants with WithSender and WithRoom.
type Envelope struct {
	EventType EventType       `json:"event_type"`
	EventID   string          `json:"event_id"`
	Timestamp time.Time       `json:"timestamp"`
	SenderID  string          `json:"sender_id,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope of the given type, marshaling data as the payload.
// A nil data produces an envelope with no payload. The event id and UTC
// timestamp are assigned here.
func New(t EventType, data any) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", t, err)
		}
		raw = b
	}
	return &Envelope{
		EventType: t,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// WithSender returns a copy of the envelope attributed to the given sender.
func (e *Envelope) WithSender(userID string) *Envelope {
	c := *e
	c.SenderID = userID
	return &c
}

// WithRoom returns a copy of the envelope scoped to the given room.
func (e *Envelope) WithRoom(roomID string) *Envelope {
	c := *e
	c.RoomID = roomID
	return &c
}

// Encode serializes the envelope to its JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", e.EventType, err)
	}
	return b, nil
}

// Decode parses raw bytes into an Envelope. It enforces MaxEnvelopeSize and
// requires a non-empty event type; violations return a *DecodeError. An
// unknown event type is not an error (see EventType.Known).
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) > MaxEnvelopeSize {
		return nil, &DecodeError{Reason: "envelope exceeds size limit", Err: ErrTooLarge}
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, &DecodeError{Reason: "malformed json", Err: err}
	}
	if e.EventType == "" {
		return nil, &DecodeError{Reason: "missing event_type", Err: ErrMissingType}
	}
	return &e, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Data) == 0 {
		return &DecodeError{Reason: "empty payload for " + string(e.EventType)}
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &DecodeError{Reason: "malformed " + string(e.EventType) + " payload", Err: err}
	}
	return nil
}
