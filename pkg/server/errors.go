package server

import (
	"errors"
	"fmt"

	"github.com/atriumhq/atrium/pkg/protocol"
)

// ErrMissingPayload is returned by handlers when a request payload lacks a
// required field.
var ErrMissingPayload = errors.New("server: missing required payload field")

// HandlerError wraps a panic recovered from an event handler. The dispatch
// loop survives; the panic is logged with its stack and counted.
type HandlerError struct {
	EventType protocol.EventType
	ConnID    string
	Panic     any
	Stack     []byte
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("server: handler panic for %s on conn %s: %v", e.EventType, e.ConnID, e.Panic)
}
