package registry

import (
	"errors"
	"fmt"
)

// Registry errors.
var (
	// ErrRegistryClosed is returned for operations on a closed registry.
	ErrRegistryClosed = errors.New("registry: registry closed")

	// ErrConnNotFound is returned when a connection id is not registered.
	ErrConnNotFound = errors.New("registry: connection not found")

	// ErrDuplicateConn is returned when registering an id that is already
	// registered.
	ErrDuplicateConn = errors.New("registry: duplicate connection id")

	// ErrRoomNotFound is returned when leaving a room that does not exist.
	ErrRoomNotFound = errors.New("registry: room not found")

	// ErrConnClosed is returned when sending to a connection that is
	// closing or closed.
	ErrConnClosed = errors.New("registry: connection closed")

	// ErrSendQueueFull is returned when a connection's send queue is full.
	// The peer is not draining; callers treat the connection as dead.
	ErrSendQueueFull = errors.New("registry: send queue full")
)

// ConnError wraps a failure on one connection with its id and operation.
type ConnError struct {
	ConnID string
	Op     string
	Err    error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("registry: conn %s: %s: %v", e.ConnID, e.Op, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }
