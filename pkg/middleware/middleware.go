package middleware

import (
	"context"

	"github.com/atriumhq/atrium/pkg/protocol"
)

// Event describes one envelope being dispatched to its handlers.
type Event struct {
	// Type is the envelope's event type.
	Type protocol.EventType

	// EventID is the envelope's unique id.
	EventID string

	// ConnID is the connection the envelope arrived on.
	ConnID string

	// UserID is the authenticated sender.
	UserID string

	// RoomID is the envelope's room scope, if any.
	RoomID string
}

// EventFunc processes one dispatched envelope.
type EventFunc func(ctx context.Context, ev Event) error

// Interceptor wraps envelope dispatch. Interceptors run in the order given
// to Chain, outermost first.
type Interceptor func(next EventFunc) EventFunc

// Chain composes interceptors into one. Chain(a, b)(f) runs a, then b,
// then f.
func Chain(interceptors ...Interceptor) Interceptor {
	return func(next EventFunc) EventFunc {
		for i := len(interceptors) - 1; i >= 0; i-- {
			next = interceptors[i](next)
		}
		return next
	}
}
