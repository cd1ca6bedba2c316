package server

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/atriumhq/atrium/pkg/middleware"
	"github.com/atriumhq/atrium/pkg/protocol"
	"github.com/atriumhq/atrium/pkg/registry"
)

// HandlerFunc processes one envelope for one connection. Handlers send
// their own replies and error envelopes; the returned error is for logging
// and metrics.
type HandlerFunc func(ctx context.Context, c *registry.Conn, env *protocol.Envelope) error

// DispatcherStats is a snapshot of dispatch counters.
type DispatcherStats struct {
	Dispatched int64 `json:"dispatched"`
	Errors     int64 `json:"errors"`
	Panics     int64 `json:"panics"`
	Unknown    int64 `json:"unknown"`
}

// Dispatcher routes decoded envelopes to their handlers. The handler table
// is built once during server construction; Register is not safe to call
// once dispatching has started.
type Dispatcher struct {
	handlers    map[protocol.EventType][]HandlerFunc
	interceptor middleware.Interceptor
	logger      *slog.Logger

	dispatched atomic.Int64
	errors     atomic.Int64
	panics     atomic.Int64
	unknown    atomic.Int64
}

// NewDispatcher creates a dispatcher wrapping every dispatch with the given
// interceptors, outermost first.
func NewDispatcher(logger *slog.Logger, interceptors ...middleware.Interceptor) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers:    make(map[protocol.EventType][]HandlerFunc),
		interceptor: middleware.Chain(interceptors...),
		logger:      logger.With("component", "dispatcher"),
	}
}

// Register appends a handler to the event type's ordered list.
func (d *Dispatcher) Register(t protocol.EventType, h HandlerFunc) {
	d.handlers[t] = append(d.handlers[t], h)
}

// HandlerCount returns the number of handlers registered for t.
func (d *Dispatcher) HandlerCount(t protocol.EventType) int {
	return len(d.handlers[t])
}

// Dispatch runs the envelope through the interceptor chain and the event
// type's handlers in registration order. A well-formed envelope with no
// registered handlers is a forward-compatible no-op. A failing or panicking
// handler never stops its siblings; the first error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, c *registry.Conn, env *protocol.Envelope) error {
	ev := middleware.Event{
		Type:    env.EventType,
		EventID: env.EventID,
		ConnID:  c.ID,
		UserID:  c.UserID,
		RoomID:  env.RoomID,
	}
	run := d.interceptor(func(ctx context.Context, _ middleware.Event) error {
		return d.runHandlers(ctx, c, env)
	})
	return run(ctx, ev)
}

func (d *Dispatcher) runHandlers(ctx context.Context, c *registry.Conn, env *protocol.Envelope) error {
	d.dispatched.Add(1)

	handlers := d.handlers[env.EventType]
	if len(handlers) == 0 {
		d.unknown.Add(1)
		d.logger.Debug("no handler for event type",
			"event_type", env.EventType,
			"conn_id", c.ID,
		)
		return nil
	}

	var firstErr error
	for _, h := range handlers {
		err := d.invoke(ctx, h, c, env)
		if err == nil {
			continue
		}
		var hErr *HandlerError
		if errors.As(err, &hErr) {
			d.panics.Add(1)
			d.logger.Error("handler panicked",
				"event_type", env.EventType,
				"conn_id", c.ID,
				"panic", hErr.Panic,
				"stack", string(hErr.Stack),
			)
		} else {
			d.errors.Add(1)
			d.logger.Warn("handler failed",
				"event_type", env.EventType,
				"event_id", env.EventID,
				"conn_id", c.ID,
				"error", err,
			)
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Dispatcher) invoke(ctx context.Context, h HandlerFunc, c *registry.Conn, env *protocol.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{
				EventType: env.EventType,
				ConnID:    c.ID,
				Panic:     r,
				Stack:     debug.Stack(),
			}
		}
	}()
	return h(ctx, c, env)
}

// Stats returns a snapshot of the dispatch counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Dispatched: d.dispatched.Load(),
		Errors:     d.errors.Load(),
		Panics:     d.panics.Load(),
		Unknown:    d.unknown.Load(),
	}
}
