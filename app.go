// Package atrium provides the public API for the Atrium collaboration
// backbone: a WebSocket fan-out core with connection registry, offline
// queues, presence tracking, and collaborative document sessions.
//
// This is the recommended import for most applications:
//
//	import "github.com/atriumhq/atrium"
//
// Usage:
//
//	cfg := atrium.DefaultConfig()
//	cfg.Server.Addr = ":9000"
//
//	app, err := atrium.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := app.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// An App is also an http.Handler, so it can mount inside a larger server:
//
//	app, _ := atrium.New(atrium.DefaultConfig())
//	mux.Handle("/collab/", http.StripPrefix("/collab", app))
//
// Business layers push envelopes through the delivery primitives:
//
//	env, _ := protocol.New(protocol.EventBroadcastMessage, payload)
//	app.SendToUser("alice", env)
package atrium

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/atriumhq/atrium/pkg/document"
	"github.com/atriumhq/atrium/pkg/presence"
	"github.com/atriumhq/atrium/pkg/protocol"
	"github.com/atriumhq/atrium/pkg/registry"
	"github.com/atriumhq/atrium/pkg/server"
)

// =============================================================================
// App Type
// =============================================================================

// App is the main Atrium application entry point. It wraps the collaboration
// server into a single embeddable handle: run it standalone with Run, or
// mount it via Handler / ServeHTTP, and deliver envelopes from the outside
// with SendToUser, BroadcastToRoom, and BroadcastToAll.
//
// Atrium only moves envelopes; what they mean is the caller's business.
// Persistence, auth decisions, and notification rules live in the layer
// that embeds the App.
type App struct {
	server  *server.Server
	handler http.Handler
	logger  *slog.Logger
	config  Config
}

// New creates an Atrium application with the given configuration.
func New(cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = NewLogger(cfg.Log.Level, cfg.Log.Format)
	}

	srv, err := server.New(cfg.ServerConfig(), logger)
	if err != nil {
		return nil, err
	}

	return &App{
		server:  srv,
		handler: srv.Handler(),
		logger:  logger,
		config:  cfg,
	}, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Run starts the listener and the background sweeps, then blocks until ctx
// is cancelled, SIGINT/SIGTERM arrives, or the listener fails. A graceful
// exit returns nil.
func (a *App) Run(ctx context.Context) error {
	return a.server.Run(ctx)
}

// Shutdown stops the app: connected clients get a maintenance notice, every
// connection is torn down, and the listener closes. Safe to call more than
// once.
func (a *App) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// Handler returns the HTTP surface: the WebSocket accept path, /healthz,
// /metrics when enabled, and the read-only introspection API under /api/v1.
func (a *App) Handler() http.Handler {
	return a.handler
}

// ServeHTTP implements http.Handler.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.ServeHTTP(w, r)
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Config returns the configuration the app was built with.
func (a *App) Config() Config {
	return a.config
}

// =============================================================================
// Delivery Primitives
// =============================================================================

// SendToUser delivers an envelope to every live connection of a user and
// returns how many accepted it. With no live connections the envelope is
// queued and replayed, oldest first, when the user reconnects.
func (a *App) SendToUser(userID string, env *protocol.Envelope) int {
	return a.server.Registry().SendToUser(userID, env)
}

// BroadcastToRoom delivers an envelope to every member of a room except the
// listed connection IDs and returns how many accepted it.
func (a *App) BroadcastToRoom(roomID string, env *protocol.Envelope, exclude ...string) int {
	return a.server.Registry().BroadcastToRoom(roomID, env, exclude...)
}

// BroadcastToAll delivers an envelope to every live connection except the
// listed connection IDs and returns how many accepted it.
func (a *App) BroadcastToAll(env *protocol.Envelope, exclude ...string) int {
	return a.server.Registry().BroadcastToAll(env, exclude...)
}

// =============================================================================
// Component Access
// =============================================================================

// Registry returns the connection registry for routing queries: live
// connections, room membership, offline queue depths.
func (a *App) Registry() *registry.Registry {
	return a.server.Registry()
}

// Presence returns the presence tracker.
func (a *App) Presence() *presence.Tracker {
	return a.server.Presence()
}

// Documents returns the collaborative document session manager.
func (a *App) Documents() *document.Manager {
	return a.server.Documents()
}
