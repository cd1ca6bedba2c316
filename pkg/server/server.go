// Package server ties the collaboration backbone together: it accepts
// WebSocket connections, decodes envelopes, dispatches them to the built-in
// handler table, and exposes a read-only HTTP introspection surface.
//
// One Server owns a registry.Registry for connection routing, a
// presence.Tracker for user state, and a document.Manager for collaborative
// sessions. Every connection exit path funnels through a single teardown
// that closes open documents, updates presence and deregisters the
// connection, exactly once.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atriumhq/atrium/pkg/document"
	"github.com/atriumhq/atrium/pkg/middleware"
	"github.com/atriumhq/atrium/pkg/presence"
	"github.com/atriumhq/atrium/pkg/protocol"
	"github.com/atriumhq/atrium/pkg/registry"
)

// Server is the collaboration server.
type Server struct {
	cfg    *Config
	logger *slog.Logger

	upgrader   websocket.Upgrader
	registry   *registry.Registry
	presence   *presence.Tracker
	documents  *document.Manager
	dispatcher *Dispatcher

	httpServer *http.Server
	startedAt  time.Time

	done      chan struct{}
	sweepWG   sync.WaitGroup
	closeOnce sync.Once
}

// New creates a server from the config, filling unset fields with defaults.
// The built-in handler table is registered here, once.
func New(cfg *Config, logger *slog.Logger) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	regCfg := &registry.Config{
		WriteTimeout:    cfg.WriteTimeout,
		PingInterval:    cfg.PingInterval,
		SendQueueSize:   cfg.SendQueueSize,
		OfflineQueueCap: cfg.OfflineQueueCap,
	}
	docCfg := document.DefaultConfig()
	docCfg.HistoryLimit = cfg.HistoryLimit

	var interceptors []middleware.Interceptor
	if cfg.EnableTracing {
		interceptors = append(interceptors, middleware.OpenTelemetry())
	}
	if cfg.EnableMetrics {
		interceptors = append(interceptors, middleware.Prometheus())
	}

	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		registry:   registry.New(regCfg, cfg.QueueStore, logger),
		presence:   presence.NewTracker(logger),
		documents:  document.NewManager(docCfg, logger),
		dispatcher: NewDispatcher(logger, interceptors...),
		startedAt:  time.Now(),
		done:       make(chan struct{}),
	}

	s.presence.SetOnUpdate(s.deliverPresenceUpdate)
	s.registry.OnEvict(func(c *registry.Conn) {
		s.teardownConn(c, "heartbeat timeout")
	})
	s.registerHandlers()
	return s, nil
}

// Registry returns the connection registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Presence returns the presence tracker.
func (s *Server) Presence() *presence.Tracker { return s.presence }

// Documents returns the document session manager.
func (s *Server) Documents() *document.Manager { return s.documents }

// Config returns the resolved server configuration.
func (s *Server) Config() *Config { return s.cfg.Clone() }

// Run starts the HTTP listener and the sweep loops, then blocks until the
// context is cancelled, a SIGINT/SIGTERM arrives, or the listener fails.
// A graceful exit returns nil.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.startSweeps()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.cfg.Addr, "ws_path", s.cfg.WSPath)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case sig := <-sigCh:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}
	return s.Shutdown(context.Background())
}

// Shutdown broadcasts a maintenance notice, tears every connection down,
// stops the sweeps and shuts the HTTP server down, all within
// ShutdownTimeout. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()

		s.logger.Info("shutting down")

		if env, envErr := protocol.New(protocol.EventBroadcastMaintenance,
			protocol.NoticeData{Message: "server shutting down"}); envErr == nil {
			s.registry.BroadcastToAll(env)
		}

		close(s.done)
		s.sweepWG.Wait()

		s.registry.ForEach(func(c *registry.Conn) bool {
			s.teardownConn(c, "server shutdown")
			return true
		})
		s.registry.Close()

		if s.httpServer != nil {
			if shutErr := s.httpServer.Shutdown(ctx); shutErr != nil {
				s.logger.Error("http shutdown error", "error", shutErr)
				err = shutErr
				return
			}
		}
		s.logger.Info("shutdown complete",
			"uptime", time.Since(s.startedAt).Round(time.Second))
	})
	return err
}

// teardownConn is the single exit path for a connection: read-loop exit,
// client disconnect request, sweep eviction and server shutdown all land
// here. The BeginClose gate makes the cascade run exactly once.
func (s *Server) teardownConn(c *registry.Conn, reason string) {
	if !c.BeginClose() {
		return
	}

	// Leave every open document first, while the rooms still route, so
	// the remaining editors hear about the departure.
	for _, roomID := range c.Rooms() {
		docID, ok := document.DocumentID(roomID)
		if !ok {
			continue
		}
		res, err := s.documents.Close(docID, c.UserID, c.ID)
		if err != nil {
			continue
		}
		if res.Left {
			s.broadcastUserNotice(protocol.EventDocClose, roomID, c, document.UserNotice{
				DocumentID: docID,
				User:       res.User,
			})
		}
	}

	_, wentOffline := s.presence.HandleDisconnect(c.UserID, c.ID)
	if wentOffline {
		s.presence.Unsubscribe(c.UserID)
	}

	s.registry.Deregister(c.ID)

	s.logger.Info("connection closed",
		"conn_id", c.ID,
		"user_id", c.UserID,
		"reason", reason,
	)
}

func (s *Server) broadcastUserNotice(t protocol.EventType, roomID string, c *registry.Conn, notice document.UserNotice) {
	env, err := protocol.New(t, notice)
	if err != nil {
		return
	}
	env = env.WithSender(c.UserID).WithRoom(roomID)
	n := s.registry.BroadcastToRoom(roomID, env, c.ID)
	middleware.RecordEnvelopesSent(n)
}

// deliverPresenceUpdate is the tracker's fan-out hook. Updates for offline
// subscribers queue like any other user-addressed envelope.
func (s *Server) deliverPresenceUpdate(subscriberID string, rec presence.Record) {
	env, err := protocol.New(protocol.EventPresenceUpdate, rec)
	if err != nil {
		return
	}
	n := s.registry.SendToUser(subscriberID, env)
	middleware.RecordEnvelopesSent(n)
	middleware.RecordPresenceUpdate()
}

func (s *Server) startSweeps() {
	s.sweepWG.Add(2)

	go func() {
		defer s.sweepWG.Done()
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.registry.SweepStale(s.cfg.HeartbeatTimeout); n > 0 {
					s.logger.Info("swept stale connections", "evicted", n)
					middleware.RecordSweepEvictions(n)
				}
				middleware.UpdateGauges(middleware.GaugeSnapshot{
					Connections: s.registry.Count(),
					OnlineUsers: s.presence.OnlineCount(),
					Rooms:       s.registry.RoomCount(),
					Documents:   s.documents.Count(),
				})
			case <-s.done:
				return
			}
		}
	}()

	go func() {
		defer s.sweepWG.Done()
		ticker := time.NewTicker(s.cfg.PresenceSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.presence.SweepStaleRecords(s.cfg.PresenceMaxAge); n > 0 {
					s.logger.Info("purged stale presence records", "purged", n)
				}
			case <-s.done:
				return
			}
		}
	}()
}
