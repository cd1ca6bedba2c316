package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/atriumhq/atrium/pkg/protocol"
	"github.com/atriumhq/atrium/pkg/registry"
)

// readDeadlineGrace pads the read deadline past the heartbeat window so the
// sweeper is the primary eviction mechanism and the deadline the backstop.
const readDeadlineGrace = 10 * time.Second

// handleWS upgrades an HTTP request to a WebSocket connection, registers it
// and runs the read loop until the connection dies.
//
// Identity comes from the user_id query parameter, or the X-User-ID header
// when the parameter is absent. A request with neither is rejected before
// the upgrade.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.Header.Get("X-User-ID")
	}
	if userID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"missing user_id"}`))
		return
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		username = userID
	}
	token := r.URL.Query().Get("token")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		s.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	connID := "conn-" + uuid.NewString()
	meta := map[string]string{
		"username": username,
		"device":   r.UserAgent(),
	}
	if token != "" {
		meta["token"] = token
	}

	c, err := s.registry.Register(&wsTransport{conn: ws}, connID, userID, meta)
	if err != nil {
		s.logger.Warn("register failed", "error", err, "conn_id", connID, "user_id", userID)
		ws.Close()
		return
	}

	readWindow := s.cfg.HeartbeatTimeout + readDeadlineGrace
	ws.SetPongHandler(func(string) error {
		c.Touch()
		return ws.SetReadDeadline(time.Now().Add(readWindow))
	})
	ws.SetPingHandler(func(appData string) error {
		c.Touch()
		if err := ws.SetReadDeadline(time.Now().Add(readWindow)); err != nil {
			return err
		}
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.cfg.WriteTimeout))
	})

	s.presence.HandleConnect(userID, username, connID, map[string]string{"device": r.UserAgent()})

	if env, err := protocol.New(protocol.EventConnect, protocol.WelcomeData{
		ConnectionID:      connID,
		HeartbeatInterval: int(s.cfg.PingInterval / time.Second),
		ServerTime:        time.Now().UTC(),
	}); err == nil {
		if err := c.Send(env); err != nil {
			s.logger.Warn("welcome send failed", "error", err, "conn_id", connID)
		}
	}

	s.readLoop(ws, c, readWindow)
}

// readLoop pulls frames off the wire and dispatches them until the
// connection errors out. It owns the teardown for its connection.
func (s *Server) readLoop(ws *websocket.Conn, c *registry.Conn, readWindow time.Duration) {
	defer s.teardownConn(c, "connection closed")

	for {
		if err := ws.SetReadDeadline(time.Now().Add(readWindow)); err != nil {
			return
		}
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				s.logger.Warn("unexpected close", "error", err, "conn_id", c.ID, "user_id", c.UserID)
			} else {
				s.logger.Debug("read loop ended", "error", err, "conn_id", c.ID)
			}
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			var dErr *protocol.DecodeError
			msg := "invalid envelope"
			if errors.As(err, &dErr) {
				msg = dErr.Reason
			}
			s.sendError(c, protocol.CodeInvalidEnvelope, msg, "")
			continue
		}

		// The server, not the client, decides who an envelope is from.
		env = env.WithSender(c.UserID)

		if err := s.dispatcher.Dispatch(context.Background(), c, env); err != nil {
			// Handlers report their own failures to the client; a panic
			// is the one case where the handler never got the chance.
			var hErr *HandlerError
			if errors.As(err, &hErr) {
				s.sendError(c, protocol.CodeInternal, "internal server error", env.EventID)
			}
		}
	}
}

// sendError delivers a system.error envelope to one connection. Failures are
// ignored; the connection is usually already going away.
func (s *Server) sendError(c *registry.Conn, code, message, refEventID string) {
	env, err := protocol.New(protocol.EventError, protocol.ErrorData{
		Code:       code,
		Message:    message,
		RefEventID: refEventID,
	})
	if err != nil {
		return
	}
	_ = c.Send(env)
}
