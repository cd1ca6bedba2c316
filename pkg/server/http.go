package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atriumhq/atrium/pkg/registry"
)

// Handler returns the server's HTTP handler: the WebSocket accept path, a
// health check, Prometheus metrics and the read-only introspection API.
// Useful directly with httptest or when embedding into a larger router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get(s.cfg.WSPath, s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/users", s.handleUsers)
		r.Get("/users/{userID}", s.handleUser)
		r.Get("/rooms", s.handleRooms)
		r.Get("/rooms/{roomID}", s.handleRoom)
		r.Get("/documents", s.handleDocuments)
		r.Get("/documents/{docID}", s.handleDocument)
	})
	return r
}

// requestLogger logs completed requests at Debug. The WebSocket path is
// skipped; upgraded connections live for hours and have their own logs.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == s.cfg.WSPath {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

type presenceStats struct {
	KnownUsers  int `json:"known_users"`
	OnlineUsers int `json:"online_users"`
	Subscribers int `json:"subscribers"`
}

type statsResponse struct {
	StartedAt     time.Time       `json:"started_at"`
	Uptime        string          `json:"uptime"`
	Registry      registry.Stats  `json:"registry"`
	Presence      presenceStats   `json:"presence"`
	OpenDocuments int             `json:"open_documents"`
	Dispatcher    DispatcherStats `json:"dispatcher"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		StartedAt: s.startedAt,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Registry:  s.registry.Stats(),
		Presence: presenceStats{
			KnownUsers:  s.presence.Count(),
			OnlineUsers: s.presence.OnlineCount(),
			Subscribers: s.presence.SubscriberCount(),
		},
		OpenDocuments: s.documents.Count(),
		Dispatcher:    s.dispatcher.Stats(),
	})
}

func (s *Server) handleUsers(w http.ResponseWriter, _ *http.Request) {
	online := s.presence.Online()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(online),
		"users": online,
	})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	rec, ok := s.presence.Get(userID)
	if !ok {
		notFound(w, "unknown user")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := s.registry.Rooms()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(rooms),
		"rooms": rooms,
	})
}

type roomMember struct {
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	conns, ok := s.registry.RoomMembers(roomID)
	if !ok {
		notFound(w, "unknown room")
		return
	}
	members := make([]roomMember, 0, len(conns))
	for _, c := range conns {
		members = append(members, roomMember{ConnID: c.ID, UserID: c.UserID})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room_id":      roomID,
		"member_count": len(members),
		"members":      members,
	})
}

func (s *Server) handleDocuments(w http.ResponseWriter, _ *http.Request) {
	docs := s.documents.Docs()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(docs),
		"documents": docs,
	})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	snap, err := s.documents.SnapshotOf(docID)
	if err != nil {
		notFound(w, "unknown document")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": msg})
}
