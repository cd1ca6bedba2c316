package integration_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/atriumhq/atrium"
	"github.com/atriumhq/atrium/pkg/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newApp(t *testing.T) *atrium.App {
	t.Helper()
	app, err := atrium.New(atrium.Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = app.Shutdown(context.Background())
	})
	return app
}

// identityMiddleware simulates a host application's auth layer: it resolves a
// bearer token and passes the identity down as the X-User-ID header, which the
// websocket endpoint accepts when no user_id query parameter is present.
func identityMiddleware(next http.Handler) http.Handler {
	tokens := map[string]string{
		"valid-token": "user-123",
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if userID, ok := tokens[strings.TrimPrefix(auth, "Bearer ")]; ok {
			r.Header.Set("X-User-ID", userID)
		}
		next.ServeHTTP(w, r)
	})
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.Decode(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

// TestChiRouterIntegration mounts the app inside a host chi router and checks
// that host routes, middleware and the realtime endpoint all coexist.
func TestChiRouterIntegration(t *testing.T) {
	app := newApp(t)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(identityMiddleware)

	// Traditional API routes owned by the host application.
	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Everything realtime lives under /rt.
	r.Mount("/rt", app.Handler())

	t.Run("host API route works", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/health", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if rec.Body.String() != "OK" {
			t.Errorf("body = %q, want %q", rec.Body.String(), "OK")
		}
	})

	t.Run("mounted health endpoint", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/rt/healthz", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if !strings.Contains(rec.Body.String(), "ok") {
			t.Errorf("body = %q, want a health payload", rec.Body.String())
		}
	})

	t.Run("host middleware executes first", func(t *testing.T) {
		executed := false

		tracking := chi.NewRouter()
		tracking.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				executed = true
				next.ServeHTTP(w, r)
			})
		})
		tracking.Mount("/", app.Handler())

		req := httptest.NewRequest("GET", "/healthz", nil)
		rec := httptest.NewRecorder()
		tracking.ServeHTTP(rec, req)

		if !executed {
			t.Error("host middleware did not run before the mounted handler")
		}
	})

	srv := httptest.NewServer(r)
	defer srv.Close()
	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Run("identity bridged from auth header", func(t *testing.T) {
		// No user_id in the URL; identity arrives through the host's
		// auth middleware.
		header := http.Header{"Authorization": []string{"Bearer valid-token"}}
		ws, _, err := websocket.DefaultDialer.Dial(wsBase+"/rt/ws", header)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer ws.Close()

		welcome := readEnvelope(t, ws)
		if welcome.EventType != protocol.EventConnect {
			t.Fatalf("welcome = %s, want %s", welcome.EventType, protocol.EventConnect)
		}

		ping, err := protocol.New(protocol.EventPing, nil)
		if err != nil {
			t.Fatalf("ping: %v", err)
		}
		raw, err := ping.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
			t.Fatalf("write: %v", err)
		}

		pongEnv := readEnvelope(t, ws)
		if pongEnv.EventType != protocol.EventPong {
			t.Fatalf("reply = %s, want %s", pongEnv.EventType, protocol.EventPong)
		}
		var pong protocol.PongData
		if err := pongEnv.DecodePayload(&pong); err != nil {
			t.Fatalf("pong payload: %v", err)
		}
		if pong.RefEventID != ping.EventID {
			t.Errorf("ref_event_id = %q, want %q", pong.RefEventID, ping.EventID)
		}
	})

	t.Run("anonymous upgrade rejected", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsBase+"/rt/ws", nil)
		if err == nil {
			t.Fatal("dial succeeded without identity")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("response = %+v, want status %d", resp, http.StatusUnauthorized)
		}
	})
}

// TestStdlibMuxIntegration checks the app mounts behind a plain ServeMux with
// a prefix strip, for hosts that do not use chi.
func TestStdlibMuxIntegration(t *testing.T) {
	app := newApp(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("api"))
	})
	mux.Handle("/rt/", http.StripPrefix("/rt", app))

	t.Run("API route works", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/test", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Body.String() != "api" {
			t.Errorf("body = %q, want %q", rec.Body.String(), "api")
		}
	})

	t.Run("app reachable under prefix", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/rt/healthz", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("stats API exposed", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/rt/api/v1/stats", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if !strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
			t.Errorf("content type = %q, want JSON", rec.Header().Get("Content-Type"))
		}
	})
}
