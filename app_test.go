package atrium

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/atriumhq/atrium/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// stubTransport records encoded frames handed to the connection writer.
type stubTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *stubTransport) WriteMessage(data []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, data)
	return nil
}

func (s *stubTransport) Close() error       { return nil }
func (s *stubTransport) RemoteAddr() string { return "stub" }

func (s *stubTransport) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *stubTransport) envelope(t *testing.T, i int) *protocol.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.frames) {
		t.Fatalf("frame %d not captured, have %d", i, len(s.frames))
	}
	env, err := protocol.Decode(s.frames[i])
	if err != nil {
		t.Fatalf("decode frame %d: %v", i, err)
	}
	return env
}

// waitForFrames polls until the transport has at least want frames; writer
// goroutines deliver asynchronously.
func waitForFrames(t *testing.T, st *stubTransport, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.frameCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, have %d", want, st.frameCount())
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	app, err := New(Config{Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return app
}

func TestNew_ZeroConfig(t *testing.T) {
	app, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = app.Shutdown(context.Background()) }()

	if app.Handler() == nil {
		t.Fatal("expected a handler")
	}
	if app.Registry() == nil || app.Presence() == nil || app.Documents() == nil {
		t.Fatal("expected component accessors to be wired")
	}
}

func TestNew_UsesProvidedLogger(t *testing.T) {
	logger := testLogger()
	app, err := New(Config{Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = app.Shutdown(context.Background()) }()

	if app.Logger() != logger {
		t.Error("expected the provided logger to be used")
	}
}

func TestNew_RejectsInvalidEngineConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeouts.PingInterval = Duration(2 * time.Minute) // slower than heartbeat
	if _, err := New(cfg); err == nil {
		t.Fatal("expected an error")
	}
}

func TestApp_ServesHealthz(t *testing.T) {
	app := newTestApp(t)
	ts := httptest.NewServer(app)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var got map[string]string
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got["status"] != "ok" {
		t.Errorf("status = %q, want ok", got["status"])
	}
}

func TestApp_SendToUserDeliversToLiveConnection(t *testing.T) {
	app := newTestApp(t)

	st := &stubTransport{}
	if _, err := app.Registry().Register(st, "conn-1", "alice", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	env, err := protocol.New(protocol.EventBroadcastMessage, protocol.NoticeData{Message: "hello"})
	if err != nil {
		t.Fatalf("New envelope: %v", err)
	}
	if n := app.SendToUser("alice", env); n != 1 {
		t.Fatalf("SendToUser = %d, want 1", n)
	}

	waitForFrames(t, st, 1)
	if got := st.envelope(t, 0); got.EventType != protocol.EventBroadcastMessage {
		t.Errorf("event = %q, want %q", got.EventType, protocol.EventBroadcastMessage)
	}
}

func TestApp_SendToUserQueuesUntilReconnect(t *testing.T) {
	app := newTestApp(t)

	env, err := protocol.New(protocol.EventBroadcastMessage, protocol.NoticeData{Message: "missed you"})
	if err != nil {
		t.Fatalf("New envelope: %v", err)
	}
	if n := app.SendToUser("bob", env); n != 0 {
		t.Fatalf("SendToUser = %d, want 0 while offline", n)
	}

	// Registering a connection for bob drains the offline queue.
	st := &stubTransport{}
	if _, err := app.Registry().Register(st, "conn-2", "bob", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	waitForFrames(t, st, 1)
	got := st.envelope(t, 0)
	var notice protocol.NoticeData
	if err := json.Unmarshal(got.Data, &notice); err != nil {
		t.Fatalf("unmarshal notice: %v", err)
	}
	if notice.Message != "missed you" {
		t.Errorf("message = %q, want the queued envelope", notice.Message)
	}
}

func TestApp_BroadcastToRoomExcludes(t *testing.T) {
	app := newTestApp(t)

	aliceT := &stubTransport{}
	bobT := &stubTransport{}
	if _, err := app.Registry().Register(aliceT, "conn-a", "alice", nil); err != nil {
		t.Fatalf("Register alice: %v", err)
	}
	if _, err := app.Registry().Register(bobT, "conn-b", "bob", nil); err != nil {
		t.Fatalf("Register bob: %v", err)
	}
	for _, id := range []string{"conn-a", "conn-b"} {
		if err := app.Registry().JoinRoom(id, "standup"); err != nil {
			t.Fatalf("JoinRoom %s: %v", id, err)
		}
	}

	env, err := protocol.New(protocol.EventRoomBroadcast, protocol.NoticeData{Message: "daily"})
	if err != nil {
		t.Fatalf("New envelope: %v", err)
	}
	if n := app.BroadcastToRoom("standup", env, "conn-a"); n != 1 {
		t.Fatalf("BroadcastToRoom = %d, want 1", n)
	}

	waitForFrames(t, bobT, 1)
	// Writers run per connection; give alice's a moment to settle before
	// asserting nothing arrived.
	time.Sleep(50 * time.Millisecond)
	if aliceT.frameCount() != 0 {
		t.Errorf("excluded sender got %d frames", aliceT.frameCount())
	}
}
