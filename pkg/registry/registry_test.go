package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atriumhq/atrium/pkg/protocol"
)

func newTestRegistry(t *testing.T, cfg *Config) *Registry {
	t.Helper()
	if cfg == nil {
		cfg = quietConfig()
	}
	r := New(cfg, nil, testLogger())
	t.Cleanup(r.Close)
	return r
}

func mustRegister(t *testing.T, r *Registry, connID, userID string) (*Conn, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	c, err := r.Register(ft, connID, userID, nil)
	if err != nil {
		t.Fatalf("Register(%s, %s): %v", connID, userID, err)
	}
	return c, ft
}

func textEnvelope(t *testing.T, text string) *protocol.Envelope {
	t.Helper()
	env, err := protocol.New(protocol.EventBroadcastMessage, map[string]string{"text": text})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return env
}

func decodeFrame(t *testing.T, raw []byte) *protocol.Envelope {
	t.Helper()
	env, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return env
}

func frameText(t *testing.T, raw []byte) string {
	t.Helper()
	var data struct {
		Text string `json:"text"`
	}
	if err := decodeFrame(t, raw).DecodePayload(&data); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	return data.Text
}

func TestRegisterIndexesConn(t *testing.T) {
	r := newTestRegistry(t, nil)
	c, _ := mustRegister(t, r, "c1", "alice")

	if got := c.State(); got != StateActive {
		t.Fatalf("state after register = %v, want %v", got, StateActive)
	}
	got, ok := r.Get("c1")
	if !ok || got != c {
		t.Fatalf("Get(c1) = %v, %v", got, ok)
	}
	if n := r.Count(); n != 1 {
		t.Fatalf("Count() = %d, want 1", n)
	}
	if n := r.UserCount(); n != 1 {
		t.Fatalf("UserCount() = %d, want 1", n)
	}
}

func TestRegisterDuplicateID(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "c1", "alice")

	_, err := r.Register(&fakeTransport{}, "c1", "bob", nil)
	if !errors.Is(err, ErrDuplicateConn) {
		t.Fatalf("duplicate register: err = %v, want %v", err, ErrDuplicateConn)
	}
}

func TestDeregisterRemovesEveryIndex(t *testing.T) {
	r := newTestRegistry(t, nil)
	c1, ft1 := mustRegister(t, r, "c1", "alice")
	mustRegister(t, r, "c2", "alice")

	if err := r.JoinRoom("c1", "doc:readme"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if err := r.JoinRoom("c2", "doc:readme"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	r.Deregister("c1")

	if _, ok := r.Get("c1"); ok {
		t.Fatal("conn still resolvable after deregister")
	}
	if got := c1.State(); got != StateClosed {
		t.Fatalf("state after deregister = %v, want %v", got, StateClosed)
	}
	if !ft1.isClosed() {
		t.Fatal("transport not closed after deregister")
	}
	if n := len(r.UserConns("alice")); n != 1 {
		t.Fatalf("UserConns(alice) = %d, want 1", n)
	}
	members, ok := r.RoomMembers("doc:readme")
	if !ok || len(members) != 1 {
		t.Fatalf("RoomMembers = %d members, ok=%v; want 1, true", len(members), ok)
	}

	// Last member out destroys the room and the user entry.
	r.Deregister("c2")
	if _, ok := r.RoomMembers("doc:readme"); ok {
		t.Fatal("room survived its last member")
	}
	if n := r.UserCount(); n != 0 {
		t.Fatalf("UserCount() = %d, want 0", n)
	}
}

func TestDeregisterUnknownIsNoop(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "c1", "alice")

	r.Deregister("ghost")
	r.Deregister("c1")
	r.Deregister("c1")

	if got := r.Stats().TotalDeregistered; got != 1 {
		t.Fatalf("TotalDeregistered = %d, want 1", got)
	}
}

func TestDeregisterCallbackReportsRemaining(t *testing.T) {
	r := newTestRegistry(t, nil)

	var mu sync.Mutex
	var remainings []int
	r.OnDeregister(func(_ *Conn, remaining int) {
		mu.Lock()
		remainings = append(remainings, remaining)
		mu.Unlock()
	})

	mustRegister(t, r, "c1", "alice")
	mustRegister(t, r, "c2", "alice")
	r.Deregister("c1")
	r.Deregister("c2")

	mu.Lock()
	defer mu.Unlock()
	if len(remainings) != 2 || remainings[0] != 1 || remainings[1] != 0 {
		t.Fatalf("remaining counts = %v, want [1 0]", remainings)
	}
}

func TestSendToConn(t *testing.T) {
	r := newTestRegistry(t, nil)
	_, ft := mustRegister(t, r, "c1", "alice")

	if err := r.SendToConn("c1", textEnvelope(t, "hello")); err != nil {
		t.Fatalf("SendToConn: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return ft.frameCount() == 1 })
	if got := frameText(t, ft.frame(0)); got != "hello" {
		t.Fatalf("payload text = %q, want %q", got, "hello")
	}

	err := r.SendToConn("ghost", textEnvelope(t, "x"))
	if !errors.Is(err, ErrConnNotFound) {
		t.Fatalf("SendToConn(ghost): err = %v, want %v", err, ErrConnNotFound)
	}
}

func TestSendToConnWrapsConnError(t *testing.T) {
	r := newTestRegistry(t, nil)
	c, _ := mustRegister(t, r, "c1", "alice")
	c.BeginClose()

	err := r.SendToConn("c1", textEnvelope(t, "x"))
	var connErr *ConnError
	if !errors.As(err, &connErr) {
		t.Fatalf("err = %v, want *ConnError", err)
	}
	if connErr.ConnID != "c1" || !errors.Is(err, ErrConnClosed) {
		t.Fatalf("ConnError = %+v, want conn c1 wrapping ErrConnClosed", connErr)
	}
}

func TestSendToUserReachesEveryConn(t *testing.T) {
	r := newTestRegistry(t, nil)
	_, ft1 := mustRegister(t, r, "c1", "alice")
	_, ft2 := mustRegister(t, r, "c2", "alice")

	if got := r.SendToUser("alice", textEnvelope(t, "both")); got != 2 {
		t.Fatalf("SendToUser delivered = %d, want 2", got)
	}
	waitUntil(t, time.Second, func() bool {
		return ft1.frameCount() == 1 && ft2.frameCount() == 1
	})
}

func TestSendToUserQueuesOfflineAndFlushesInOrder(t *testing.T) {
	r := newTestRegistry(t, nil)

	for _, text := range []string{"first", "second", "third"} {
		if got := r.SendToUser("bob", textEnvelope(t, text)); got != 0 {
			t.Fatalf("offline SendToUser delivered = %d, want 0", got)
		}
	}

	_, ft := mustRegister(t, r, "c1", "bob")
	waitUntil(t, time.Second, func() bool { return ft.frameCount() == 3 })

	want := []string{"first", "second", "third"}
	for i, w := range want {
		if got := frameText(t, ft.frame(i)); got != w {
			t.Fatalf("flushed frame %d = %q, want %q", i, got, w)
		}
	}
	if got := r.Stats().OfflineFlushed; got != 3 {
		t.Fatalf("OfflineFlushed = %d, want 3", got)
	}
}

func TestOfflineQueueCapDropsOldest(t *testing.T) {
	cfg := quietConfig()
	cfg.OfflineQueueCap = 3
	r := newTestRegistry(t, cfg)

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		r.SendToUser("bob", textEnvelope(t, text))
	}

	_, ft := mustRegister(t, r, "c1", "bob")
	waitUntil(t, time.Second, func() bool { return ft.frameCount() == 3 })

	for i, want := range []string{"three", "four", "five"} {
		if got := frameText(t, ft.frame(i)); got != want {
			t.Fatalf("retained frame %d = %q, want %q", i, got, want)
		}
	}
	if got := r.Stats().OfflineEvicted; got != 2 {
		t.Fatalf("OfflineEvicted = %d, want 2", got)
	}
}

func TestRoomLifecycle(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "c1", "alice")

	if err := r.JoinRoom("c1", "lobby"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if n := r.RoomCount(); n != 1 {
		t.Fatalf("RoomCount() = %d, want 1", n)
	}
	// Re-join is a no-op.
	if err := r.JoinRoom("c1", "lobby"); err != nil {
		t.Fatalf("re-JoinRoom: %v", err)
	}
	members, _ := r.RoomMembers("lobby")
	if len(members) != 1 {
		t.Fatalf("members after re-join = %d, want 1", len(members))
	}

	if err := r.LeaveRoom("c1", "lobby"); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	if n := r.RoomCount(); n != 0 {
		t.Fatalf("RoomCount() after leave = %d, want 0", n)
	}

	if err := r.JoinRoom("ghost", "lobby"); !errors.Is(err, ErrConnNotFound) {
		t.Fatalf("JoinRoom(ghost): err = %v, want %v", err, ErrConnNotFound)
	}
	if err := r.LeaveRoom("c1", "nowhere"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("LeaveRoom(nowhere): err = %v, want %v", err, ErrRoomNotFound)
	}
}

func TestBroadcastToRoomExcludesSender(t *testing.T) {
	r := newTestRegistry(t, nil)
	_, ft1 := mustRegister(t, r, "c1", "alice")
	_, ft2 := mustRegister(t, r, "c2", "bob")
	_, ft3 := mustRegister(t, r, "c3", "carol")
	for _, id := range []string{"c1", "c2", "c3"} {
		if err := r.JoinRoom(id, "doc:roadmap"); err != nil {
			t.Fatalf("JoinRoom(%s): %v", id, err)
		}
	}

	if got := r.BroadcastToRoom("doc:roadmap", textEnvelope(t, "edit"), "c1"); got != 2 {
		t.Fatalf("delivered = %d, want 2", got)
	}
	waitUntil(t, time.Second, func() bool {
		return ft2.frameCount() == 1 && ft3.frameCount() == 1
	})
	if ft1.frameCount() != 0 {
		t.Fatal("excluded sender received the broadcast")
	}
}

func TestBroadcastSkipsDeadMember(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "c1", "alice")
	c2, _ := mustRegister(t, r, "c2", "bob")
	_, ft3 := mustRegister(t, r, "c3", "carol")
	for _, id := range []string{"c1", "c2", "c3"} {
		if err := r.JoinRoom(id, "doc:roadmap"); err != nil {
			t.Fatalf("JoinRoom(%s): %v", id, err)
		}
	}

	// c2 is mid-teardown; the broadcast must still reach the rest.
	c2.BeginClose()

	if got := r.BroadcastToRoom("doc:roadmap", textEnvelope(t, "note"), "c1"); got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}
	waitUntil(t, time.Second, func() bool { return ft3.frameCount() == 1 })
}

func TestBroadcastUnknownRoom(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "c1", "alice")

	if got := r.BroadcastToRoom("nowhere", textEnvelope(t, "x")); got != 0 {
		t.Fatalf("delivered = %d, want 0", got)
	}
}

func TestBroadcastToAll(t *testing.T) {
	r := newTestRegistry(t, nil)
	_, ft1 := mustRegister(t, r, "c1", "alice")
	_, ft2 := mustRegister(t, r, "c2", "bob")
	_, ft3 := mustRegister(t, r, "c3", "carol")

	if got := r.BroadcastToAll(textEnvelope(t, "notice"), "c2"); got != 2 {
		t.Fatalf("delivered = %d, want 2", got)
	}
	waitUntil(t, time.Second, func() bool {
		return ft1.frameCount() == 1 && ft3.frameCount() == 1
	})
	if ft2.frameCount() != 0 {
		t.Fatal("excluded conn received the broadcast")
	}
}

func TestHeartbeatAndSweepStale(t *testing.T) {
	r := newTestRegistry(t, nil)
	stale, _ := mustRegister(t, r, "c1", "alice")
	fresh, _ := mustRegister(t, r, "c2", "bob")

	stale.lastHeartbeat.Store(time.Now().Add(-61 * time.Second).UnixNano())
	if err := r.Heartbeat("c2"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	if got := r.SweepStale(60 * time.Second); got != 1 {
		t.Fatalf("SweepStale evicted = %d, want 1", got)
	}
	if _, ok := r.Get("c1"); ok {
		t.Fatal("stale conn still registered after sweep")
	}
	if _, ok := r.Get("c2"); !ok {
		t.Fatal("fresh conn evicted by sweep")
	}
	if got := fresh.State(); got != StateActive {
		t.Fatalf("fresh conn state = %v, want %v", got, StateActive)
	}
	if err := r.Heartbeat("c1"); !errors.Is(err, ErrConnNotFound) {
		t.Fatalf("Heartbeat(evicted): err = %v, want %v", err, ErrConnNotFound)
	}
}

func TestSweepStaleUsesEvictHook(t *testing.T) {
	r := newTestRegistry(t, nil)

	var mu sync.Mutex
	var evicted []string
	r.OnEvict(func(c *Conn) {
		mu.Lock()
		evicted = append(evicted, c.ID)
		mu.Unlock()
		r.Deregister(c.ID)
	})

	c, _ := mustRegister(t, r, "c1", "alice")
	c.lastHeartbeat.Store(time.Now().Add(-2 * time.Minute).UnixNano())

	if got := r.SweepStale(time.Minute); got != 1 {
		t.Fatalf("SweepStale evicted = %d, want 1", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0] != "c1" {
		t.Fatalf("evict hook saw %v, want [c1]", evicted)
	}
	if _, ok := r.Get("c1"); ok {
		t.Fatal("conn still registered after evict hook ran")
	}
}

func TestRegisterCallback(t *testing.T) {
	r := newTestRegistry(t, nil)

	var mu sync.Mutex
	var seen []string
	r.OnRegister(func(c *Conn) {
		mu.Lock()
		seen = append(seen, c.ID)
		mu.Unlock()
	})

	mustRegister(t, r, "c1", "alice")
	mustRegister(t, r, "c2", "bob")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("register callback fired %d times, want 2", len(seen))
	}
}

func TestUsersAndRoomsSnapshots(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "c1", "zoe")
	mustRegister(t, r, "c2", "adam")
	if err := r.JoinRoom("c1", "beta"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if err := r.JoinRoom("c2", "alpha"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	users := r.Users()
	if len(users) != 2 || users[0] != "adam" || users[1] != "zoe" {
		t.Fatalf("Users() = %v, want [adam zoe]", users)
	}

	rooms := r.Rooms()
	if len(rooms) != 2 || rooms[0].ID != "alpha" || rooms[1].ID != "beta" {
		t.Fatalf("Rooms() = %v, want alpha then beta", rooms)
	}
	if rooms[0].MemberCount != 1 {
		t.Fatalf("alpha member count = %d, want 1", rooms[0].MemberCount)
	}
}

func TestForEachStopsEarly(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "c1", "alice")
	mustRegister(t, r, "c2", "bob")

	visited := 0
	r.ForEach(func(*Conn) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Fatalf("visited = %d, want 1", visited)
	}
}

func TestStatsCounters(t *testing.T) {
	r := newTestRegistry(t, nil)
	mustRegister(t, r, "c1", "alice")
	mustRegister(t, r, "c2", "bob")
	r.Deregister("c2")
	r.SendToUser("bob", textEnvelope(t, "queued"))

	s := r.Stats()
	if s.ActiveConnections != 1 {
		t.Errorf("ActiveConnections = %d, want 1", s.ActiveConnections)
	}
	if s.TotalRegistered != 2 {
		t.Errorf("TotalRegistered = %d, want 2", s.TotalRegistered)
	}
	if s.TotalDeregistered != 1 {
		t.Errorf("TotalDeregistered = %d, want 1", s.TotalDeregistered)
	}
	if s.PeakConnections != 2 {
		t.Errorf("PeakConnections = %d, want 2", s.PeakConnections)
	}
	if s.OfflineEnqueued != 1 {
		t.Errorf("OfflineEnqueued = %d, want 1", s.OfflineEnqueued)
	}
}

func TestCloseShutsEverythingDown(t *testing.T) {
	r := New(quietConfig(), nil, testLogger())
	c1, ft1 := mustRegister(t, r, "c1", "alice")
	_, ft2 := mustRegister(t, r, "c2", "bob")

	r.Close()

	if got := c1.State(); got != StateClosed {
		t.Fatalf("conn state after Close = %v, want %v", got, StateClosed)
	}
	if !ft1.isClosed() || !ft2.isClosed() {
		t.Fatal("transports not closed after Close")
	}
	if _, err := r.Register(&fakeTransport{}, "c3", "carol", nil); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("Register after Close: err = %v, want %v", err, ErrRegistryClosed)
	}
	// Close twice is safe.
	r.Close()
}
