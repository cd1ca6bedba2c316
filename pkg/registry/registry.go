// Package registry tracks live connections, their owning users and their
// room memberships, and routes envelopes to them.
//
// The registry is transport-agnostic: anything implementing Transport can
// register. Delivery to a user with no live connection falls back to a
// bounded offline queue (pkg/store) that is flushed, in order, when the
// user next registers.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atriumhq/atrium/pkg/middleware"
	"github.com/atriumhq/atrium/pkg/protocol"
	"github.com/atriumhq/atrium/pkg/store"
)

// Config controls per-connection queueing and timing.
type Config struct {
	// WriteTimeout bounds a single transport write.
	WriteTimeout time.Duration

	// PingInterval is how often the writer emits a protocol ping.
	// Zero disables pings.
	PingInterval time.Duration

	// SendQueueSize is the per-connection send buffer, in envelopes.
	SendQueueSize int

	// OfflineQueueCap caps the per-user offline queue. When full, the
	// oldest entry is evicted to admit the newest.
	OfflineQueueCap int
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() *Config {
	return &Config{
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		SendQueueSize:   256,
		OfflineQueueCap: 100,
	}
}

// Clone returns a copy of the config.
func (c *Config) Clone() *Config {
	out := *c
	return &out
}

// RoomInfo describes one active room.
type RoomInfo struct {
	ID          string    `json:"id"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Stats is a point-in-time snapshot of registry counters.
type Stats struct {
	ActiveConnections int   `json:"active_connections"`
	ActiveUsers       int   `json:"active_users"`
	ActiveRooms       int   `json:"active_rooms"`
	TotalRegistered   int64 `json:"total_registered"`
	TotalDeregistered int64 `json:"total_deregistered"`
	PeakConnections   int64 `json:"peak_connections"`
	SweepEvictions    int64 `json:"sweep_evictions"`
	OfflineEnqueued   int64 `json:"offline_enqueued"`
	OfflineEvicted    int64 `json:"offline_evicted"`
	OfflineFlushed    int64 `json:"offline_flushed"`
}

type room struct {
	id        string
	members   map[string]*Conn
	createdAt time.Time
}

// Registry is the connection table. All index mutations happen under one
// RWMutex; envelope writes happen outside it, against per-connection send
// queues.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn            // conn id -> conn
	byUser map[string]map[string]*Conn // user id -> conn id -> conn
	rooms  map[string]*room            // room id -> room
	closed bool

	cfg      *Config
	queue    store.QueueStore
	ownQueue bool
	logger   *slog.Logger

	onRegister   func(*Conn)
	onDeregister func(c *Conn, remaining int)
	onEvict      func(*Conn)

	totalRegistered   atomic.Int64
	totalDeregistered atomic.Int64
	peakConns         atomic.Int64
	sweepEvictions    atomic.Int64
	offlineEnqueued   atomic.Int64
	offlineEvicted    atomic.Int64
	offlineFlushed    atomic.Int64
}

// New creates a registry. A nil cfg uses DefaultConfig. A nil queue store
// gets an in-memory store owned (and closed) by the registry.
func New(cfg *Config, queue store.QueueStore, logger *slog.Logger) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ownQueue := false
	if queue == nil {
		queue = store.NewMemoryStore()
		ownQueue = true
	}
	return &Registry{
		conns:    make(map[string]*Conn),
		byUser:   make(map[string]map[string]*Conn),
		rooms:    make(map[string]*room),
		cfg:      cfg.Clone(),
		queue:    queue,
		ownQueue: ownQueue,
		logger:   logger.With("component", "registry"),
	}
}

// OnRegister sets a callback invoked after each successful registration.
func (r *Registry) OnRegister(fn func(*Conn)) {
	r.mu.Lock()
	r.onRegister = fn
	r.mu.Unlock()
}

// OnDeregister sets a callback invoked after each deregistration with the
// connection and the user's remaining live connection count.
func (r *Registry) OnDeregister(fn func(c *Conn, remaining int)) {
	r.mu.Lock()
	r.onDeregister = fn
	r.mu.Unlock()
}

// OnEvict sets the teardown hook used by SweepStale. When set, stale
// connections are handed to it instead of being deregistered directly, so
// the owner can run its full teardown path.
func (r *Registry) OnEvict(fn func(*Conn)) {
	r.mu.Lock()
	r.onEvict = fn
	r.mu.Unlock()
}

// Register creates a connection, indexes it under connID and userID, starts
// its writer and flushes any offline-queued envelopes in enqueue order.
func (r *Registry) Register(t Transport, connID, userID string, meta map[string]string) (*Conn, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if _, exists := r.conns[connID]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateConn
	}
	c := newConn(t, connID, userID, meta, r.cfg, r.logger)
	r.conns[connID] = c
	userConns := r.byUser[userID]
	if userConns == nil {
		userConns = make(map[string]*Conn)
		r.byUser[userID] = userConns
	}
	userConns[connID] = c
	total := int64(len(r.conns))
	if total > r.peakConns.Load() {
		r.peakConns.Store(total)
	}
	onRegister := r.onRegister
	r.mu.Unlock()

	r.totalRegistered.Add(1)
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
	c.startWriter()

	flushed := r.flushOffline(c)
	r.logger.Info("connection registered",
		"conn_id", connID,
		"user_id", userID,
		"remote_addr", t.RemoteAddr(),
		"flushed", flushed,
	)
	if onRegister != nil {
		onRegister(c)
	}
	return c, nil
}

func (r *Registry) flushOffline(c *Conn) int {
	payloads, err := r.queue.Drain(context.Background(), c.UserID)
	if err != nil {
		r.logger.Warn("offline queue drain failed", "user_id", c.UserID, "error", err)
		return 0
	}
	flushed := 0
	for _, p := range payloads {
		if err := c.enqueue(p); err != nil {
			r.logger.Warn("offline flush dropped",
				"user_id", c.UserID,
				"conn_id", c.ID,
				"error", err,
			)
			break
		}
		flushed++
	}
	r.offlineFlushed.Add(int64(flushed))
	return flushed
}

// Deregister removes the connection from every index, destroys rooms it
// leaves empty, stops its writer and closes its transport. Calling it for
// an unknown id is a no-op.
func (r *Registry) Deregister(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)

	var destroyed []string
	for _, roomID := range c.Rooms() {
		rm := r.rooms[roomID]
		if rm == nil {
			continue
		}
		delete(rm.members, connID)
		if len(rm.members) == 0 {
			delete(r.rooms, roomID)
			destroyed = append(destroyed, roomID)
		}
	}

	remaining := 0
	if userConns := r.byUser[c.UserID]; userConns != nil {
		delete(userConns, connID)
		remaining = len(userConns)
		if remaining == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	onDeregister := r.onDeregister
	r.mu.Unlock()

	c.clearRooms()
	c.shutdown()
	r.totalDeregistered.Add(1)

	for _, roomID := range destroyed {
		r.logger.Debug("room destroyed", "room_id", roomID)
	}
	r.logger.Info("connection deregistered",
		"conn_id", connID,
		"user_id", c.UserID,
		"remaining", remaining,
	)
	if onDeregister != nil {
		onDeregister(c, remaining)
	}
}

// Get returns the connection registered under connID.
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// SendToConn delivers one envelope to one connection.
func (r *Registry) SendToConn(connID string, env *protocol.Envelope) error {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrConnNotFound
	}
	if err := c.Send(env); err != nil {
		return &ConnError{ConnID: connID, Op: "send", Err: err}
	}
	return nil
}

// SendToUser delivers the envelope to every live connection of userID and
// returns how many accepted it. When the user has no live connection the
// envelope goes to the offline queue and delivered is zero.
func (r *Registry) SendToUser(userID string, env *protocol.Envelope) int {
	data, err := env.Encode()
	if err != nil {
		r.logger.Warn("send to user: encode failed", "user_id", userID, "error", err)
		return 0
	}

	r.mu.RLock()
	userConns := r.byUser[userID]
	targets := make([]*Conn, 0, len(userConns))
	for _, c := range userConns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		evicted, err := r.queue.Enqueue(context.Background(), userID, data, r.cfg.OfflineQueueCap)
		if err != nil {
			r.logger.Warn("offline enqueue failed", "user_id", userID, "error", err)
			return 0
		}
		r.offlineEnqueued.Add(1)
		middleware.RecordOfflineEnqueued()
		if evicted {
			r.offlineEvicted.Add(1)
			middleware.RecordOfflineDropped()
			r.logger.Debug("offline queue full, oldest dropped", "user_id", userID)
		}
		return 0
	}

	delivered := 0
	for _, c := range targets {
		if err := c.enqueue(data); err != nil {
			r.logger.Debug("send to user: conn refused envelope",
				"user_id", userID,
				"conn_id", c.ID,
				"error", err,
			)
			continue
		}
		delivered++
	}
	return delivered
}

// JoinRoom adds the connection to a room, creating the room if it does not
// exist yet. Joining a room twice is a no-op.
func (r *Registry) JoinRoom(connID, roomID string) error {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrConnNotFound
	}
	rm := r.rooms[roomID]
	created := false
	if rm == nil {
		rm = &room{id: roomID, members: make(map[string]*Conn), createdAt: time.Now()}
		r.rooms[roomID] = rm
		created = true
	}
	rm.members[connID] = c
	c.addRoom(roomID)
	r.mu.Unlock()

	if created {
		r.logger.Debug("room created", "room_id", roomID)
	}
	return nil
}

// LeaveRoom removes the connection from a room, destroying the room when
// it becomes empty.
func (r *Registry) LeaveRoom(connID, roomID string) error {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrConnNotFound
	}
	rm := r.rooms[roomID]
	if rm == nil {
		r.mu.Unlock()
		return ErrRoomNotFound
	}
	delete(rm.members, connID)
	c.removeRoom(roomID)
	destroyed := false
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		destroyed = true
	}
	r.mu.Unlock()

	if destroyed {
		r.logger.Debug("room destroyed", "room_id", roomID)
	}
	return nil
}

// BroadcastToRoom sends the envelope to every member of roomID except the
// connection ids in exclude, returning how many accepted it. A failure on
// one member never blocks the rest. An unknown room delivers to nobody.
func (r *Registry) BroadcastToRoom(roomID string, env *protocol.Envelope, exclude ...string) int {
	r.mu.RLock()
	rm := r.rooms[roomID]
	if rm == nil {
		r.mu.RUnlock()
		return 0
	}
	targets := collectExcept(rm.members, exclude)
	r.mu.RUnlock()
	return r.fanOut(targets, env, "room", roomID)
}

// BroadcastToAll sends the envelope to every registered connection except
// the connection ids in exclude.
func (r *Registry) BroadcastToAll(env *protocol.Envelope, exclude ...string) int {
	r.mu.RLock()
	targets := collectExcept(r.conns, exclude)
	r.mu.RUnlock()
	return r.fanOut(targets, env, "scope", "all")
}

func collectExcept(conns map[string]*Conn, exclude []string) []*Conn {
	var skip map[string]struct{}
	if len(exclude) > 0 {
		skip = make(map[string]struct{}, len(exclude))
		for _, id := range exclude {
			skip[id] = struct{}{}
		}
	}
	targets := make([]*Conn, 0, len(conns))
	for id, c := range conns {
		if _, skipped := skip[id]; skipped {
			continue
		}
		targets = append(targets, c)
	}
	return targets
}

func (r *Registry) fanOut(targets []*Conn, env *protocol.Envelope, scopeKey, scope string) int {
	if len(targets) == 0 {
		return 0
	}
	data, err := env.Encode()
	if err != nil {
		r.logger.Warn("broadcast encode failed", scopeKey, scope, "error", err)
		return 0
	}
	delivered := 0
	for _, c := range targets {
		if err := c.enqueue(data); err != nil {
			r.logger.Debug("broadcast skipped conn",
				scopeKey, scope,
				"conn_id", c.ID,
				"error", err,
			)
			continue
		}
		delivered++
	}
	return delivered
}

// Heartbeat records a heartbeat for the connection.
func (r *Registry) Heartbeat(connID string) error {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrConnNotFound
	}
	c.Touch()
	return nil
}

// SweepStale evicts every connection whose last heartbeat is older than
// timeout. Evicted connections go through the OnEvict hook when one is
// set, otherwise straight to Deregister. Returns the number evicted.
func (r *Registry) SweepStale(timeout time.Duration) int {
	r.mu.RLock()
	var stale []*Conn
	for _, c := range r.conns {
		if c.SinceHeartbeat() > timeout {
			stale = append(stale, c)
		}
	}
	onEvict := r.onEvict
	r.mu.RUnlock()

	for _, c := range stale {
		r.logger.Info("evicting stale connection",
			"conn_id", c.ID,
			"user_id", c.UserID,
			"idle", c.SinceHeartbeat().Round(time.Millisecond),
		)
		if onEvict != nil {
			onEvict(c)
		} else {
			r.Deregister(c.ID)
		}
	}
	if n := len(stale); n > 0 {
		r.sweepEvictions.Add(int64(n))
	}
	return len(stale)
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserCount returns the number of distinct users with live connections.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// RoomCount returns the number of active rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// UserConns returns the live connections of userID.
func (r *Registry) UserConns(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// Users returns every user id with at least one live connection, sorted.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RoomMembers returns the member connections of roomID.
func (r *Registry) RoomMembers(roomID string) ([]*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm := r.rooms[roomID]
	if rm == nil {
		return nil, false
	}
	out := make([]*Conn, 0, len(rm.members))
	for _, c := range rm.members {
		out = append(out, c)
	}
	return out, true
}

// Rooms returns a snapshot of the active rooms, sorted by id.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, RoomInfo{
			ID:          rm.id,
			MemberCount: len(rm.members),
			CreatedAt:   rm.createdAt,
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ForEach calls fn for every registered connection until fn returns false.
// The iteration order is unspecified.
func (r *Registry) ForEach(fn func(*Conn) bool) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		if !fn(c) {
			return
		}
	}
}

// Stats returns a snapshot of the registry counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	s := Stats{
		ActiveConnections: len(r.conns),
		ActiveUsers:       len(r.byUser),
		ActiveRooms:       len(r.rooms),
	}
	r.mu.RUnlock()
	s.TotalRegistered = r.totalRegistered.Load()
	s.TotalDeregistered = r.totalDeregistered.Load()
	s.PeakConnections = r.peakConns.Load()
	s.SweepEvictions = r.sweepEvictions.Load()
	s.OfflineEnqueued = r.offlineEnqueued.Load()
	s.OfflineEvicted = r.offlineEvicted.Load()
	s.OfflineFlushed = r.offlineFlushed.Load()
	return s
}

// Close shuts every connection down concurrently and rejects further
// registrations. The queue store is closed only when the registry owns it.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	r.byUser = make(map[string]map[string]*Conn)
	r.rooms = make(map[string]*room)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.shutdown()
		}(c)
	}
	wg.Wait()

	if r.ownQueue {
		r.queue.Close()
	}
	r.logger.Info("registry closed", "connections", len(conns))
}
