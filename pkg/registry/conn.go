package registry

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atriumhq/atrium/pkg/protocol"
)

// State is the lifecycle state of a connection.
type State int32

const (
	// StateConnecting is the initial state before registration completes.
	StateConnecting State = iota

	// StateActive means the connection is registered and deliverable.
	StateActive

	// StateClosing means teardown has started; no further sends are
	// accepted.
	StateClosing

	// StateClosed means the writer has stopped and the transport is
	// closed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the wire half of a connection. The websocket layer adapts
// *websocket.Conn to this; tests substitute fakes.
//
// WriteMessage must not be called concurrently; the connection's writer
// goroutine is the only caller.
type Transport interface {
	WriteMessage(data []byte, deadline time.Time) error
	Close() error
	RemoteAddr() string
}

// Conn is one registered client connection. All envelope writes funnel
// through a buffered send queue drained by a single writer goroutine, which
// also emits protocol pings on a fixed interval.
type Conn struct {
	// ID is the server-assigned connection id, unique per socket.
	ID string

	// UserID is the authenticated user. Several connections may share one
	// user id (multiple tabs or devices).
	UserID string

	// CreatedAt is when the connection registered.
	CreatedAt time.Time

	transport    Transport
	meta         map[string]string
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *slog.Logger

	state         atomic.Int32
	lastHeartbeat atomic.Int64 // unix nanos of the last heartbeat

	mu    sync.Mutex
	rooms map[string]struct{}

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

func newConn(t Transport, connID, userID string, meta map[string]string, cfg *Config, logger *slog.Logger) *Conn {
	m := make(map[string]string, len(meta))
	for k, v := range meta {
		m[k] = v
	}
	c := &Conn{
		ID:           connID,
		UserID:       userID,
		CreatedAt:    time.Now(),
		transport:    t,
		meta:         m,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		logger:       logger.With("conn_id", connID, "user_id", userID),
		rooms:        make(map[string]struct{}),
		send:         make(chan []byte, cfg.SendQueueSize),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	c.lastHeartbeat.Store(time.Now().UnixNano())
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// IsActive reports whether the connection accepts sends.
func (c *Conn) IsActive() bool {
	return c.State() == StateActive
}

// BeginClose moves the connection into StateClosing. It returns true for
// exactly one caller; teardown logic keys off that to run once.
func (c *Conn) BeginClose() bool {
	return c.state.CompareAndSwap(int32(StateActive), int32(StateClosing)) ||
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateClosing))
}

// Touch records a heartbeat now.
func (c *Conn) Touch() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (c *Conn) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// SinceHeartbeat returns how long ago the last heartbeat arrived.
func (c *Conn) SinceHeartbeat() time.Duration {
	return time.Since(c.LastHeartbeat())
}

// RemoteAddr returns the transport's remote address.
func (c *Conn) RemoteAddr() string {
	return c.transport.RemoteAddr()
}

// Metadata returns a copy of the connection metadata.
func (c *Conn) Metadata() map[string]string {
	m := make(map[string]string, len(c.meta))
	for k, v := range c.meta {
		m[k] = v
	}
	return m
}

// Meta returns one metadata value.
func (c *Conn) Meta(key string) string {
	return c.meta[key]
}

// Rooms returns the rooms this connection is currently joined to, sorted.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// InRoom reports whether the connection is joined to roomID.
func (c *Conn) InRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Conn) addRoom(roomID string) {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) removeRoom(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

func (c *Conn) clearRooms() {
	c.mu.Lock()
	c.rooms = make(map[string]struct{})
	c.mu.Unlock()
}

// Send encodes the envelope and queues it for the writer. It fails with
// ErrConnClosed once teardown has started and ErrSendQueueFull when the
// peer is not draining.
func (c *Conn) Send(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *Conn) enqueue(data []byte) error {
	if c.State() != StateActive {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// startWriter launches the writer goroutine. The registry calls this once
// during registration, after the connection is indexed.
func (c *Conn) startWriter() {
	go c.writeLoop()
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)

	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case data := <-c.send:
			if err := c.transport.WriteMessage(data, time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug("write failed", "error", err)
				// Closing the transport unblocks the read loop, which
				// drives teardown.
				c.transport.Close()
				return
			}
		case <-tick:
			ping, err := protocol.New(protocol.EventPing, nil)
			if err != nil {
				continue
			}
			data, err := ping.Encode()
			if err != nil {
				continue
			}
			if err := c.transport.WriteMessage(data, time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug("ping write failed", "error", err)
				c.transport.Close()
				return
			}
		case <-c.done:
			// Flush what is already queued. Shutdown notices ride in
			// this window.
			for {
				select {
				case data := <-c.send:
					if err := c.transport.WriteMessage(data, time.Now().Add(c.writeTimeout)); err != nil {
						c.transport.Close()
						return
					}
				default:
					return
				}
			}
		}
	}
}

// shutdown stops the writer, closes the transport and marks the connection
// closed. Safe to call from multiple paths; only the first does the work.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		if c.State() == StateActive || c.State() == StateConnecting {
			c.state.Store(int32(StateClosing))
		}
		close(c.done)
		<-c.writerDone
		c.transport.Close()
		c.state.Store(int32(StateClosed))
	})
}
