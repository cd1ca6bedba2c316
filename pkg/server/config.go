package server

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/atriumhq/atrium/pkg/store"
)

// Config holds configuration for the collaboration server.
type Config struct {
	// Addr is the address to listen on.
	// Default: ":8089".
	Addr string

	// WSPath is the WebSocket accept path.
	// Default: "/ws".
	WSPath string

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// AllowedOrigins restricts WebSocket origins. Each entry is an origin
	// like "https://app.example.com"; "*" allows everything. Empty allows
	// all origins.
	// Default: nil (allow all).
	AllowedOrigins []string

	// Timeouts

	// HeartbeatTimeout is how long a connection may go without a
	// heartbeat before the sweeper evicts it. Eviction requires the full
	// window, not one missed ping.
	// Default: 60 seconds.
	HeartbeatTimeout time.Duration

	// PingInterval is how often the server pings each connection.
	// 0 disables server pings.
	// Default: 30 seconds.
	PingInterval time.Duration

	// WriteTimeout bounds a single envelope write.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// SweepInterval is how often the stale-connection sweeper runs.
	// Default: 30 seconds.
	SweepInterval time.Duration

	// PresenceSweepInterval is how often stale presence records are
	// purged.
	// Default: 1 hour.
	PresenceSweepInterval time.Duration

	// PresenceMaxAge is how long an offline presence record is kept.
	// Default: 720 hours (30 days).
	PresenceMaxAge time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 10 seconds.
	ShutdownTimeout time.Duration

	// Limits

	// MaxMessageSize is the maximum size of an incoming envelope.
	// Default: 64KB.
	MaxMessageSize int64

	// SendQueueSize is the per-connection send buffer, in envelopes.
	// Default: 256.
	SendQueueSize int

	// OfflineQueueCap caps the per-user offline queue.
	// Default: 100.
	OfflineQueueCap int

	// HistoryLimit caps each document session's operation history.
	// Default: 200.
	HistoryLimit int

	// Observability

	// EnableMetrics wires the Prometheus interceptor and the /metrics
	// endpoint.
	// Default: true.
	EnableMetrics bool

	// EnableTracing wires the OpenTelemetry interceptor. The global
	// tracer provider must be configured separately.
	// Default: false.
	EnableTracing bool

	// QueueStore overrides the offline queue backend. Nil uses an
	// in-memory store owned by the server. The caller keeps ownership of
	// a provided store and closes it after Shutdown.
	QueueStore store.QueueStore
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:                  ":8089",
		WSPath:                "/ws",
		ReadBufferSize:        4096,
		WriteBufferSize:       4096,
		HeartbeatTimeout:      60 * time.Second,
		PingInterval:          30 * time.Second,
		WriteTimeout:          10 * time.Second,
		SweepInterval:         30 * time.Second,
		PresenceSweepInterval: time.Hour,
		PresenceMaxAge:        720 * time.Hour,
		ShutdownTimeout:       10 * time.Second,
		MaxMessageSize:        64 * 1024,
		SendQueueSize:         256,
		OfflineQueueCap:       100,
		HistoryLimit:          200,
		EnableMetrics:         true,
	}
}

// Clone returns a copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return &clone
}

// withDefaults fills unset fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	out := c.Clone()
	defaults := DefaultConfig()
	if out.Addr == "" {
		out.Addr = defaults.Addr
	}
	if out.WSPath == "" {
		out.WSPath = defaults.WSPath
	}
	if out.ReadBufferSize == 0 {
		out.ReadBufferSize = defaults.ReadBufferSize
	}
	if out.WriteBufferSize == 0 {
		out.WriteBufferSize = defaults.WriteBufferSize
	}
	if out.HeartbeatTimeout == 0 {
		out.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = defaults.WriteTimeout
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = defaults.SweepInterval
	}
	if out.PresenceSweepInterval == 0 {
		out.PresenceSweepInterval = defaults.PresenceSweepInterval
	}
	if out.PresenceMaxAge == 0 {
		out.PresenceMaxAge = defaults.PresenceMaxAge
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if out.MaxMessageSize == 0 {
		out.MaxMessageSize = defaults.MaxMessageSize
	}
	if out.SendQueueSize == 0 {
		out.SendQueueSize = defaults.SendQueueSize
	}
	if out.OfflineQueueCap == 0 {
		out.OfflineQueueCap = defaults.OfflineQueueCap
	}
	if out.HistoryLimit == 0 {
		out.HistoryLimit = defaults.HistoryLimit
	}
	return out
}

// Validate checks the config for values that cannot work.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("server: empty listen address")
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("server: heartbeat timeout must be positive, got %v", c.HeartbeatTimeout)
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("server: ping interval must not be negative, got %v", c.PingInterval)
	}
	if c.PingInterval > 0 && c.PingInterval >= c.HeartbeatTimeout {
		return fmt.Errorf("server: ping interval %v must be shorter than heartbeat timeout %v",
			c.PingInterval, c.HeartbeatTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("server: sweep interval must be positive, got %v", c.SweepInterval)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("server: max message size must be positive, got %d", c.MaxMessageSize)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("server: send queue size must be positive, got %d", c.SendQueueSize)
	}
	if c.OfflineQueueCap <= 0 {
		return fmt.Errorf("server: offline queue cap must be positive, got %d", c.OfflineQueueCap)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("server: history limit must be positive, got %d", c.HistoryLimit)
	}
	return nil
}

// originChecker builds the upgrader's CheckOrigin from AllowedOrigins.
// An empty list allows every origin; browsers are expected to sit behind a
// gateway that enforces its own policy.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, origin := range allowed {
		if origin == "*" {
			wildcard = true
			continue
		}
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		if wildcard {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser client.
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		// Allow scheme://host comparisons against bare-host entries.
		if u, err := url.Parse(origin); err == nil {
			if _, ok := set[u.Host]; ok {
				return true
			}
		}
		return false
	}
}
