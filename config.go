package atrium

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atriumhq/atrium/pkg/server"
	"github.com/atriumhq/atrium/pkg/store"
)

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the application configuration. It is the user-friendly entry
// point for configuring an Atrium app, and it maps one-to-one onto a YAML
// config file:
//
//	server:
//	  addr: ":8089"
//	  allowed_origins: ["https://app.example.com"]
//	timeouts:
//	  heartbeat_timeout: 60s
//	  ping_interval: 30s
//	limits:
//	  offline_queue_cap: 100
//	log:
//	  level: info
//	  format: text
//	observability:
//	  metrics: true
//
// Build one from DefaultConfig() or Load(); a zero Config also works, with
// the engine filling in its own defaults.
type Config struct {
	// Server configures the listener and WebSocket endpoint.
	Server ListenConfig `yaml:"server"`

	// Timeouts configures the liveness and delivery clocks.
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// Limits bounds payload sizes, queues, and retained history.
	Limits LimitConfig `yaml:"limits"`

	// Log configures the logger built when Logger is nil.
	Log LogConfig `yaml:"log"`

	// Observability toggles the metrics and tracing interceptors.
	Observability ObservabilityConfig `yaml:"observability"`

	// Logger is the structured logger for the application.
	// If nil, one is built from the Log section.
	Logger *slog.Logger `yaml:"-"`

	// QueueStore is the persistence backend for offline envelope queues.
	// If nil, queues live only in memory (lost on server restart).
	// Use store.NewMemoryStore(), store.NewRedisStore(), or
	// store.NewSQLStore(). A provided store stays owned by the caller and
	// is closed after Shutdown.
	QueueStore store.QueueStore `yaml:"-"`
}

// ListenConfig configures the HTTP listener.
type ListenConfig struct {
	// Addr is the address to listen on.
	// Default: ":8089".
	Addr string `yaml:"addr"`

	// WSPath is the WebSocket accept path.
	// Default: "/ws".
	WSPath string `yaml:"ws_path"`

	// AllowedOrigins restricts WebSocket origins. Each entry is an origin
	// like "https://app.example.com"; "*" allows everything.
	// Default: empty (allow all origins).
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10s.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// TimeoutConfig configures connection liveness and delivery deadlines.
type TimeoutConfig struct {
	// HeartbeatTimeout is how long a connection may go silent before the
	// sweeper evicts it.
	// Default: 60s.
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`

	// PingInterval is how often the server pings each connection.
	// "0s" disables server pings.
	// Default: 30s.
	PingInterval Duration `yaml:"ping_interval"`

	// WriteTimeout bounds a single envelope write.
	// Default: 10s.
	WriteTimeout Duration `yaml:"write_timeout"`

	// SweepInterval is how often the stale-connection sweeper runs.
	// Default: 30s.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// LimitConfig bounds queues and payload sizes.
type LimitConfig struct {
	// MaxMessageSize is the maximum incoming envelope size in bytes.
	// Default: 65536.
	MaxMessageSize int64 `yaml:"max_message_size"`

	// SendQueueSize is the per-connection send buffer, in envelopes.
	// Default: 256.
	SendQueueSize int `yaml:"send_queue_size"`

	// OfflineQueueCap caps each user's offline queue; the oldest entries
	// are dropped first.
	// Default: 100.
	OfflineQueueCap int `yaml:"offline_queue_cap"`

	// HistoryLimit caps each document session's operation history.
	// Default: 200.
	HistoryLimit int `yaml:"history_limit"`

	// PresenceMaxAge is how long an offline presence record is kept.
	// Default: 720h (30 days).
	PresenceMaxAge Duration `yaml:"presence_max_age"`
}

// LogConfig configures the default logger.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", or "error".
	// Default: "info".
	Level string `yaml:"level"`

	// Format is the handler format: "text" or "json".
	// Default: "text".
	Format string `yaml:"format"`
}

// ObservabilityConfig toggles the built-in instrumentation.
type ObservabilityConfig struct {
	// Metrics wires the Prometheus interceptor and the /metrics endpoint.
	// Default: true (DefaultConfig); a zero Config leaves it off.
	Metrics bool `yaml:"metrics"`

	// Tracing wires the OpenTelemetry interceptor. The process must
	// configure the global tracer provider separately.
	// Default: false.
	Tracing bool `yaml:"tracing"`
}

// Duration is a time.Duration that reads from YAML as a Go duration string
// such as "30s" or "1h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("atrium: duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("atrium: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// =============================================================================
// Defaults and Loading
// =============================================================================

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ListenConfig{
			Addr:            ":8089",
			WSPath:          "/ws",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Timeouts: TimeoutConfig{
			HeartbeatTimeout: Duration(60 * time.Second),
			PingInterval:     Duration(30 * time.Second),
			WriteTimeout:     Duration(10 * time.Second),
			SweepInterval:    Duration(30 * time.Second),
		},
		Limits: LimitConfig{
			MaxMessageSize:  64 * 1024,
			SendQueueSize:   256,
			OfflineQueueCap: 100,
			HistoryLimit:    200,
			PresenceMaxAge:  Duration(720 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics: true,
		},
	}
}

// Load reads a YAML config file over the defaults and validates the result.
// Keys absent from the file keep their default values; unknown keys are
// rejected so typos fail loudly. An empty file yields DefaultConfig().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("atrium: read config: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("atrium: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("atrium: server.addr must not be empty")
	}
	if c.Timeouts.HeartbeatTimeout <= 0 {
		return fmt.Errorf("atrium: timeouts.heartbeat_timeout must be positive, got %v",
			time.Duration(c.Timeouts.HeartbeatTimeout))
	}
	if c.Timeouts.PingInterval < 0 {
		return fmt.Errorf("atrium: timeouts.ping_interval must not be negative, got %v",
			time.Duration(c.Timeouts.PingInterval))
	}
	if c.Timeouts.PingInterval > 0 && c.Timeouts.PingInterval >= c.Timeouts.HeartbeatTimeout {
		return fmt.Errorf("atrium: timeouts.ping_interval %v must be shorter than heartbeat_timeout %v",
			time.Duration(c.Timeouts.PingInterval), time.Duration(c.Timeouts.HeartbeatTimeout))
	}
	if c.Timeouts.WriteTimeout <= 0 {
		return fmt.Errorf("atrium: timeouts.write_timeout must be positive, got %v",
			time.Duration(c.Timeouts.WriteTimeout))
	}
	if c.Timeouts.SweepInterval <= 0 {
		return fmt.Errorf("atrium: timeouts.sweep_interval must be positive, got %v",
			time.Duration(c.Timeouts.SweepInterval))
	}
	if c.Limits.MaxMessageSize <= 0 {
		return fmt.Errorf("atrium: limits.max_message_size must be positive, got %d", c.Limits.MaxMessageSize)
	}
	if c.Limits.SendQueueSize <= 0 {
		return fmt.Errorf("atrium: limits.send_queue_size must be positive, got %d", c.Limits.SendQueueSize)
	}
	if c.Limits.OfflineQueueCap <= 0 {
		return fmt.Errorf("atrium: limits.offline_queue_cap must be positive, got %d", c.Limits.OfflineQueueCap)
	}
	if c.Limits.HistoryLimit <= 0 {
		return fmt.Errorf("atrium: limits.history_limit must be positive, got %d", c.Limits.HistoryLimit)
	}
	if c.Limits.PresenceMaxAge <= 0 {
		return fmt.Errorf("atrium: limits.presence_max_age must be positive, got %v",
			time.Duration(c.Limits.PresenceMaxAge))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("atrium: log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("atrium: log.format %q is not one of text, json", c.Log.Format)
	}
	return nil
}

// ServerConfig maps the application configuration onto the engine config
// consumed by pkg/server. Unset fields keep the engine defaults.
func (c *Config) ServerConfig() *server.Config {
	sc := server.DefaultConfig()
	if c.Server.Addr != "" {
		sc.Addr = c.Server.Addr
	}
	if c.Server.WSPath != "" {
		sc.WSPath = c.Server.WSPath
	}
	if len(c.Server.AllowedOrigins) > 0 {
		sc.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	}
	if c.Server.ShutdownTimeout > 0 {
		sc.ShutdownTimeout = time.Duration(c.Server.ShutdownTimeout)
	}
	if c.Timeouts.HeartbeatTimeout > 0 {
		sc.HeartbeatTimeout = time.Duration(c.Timeouts.HeartbeatTimeout)
	}
	// 0 is meaningful for PingInterval: it disables server pings.
	sc.PingInterval = time.Duration(c.Timeouts.PingInterval)
	if c.Timeouts.WriteTimeout > 0 {
		sc.WriteTimeout = time.Duration(c.Timeouts.WriteTimeout)
	}
	if c.Timeouts.SweepInterval > 0 {
		sc.SweepInterval = time.Duration(c.Timeouts.SweepInterval)
	}
	if c.Limits.MaxMessageSize > 0 {
		sc.MaxMessageSize = c.Limits.MaxMessageSize
	}
	if c.Limits.SendQueueSize > 0 {
		sc.SendQueueSize = c.Limits.SendQueueSize
	}
	if c.Limits.OfflineQueueCap > 0 {
		sc.OfflineQueueCap = c.Limits.OfflineQueueCap
	}
	if c.Limits.HistoryLimit > 0 {
		sc.HistoryLimit = c.Limits.HistoryLimit
	}
	if c.Limits.PresenceMaxAge > 0 {
		sc.PresenceMaxAge = time.Duration(c.Limits.PresenceMaxAge)
	}
	sc.EnableMetrics = c.Observability.Metrics
	sc.EnableTracing = c.Observability.Tracing
	sc.QueueStore = c.QueueStore
	return sc
}

// NewLogger builds a slog logger for the given level and format. Level is
// one of "debug", "info", "warn", "error"; format is "text" or "json".
// Unrecognized values fall back to "info" and "text".
func NewLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
