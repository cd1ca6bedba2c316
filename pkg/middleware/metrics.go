package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus interceptor.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "atrium").
	Namespace string

	// Subsystem is the metrics subsystem (default: "server").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for event duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus interceptor.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "atrium",
		Subsystem: "server",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// metrics holds the Prometheus instruments.
type metrics struct {
	eventsTotal       *prometheus.CounterVec
	eventDuration     *prometheus.HistogramVec
	eventErrors       *prometheus.CounterVec
	envelopesSent     prometheus.Counter
	activeConnections prometheus.Gauge
	onlineUsers       prometheus.Gauge
	activeRooms       prometheus.Gauge
	openDocuments     prometheus.Gauge
	offlineEnqueued   prometheus.Counter
	offlineDropped    prometheus.Counter
	sweepEvictions    prometheus.Counter
	documentEdits     prometheus.Counter
	presenceUpdates   prometheus.Counter
}

// globalMetrics is the singleton instance, created on the first call to
// Prometheus(). prometheus panics on duplicate registration, so a second
// interceptor reuses it.
var (
	globalMetrics   *metrics
	globalMetricsMu sync.Mutex
)

func initMetrics(config MetricsConfig) *metrics {
	factory := promauto.With(config.Registry)

	return &metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "events_total",
			Help:        "Total number of envelopes dispatched",
			ConstLabels: config.ConstLabels,
		}, []string{"event_type", "status"}),

		eventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "event_duration_seconds",
			Help:        "Envelope dispatch duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"event_type"}),

		eventErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "event_errors_total",
			Help:        "Total number of envelope dispatch errors",
			ConstLabels: config.ConstLabels,
		}, []string{"event_type", "reason"}),

		envelopesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "envelopes_sent_total",
			Help:        "Total number of envelopes written to clients",
			ConstLabels: config.ConstLabels,
		}),

		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_connections",
			Help:        "Number of registered WebSocket connections",
			ConstLabels: config.ConstLabels,
		}),

		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "online_users",
			Help:        "Number of users with at least one live connection",
			ConstLabels: config.ConstLabels,
		}),

		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_rooms",
			Help:        "Number of rooms with at least one member",
			ConstLabels: config.ConstLabels,
		}),

		openDocuments: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "open_documents",
			Help:        "Number of document sessions with participants",
			ConstLabels: config.ConstLabels,
		}),

		offlineEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "offline_enqueued_total",
			Help:        "Total envelopes queued for offline users",
			ConstLabels: config.ConstLabels,
		}),

		offlineDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "offline_dropped_total",
			Help:        "Total envelopes dropped from full offline queues",
			ConstLabels: config.ConstLabels,
		}),

		sweepEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "sweep_evictions_total",
			Help:        "Total connections evicted by the heartbeat sweeper",
			ConstLabels: config.ConstLabels,
		}),

		documentEdits: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "document_edits_total",
			Help:        "Total document edit operations applied",
			ConstLabels: config.ConstLabels,
		}),

		presenceUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "presence_updates_total",
			Help:        "Total presence updates fanned out to subscribers",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// Prometheus returns an interceptor that records dispatch counts, durations
// and errors for every envelope.
//
// Metrics collected (with the default namespace and subsystem):
//   - atrium_server_events_total: Counter of envelopes by event type and status
//   - atrium_server_event_duration_seconds: Histogram of dispatch duration
//   - atrium_server_event_errors_total: Counter of errors by event type and reason
//
// The remaining instruments are fed by the Record and UpdateGauges helpers,
// called from the server's registry callbacks and sweep loop. Expose the
// registry via promhttp:
//
//	mux.Handle("/metrics", promhttp.Handler())
func Prometheus(opts ...MetricsOption) Interceptor {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	globalMetricsMu.Lock()
	if globalMetrics == nil {
		globalMetrics = initMetrics(config)
	}
	m := globalMetrics
	globalMetricsMu.Unlock()

	return func(next EventFunc) EventFunc {
		return func(ctx context.Context, ev Event) error {
			label := ev.Type.MetricLabel()
			start := time.Now()

			err := next(ctx, ev)

			m.eventDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
			status := "success"
			if err != nil {
				status = "error"
				m.eventErrors.WithLabelValues(label, categorizeError(err)).Inc()
			}
			m.eventsTotal.WithLabelValues(label, status).Inc()
			return err
		}
	}
}

// categorizeError maps an error to a bounded reason label. Error messages
// themselves would be high-cardinality.
func categorizeError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "panic"):
		return "panic"
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "decode"), strings.Contains(msg, "invalid"), strings.Contains(msg, "missing"):
		return "invalid_payload"
	case strings.Contains(msg, "not found"), strings.Contains(msg, "unknown"):
		return "not_found"
	case strings.Contains(msg, "not a participant"), strings.Contains(msg, "not a member"):
		return "not_member"
	case strings.Contains(msg, "queue full"), strings.Contains(msg, "closed"):
		return "delivery"
	default:
		return "internal"
	}
}

// GaugeSnapshot carries current table sizes for the gauges.
type GaugeSnapshot struct {
	Connections int
	OnlineUsers int
	Rooms       int
	Documents   int
}

// UpdateGauges sets the connection, user, room and document gauges from a
// snapshot. The server calls this from its sweep loop.
func UpdateGauges(s GaugeSnapshot) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.activeConnections.Set(float64(s.Connections))
	globalMetrics.onlineUsers.Set(float64(s.OnlineUsers))
	globalMetrics.activeRooms.Set(float64(s.Rooms))
	globalMetrics.openDocuments.Set(float64(s.Documents))
}

// RecordEnvelopesSent records envelopes accepted for delivery.
func RecordEnvelopesSent(count int) {
	if globalMetrics != nil && count > 0 {
		globalMetrics.envelopesSent.Add(float64(count))
	}
}

// RecordOfflineEnqueued records one envelope queued for an offline user.
func RecordOfflineEnqueued() {
	if globalMetrics != nil {
		globalMetrics.offlineEnqueued.Inc()
	}
}

// RecordOfflineDropped records one envelope evicted from a full offline
// queue.
func RecordOfflineDropped() {
	if globalMetrics != nil {
		globalMetrics.offlineDropped.Inc()
	}
}

// RecordSweepEvictions records connections evicted by the sweeper.
func RecordSweepEvictions(count int) {
	if globalMetrics != nil && count > 0 {
		globalMetrics.sweepEvictions.Add(float64(count))
	}
}

// RecordDocumentEdit records one applied edit operation.
func RecordDocumentEdit() {
	if globalMetrics != nil {
		globalMetrics.documentEdits.Inc()
	}
}

// RecordPresenceUpdate records one presence update fan-out.
func RecordPresenceUpdate() {
	if globalMetrics != nil {
		globalMetrics.presenceUpdates.Inc()
	}
}

// Collector exposes the instruments for inspection or custom registration
// alongside other application metrics.
type Collector struct {
	eventsTotal       *prometheus.CounterVec
	eventDuration     *prometheus.HistogramVec
	eventErrors       *prometheus.CounterVec
	envelopesSent     prometheus.Counter
	activeConnections prometheus.Gauge
	onlineUsers       prometheus.Gauge
	activeRooms       prometheus.Gauge
	openDocuments     prometheus.Gauge
	offlineEnqueued   prometheus.Counter
	offlineDropped    prometheus.Counter
	sweepEvictions    prometheus.Counter
	documentEdits     prometheus.Counter
	presenceUpdates   prometheus.Counter
}

// GetMetrics returns the global metrics collector. Returns nil if the
// Prometheus interceptor has not been initialized.
func GetMetrics() *Collector {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	if globalMetrics == nil {
		return nil
	}
	return &Collector{
		eventsTotal:       globalMetrics.eventsTotal,
		eventDuration:     globalMetrics.eventDuration,
		eventErrors:       globalMetrics.eventErrors,
		envelopesSent:     globalMetrics.envelopesSent,
		activeConnections: globalMetrics.activeConnections,
		onlineUsers:       globalMetrics.onlineUsers,
		activeRooms:       globalMetrics.activeRooms,
		openDocuments:     globalMetrics.openDocuments,
		offlineEnqueued:   globalMetrics.offlineEnqueued,
		offlineDropped:    globalMetrics.offlineDropped,
		sweepEvictions:    globalMetrics.sweepEvictions,
		documentEdits:     globalMetrics.documentEdits,
		presenceUpdates:   globalMetrics.presenceUpdates,
	}
}
