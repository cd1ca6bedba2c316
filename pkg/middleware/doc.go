// Package middleware provides observability interceptors for envelope
// dispatch.
//
// This package includes:
//   - Prometheus metrics for events, connections, rooms and queues
//   - OpenTelemetry tracing with one span per dispatched envelope
//
// # Prometheus Metrics
//
// The Prometheus interceptor collects metrics about envelope processing:
//   - atrium_server_events_total: Total envelopes dispatched by type and status
//   - atrium_server_event_duration_seconds: Dispatch duration histogram
//   - atrium_server_event_errors_total: Dispatch errors by type and reason
//   - atrium_server_active_connections: Current registered connections
//   - atrium_server_online_users: Users currently online
//   - atrium_server_active_rooms: Rooms with at least one member
//   - atrium_server_open_documents: Document sessions with participants
//
// Wire it into a dispatch chain and expose the registry over promhttp:
//
//	chain := middleware.Chain(
//	    middleware.OpenTelemetry(),
//	    middleware.Prometheus(middleware.WithNamespace("atrium")),
//	)
//	dispatch := chain(coreDispatch)
//
//	mux.Handle("/metrics", promhttp.Handler())
//
// # OpenTelemetry Tracing
//
// The OpenTelemetry interceptor starts a span per envelope, named after the
// event type, and records the dispatch outcome. It uses the global tracer
// provider; configure that in main() before serving:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
package middleware
