package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default tracer name.
const defaultTracerName = "atrium"

// OTelConfig configures the OpenTelemetry interceptor.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "atrium").
	TracerName string

	// IncludeUserID includes the sender's user id in spans.
	// May contain sensitive information - disabled by default.
	IncludeUserID bool

	// Filter determines which events to trace. Return true to trace the
	// event, false to skip. If nil, all events are traced.
	Filter func(ev Event) bool

	// AttributeExtractor extracts custom attributes for each traced event.
	AttributeExtractor func(ev Event) []attribute.KeyValue

	tracer trace.Tracer
}

// OTelOption configures the OpenTelemetry interceptor.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithIncludeUserID enables including the sender's user id in spans.
func WithIncludeUserID(include bool) OTelOption {
	return func(c *OTelConfig) {
		c.IncludeUserID = include
	}
}

// WithEventFilter sets a filter function for events.
func WithEventFilter(filter func(ev Event) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(ev Event) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

func defaultOTelConfig() OTelConfig {
	return OTelConfig{
		TracerName: defaultTracerName,
	}
}

// OpenTelemetry returns an interceptor that traces every dispatched
// envelope.
//
// Each span is named "atrium.<event_type>" and carries the event id, the
// connection id and the room scope. Errors from downstream handlers are
// recorded on the span and reflected in its status.
//
// The tracer comes from the global tracer provider. Configure it in main()
// before starting the server:
//
//	tp := sdktrace.NewTracerProvider(
//	    sdktrace.WithBatcher(exporter),
//	    sdktrace.WithResource(resource.NewWithAttributes(
//	        semconv.SchemaURL,
//	        semconv.ServiceName("atrium"),
//	    )),
//	)
//	otel.SetTracerProvider(tp)
func OpenTelemetry(opts ...OTelOption) Interceptor {
	config := defaultOTelConfig()
	for _, opt := range opts {
		opt(&config)
	}
	config.tracer = otel.Tracer(config.TracerName)

	return func(next EventFunc) EventFunc {
		return func(ctx context.Context, ev Event) error {
			if config.Filter != nil && !config.Filter(ev) {
				return next(ctx, ev)
			}

			attrs := []attribute.KeyValue{
				attribute.String("atrium.event_type", string(ev.Type)),
				attribute.String("atrium.event_id", ev.EventID),
				attribute.String("atrium.conn_id", ev.ConnID),
			}
			if ev.RoomID != "" {
				attrs = append(attrs, attribute.String("atrium.room_id", ev.RoomID))
			}
			if config.IncludeUserID && ev.UserID != "" {
				attrs = append(attrs, attribute.String("atrium.user_id", ev.UserID))
			}
			if config.AttributeExtractor != nil {
				attrs = append(attrs, config.AttributeExtractor(ev)...)
			}

			spanCtx, span := config.tracer.Start(
				ctx,
				"atrium."+string(ev.Type),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			err := next(spanCtx, ev)

			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return err
		}
	}
}
