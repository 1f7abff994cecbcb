package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/callbridge"

// Tracer returns the callbridge tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a child span of whatever ctx carries. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCall opens the root span of one phone call and tags ctx with the call
// id, so that every span and [Logger] record below it can be found by call.
// The span is a child of the socket upgrade request when ctx carries one.
func StartCall(ctx context.Context, callID string, sampleRate int) (context.Context, trace.Span) {
	ctx = WithCallID(ctx, callID)
	return Tracer().Start(ctx, "call",
		trace.WithAttributes(
			attribute.String("call.id", callID),
			attribute.Int("call.sample_rate", sampleRate),
		),
	)
}

// CorrelationID returns the trace ID in ctx as hex, or "" without a span.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

type callIDKey struct{}

// WithCallID returns a copy of ctx carrying the telephony call identifier.
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey{}, callID)
}

// CallID returns the call identifier stored by [WithCallID], or "".
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

// Logger returns the default logger with call_id, trace_id and span_id
// attached as far as ctx provides them.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := CallID(ctx); id != "" {
		attrs = append(attrs, slog.String("call_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
