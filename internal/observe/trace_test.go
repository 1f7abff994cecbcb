package observe

import (
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useRecorder installs an in-memory tracer provider as the global one for the
// duration of the test. Tests calling it must not run in parallel.
func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestStartCall(t *testing.T) {
	rec := useRecorder(t)

	ctx, span := StartCall(context.Background(), "c-17", 8000)
	if got := CallID(ctx); got != "c-17" {
		t.Errorf("CallID = %q, want c-17", got)
	}
	cid := CorrelationID(ctx)
	if _, err := hex.DecodeString(cid); err != nil || len(cid) != 32 {
		t.Errorf("CorrelationID = %q, want 32 hex chars", cid)
	}

	_, child := StartSpan(ctx, "synth.Synthesize")
	child.End()
	span.End()

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}
	root, synth := ended[1], ended[0]
	if root.Name() != "call" {
		t.Errorf("root span = %q, want call", root.Name())
	}
	if synth.Parent().SpanID() != root.SpanContext().SpanID() {
		t.Error("synth span is not a child of the call span")
	}
	want := map[attribute.Key]attribute.Value{
		"call.id":          attribute.StringValue("c-17"),
		"call.sample_rate": attribute.IntValue(8000),
	}
	for _, kv := range root.Attributes() {
		if w, ok := want[kv.Key]; ok {
			if kv.Value != w {
				t.Errorf("%s = %v, want %v", kv.Key, kv.Value.Emit(), w.Emit())
			}
			delete(want, kv.Key)
		}
	}
	for k := range want {
		t.Errorf("call span missing attribute %s", k)
	}
}

func TestCorrelationID_NoSpan(t *testing.T) {
	t.Parallel()
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
	if got := CallID(context.Background()); got != "" {
		t.Errorf("CallID = %q, want empty", got)
	}
}

func TestLogger(t *testing.T) {
	useRecorder(t)

	spanCtx, span := StartSpan(context.Background(), "op")
	defer span.End()

	tests := []struct {
		name    string
		ctx     context.Context
		want    []string
		notWant []string
	}{
		{
			name:    "bare context",
			ctx:     context.Background(),
			notWant: []string{"call_id=", "trace_id=", "span_id="},
		},
		{
			name:    "call only",
			ctx:     WithCallID(context.Background(), "c-1"),
			want:    []string{"call_id=c-1"},
			notWant: []string{"trace_id="},
		},
		{
			name:    "span only",
			ctx:     spanCtx,
			want:    []string{"trace_id=" + CorrelationID(spanCtx), "span_id="},
			notWant: []string{"call_id="},
		},
		{
			name: "call and span",
			ctx:  WithCallID(spanCtx, "c-2"),
			want: []string{"call_id=c-2", "trace_id=", "span_id="},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			Logger(tt.ctx).Info("caller said hello")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(out, nw) {
					t.Errorf("log %q should not contain %q", out, nw)
				}
			}
		})
	}
}
