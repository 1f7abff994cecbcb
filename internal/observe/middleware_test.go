package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newInstrumented wires Middleware in front of a mux with the command and
// health routes the bridge serves.
func newInstrumented(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	rec := useRecorder(t)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /commands/{command}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("command") == "unknown" {
			http.Error(w, "unknown command", http.StatusNotFound)
			return
		}
		w.Header().Set("X-Seen-Trace", CorrelationID(r.Context()))
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return Middleware(m)(mux), reader, rec
}

func durationPoints(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "callbridge.http.request.duration")
	if met == nil {
		t.Fatal("callbridge.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration metric is %T, want histogram", met.Data)
	}
	return hist.DataPoints
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	tests := []struct {
		name        string
		traceparent string
		wantTrace   string
	}{
		{name: "new trace"},
		{
			name:        "continues caller trace",
			traceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			wantTrace:   "4bf92f3577b34da6a3ce929d0e0e4736",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newInstrumented(t)
			req := httptest.NewRequest(http.MethodPost, "/commands/killAudio", nil)
			if tt.traceparent != "" {
				req.Header.Set("traceparent", tt.traceparent)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			got := w.Header().Get(CorrelationHeader)
			if len(got) != 32 {
				t.Fatalf("%s = %q, want a trace id", CorrelationHeader, got)
			}
			if seen := w.Header().Get("X-Seen-Trace"); seen != got {
				t.Errorf("handler saw trace %q, header says %q", seen, got)
			}
			if tt.wantTrace != "" && got != tt.wantTrace {
				t.Errorf("%s = %q, want %q", CorrelationHeader, got, tt.wantTrace)
			}
			if w.Header().Get("traceparent") == "" {
				t.Error("response carries no traceparent")
			}
		})
	}
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	h, _, rec := newInstrumented(t)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/commands/unknown", nil))

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	s := ended[0]
	if s.Name() != "POST /commands/{command}" {
		t.Errorf("span name = %q", s.Name())
	}
	var status int64
	for _, kv := range s.Attributes() {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("http.response.status_code = %d, want 404", status)
	}
}

func TestMiddleware_DurationPerRoute(t *testing.T) {
	h, reader, _ := newInstrumented(t)
	for _, cmd := range []string{"playAudio", "killAudio", "disconnect"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/commands/"+cmd, nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	counts := map[string]uint64{}
	for _, dp := range durationPoints(t, reader) {
		path, _ := dp.Attributes.Value("path")
		counts[path.AsString()] += dp.Count
	}
	if counts["/commands/{command}"] != 3 {
		t.Errorf("command samples = %d, want 3 (counts %v)", counts["/commands/{command}"], counts)
	}
	if counts["/nowhere"] != 1 {
		t.Errorf("unmatched path samples = %d, want 1 (counts %v)", counts["/nowhere"], counts)
	}
}

func TestMiddleware_HealthRoutesLogAtDebug(t *testing.T) {
	h, _, _ := newInstrumented(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if buf.Len() != 0 {
		t.Errorf("health check logged at info: %s", buf.String())
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/commands/killAudio", nil))
	if out := buf.String(); !strings.Contains(out, "request completed") || !strings.Contains(out, "status=202") {
		t.Errorf("command request log = %q", out)
	}
}

func TestMiddleware_ForwardsHijack(t *testing.T) {
	rec := useRecorder(t)
	m, err := NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	hijacked := make(chan error, 1)
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			hijacked <- errors.New("writer is not a Hijacker")
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
		hijacked <- err
	}))

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/calls")
	if err == nil {
		_ = resp.Body.Close()
	}
	if err := <-hijacked; err != nil {
		t.Fatalf("Hijack: %v", err)
	}
	srv.Close()

	for _, s := range rec.Ended() {
		for _, kv := range s.Attributes() {
			if kv.Key == "http.response.status_code" && kv.Value.AsInt64() != http.StatusSwitchingProtocols {
				t.Errorf("upgraded status = %d, want 101", kv.Value.AsInt64())
			}
		}
	}
}
