// Package observe holds the bridge's telemetry: OpenTelemetry instruments,
// call-scoped tracing and logging, and the HTTP middleware tying them to
// every request.
//
// Instruments are created from a [metric.MeterProvider]; [InitProvider]
// installs one that the Prometheus exporter serves on /metrics. Tests build
// their own with [NewMetrics] and a ManualReader instead of using
// [DefaultMetrics].
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/callbridge"

// Metrics holds every instrument the bridge records to. The zero value is not
// usable; build one with [NewMetrics].
type Metrics struct {
	// Latency, in seconds.
	SynthesisDuration   metric.Float64Histogram // attr status
	StreamOpenDuration  metric.Float64Histogram
	CallDuration        metric.Float64Histogram
	HTTPRequestDuration metric.Float64Histogram // attrs method, path

	CallsStarted   metric.Int64Counter
	ActiveCalls    metric.Int64UpDownCounter
	StreamsOpened  metric.Int64Counter // attr status
	Utterances     metric.Int64Counter // attr edge: final, fulfillment
	DroppedAudio   metric.Int64Counter
	Commands       metric.Int64Counter // attrs command, status
	ProviderErrors metric.Int64Counter // attrs provider, kind
	CallErrors     metric.Int64Counter // attr kind: setup, stream
}

var (
	// Backend round trips: recognizer stream setup, synthesis.
	backendBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	// Whole calls, from a few seconds up to an hour.
	callBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600}
)

// instruments creates instruments on one meter and keeps every error.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (in *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := in.meter.Float64Histogram(name, opts...)
	in.errs = append(in.errs, err)
	return h
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return g
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		SynthesisDuration:   in.seconds("callbridge.synthesis.duration", "Latency of text-to-speech synthesis.", backendBuckets),
		StreamOpenDuration:  in.seconds("callbridge.stream.open.duration", "Latency of opening a recognition stream.", backendBuckets),
		CallDuration:        in.seconds("callbridge.call.duration", "Lifetime of calls from setup to close.", callBuckets),
		HTTPRequestDuration: in.seconds("callbridge.http.request.duration", "HTTP request latency by method and path.", nil),

		CallsStarted:   in.counter("callbridge.calls.started", "Total accepted call setups."),
		ActiveCalls:    in.gauge("callbridge.active_calls", "Number of registered calls."),
		StreamsOpened:  in.counter("callbridge.streams.opened", "Total recognition streams by status."),
		Utterances:     in.counter("callbridge.utterances", "Total recognition edges by kind."),
		DroppedAudio:   in.counter("callbridge.audio.dropped", "Audio frames dropped because no stream was live."),
		Commands:       in.counter("callbridge.commands", "Total command bus requests by command and status."),
		ProviderErrors: in.counter("callbridge.provider.errors", "Total provider errors by provider and kind."),
		CallErrors:     in.counter("callbridge.call.errors", "Calls ended by setup or stream errors."),
	}
	if err := errors.Join(in.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global meter provider, created on
// first use. Call it after [InitProvider] so they reach the exporter.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func attrs(kv ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(kv...)
}

// CallStarted counts an accepted setup and adds it to the active calls.
func (m *Metrics) CallStarted(ctx context.Context) {
	m.CallsStarted.Add(ctx, 1)
	m.ActiveCalls.Add(ctx, 1)
}

// CallEnded removes a call from the active calls and records its lifetime.
// It records even when ctx is already cancelled.
func (m *Metrics) CallEnded(ctx context.Context, lifetime time.Duration) {
	ctx = context.WithoutCancel(ctx)
	m.ActiveCalls.Add(ctx, -1)
	m.CallDuration.Record(ctx, lifetime.Seconds())
}

// RecordSynthesis records one synthesis round trip with its outcome.
func (m *Metrics) RecordSynthesis(ctx context.Context, took time.Duration, status string) {
	m.SynthesisDuration.Record(ctx, took.Seconds(), attrs(attribute.String("status", status)))
}

// RecordStreamOpened records a stream open attempt with its status.
func (m *Metrics) RecordStreamOpened(ctx context.Context, status string) {
	m.StreamsOpened.Add(ctx, 1, attrs(attribute.String("status", status)))
}

// RecordUtterance records a recognition edge ("final" or "fulfillment").
func (m *Metrics) RecordUtterance(ctx context.Context, edge string) {
	m.Utterances.Add(ctx, 1, attrs(attribute.String("edge", edge)))
}

// RecordCommand records a command bus request.
func (m *Metrics) RecordCommand(ctx context.Context, command, status string) {
	m.Commands.Add(ctx, 1, attrs(attribute.String("command", command), attribute.String("status", status)))
}

// RecordCallError records a call torn down by an error of kind.
func (m *Metrics) RecordCallError(ctx context.Context, kind string) {
	m.CallErrors.Add(ctx, 1, attrs(attribute.String("kind", kind)))
}

// RecordProviderError records a failed backend call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, attrs(attribute.String("provider", provider), attribute.String("kind", kind)))
}
