// Package synth turns fulfillment text into playAudio messages for a call.
//
// The [Invoker] performs exactly one synthesis per request. It does not retry;
// failover across backends is the job of the provider it wraps (see
// resilience.TTSFallback). Failures come back as [*SynthesisError] so that the
// session controller can log them and keep the call running.
package synth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/protocol"
	"github.com/MrWong99/callbridge/pkg/provider/tts"
)

// ErrEmptyText is wrapped by the [*SynthesisError] returned for blank input.
var ErrEmptyText = errors.New("synth: text is empty")

// SynthesisError reports a failed synthesis. It never causes a disconnect.
type SynthesisError struct {
	Text       string
	SampleRate int
	Err        error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synth: synthesize %d chars at %d Hz: %v", len([]rune(e.Text)), e.SampleRate, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Option configures an [Invoker].
type Option func(*Invoker)

// WithLanguage sets the language tag passed to the backend.
func WithLanguage(lang string) Option {
	return func(inv *Invoker) { inv.SetLanguage(lang) }
}

// WithVoice sets the backend voice passed with every request.
func WithVoice(voice string) Option {
	return func(inv *Invoker) { inv.voice = voice }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(inv *Invoker) { inv.metrics = m }
}

// WithProviderName sets the provider label used on error metrics.
func WithProviderName(name string) Option {
	return func(inv *Invoker) { inv.name = name }
}

// Invoker calls a TTS provider and formats its output for the call socket.
// It is safe for concurrent use.
type Invoker struct {
	tts      tts.Provider
	name     string
	language atomic.Pointer[string]
	voice    string
	metrics  *observe.Metrics
}

// New returns an Invoker backed by p.
func New(p tts.Provider, opts ...Option) *Invoker {
	inv := &Invoker{tts: p, name: "tts"}
	for _, o := range opts {
		o(inv)
	}
	if inv.metrics == nil {
		inv.metrics = observe.DefaultMetrics()
	}
	return inv
}

// SetLanguage changes the language of subsequent requests.
func (inv *Invoker) SetLanguage(lang string) { inv.language.Store(&lang) }

// Language returns the language tag sent with requests, or "" for the
// backend default.
func (inv *Invoker) Language() string {
	if l := inv.language.Load(); l != nil {
		return *l
	}
	return ""
}

// Synthesize returns the backend's raw audio for text at sampleRate.
func (inv *Invoker) Synthesize(ctx context.Context, text string, sampleRate int) ([]byte, error) {
	if text == "" {
		return nil, &SynthesisError{Text: text, SampleRate: sampleRate, Err: ErrEmptyText}
	}

	ctx, span := observe.StartSpan(ctx, "synth.Synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.Int("synth.sample_rate", sampleRate),
		attribute.Int("synth.text_length", len(text)),
	)

	start := time.Now()
	audio, err := inv.tts.Synthesize(ctx, tts.Request{
		Text:       text,
		SampleRate: sampleRate,
		Language:   inv.Language(),
		Voice:      inv.voice,
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	inv.metrics.RecordSynthesis(ctx, time.Since(start), status)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() == nil {
			inv.metrics.RecordProviderError(ctx, inv.name, "synthesize")
		}
		return nil, &SynthesisError{Text: text, SampleRate: sampleRate, Err: err}
	}
	span.SetAttributes(attribute.Int("synth.audio_bytes", len(audio)))
	return audio, nil
}

// PlayAudio synthesizes text and wraps the result in a playAudio message with
// base64 content.
func (inv *Invoker) PlayAudio(ctx context.Context, text string, sampleRate int) (protocol.Outbound, error) {
	audio, err := inv.Synthesize(ctx, text, sampleRate)
	if err != nil {
		return protocol.Outbound{}, err
	}
	return protocol.PlayAudio(audio, protocol.AudioContentTypeRaw, sampleRate), nil
}
