package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/callbridge/pkg/provider/llm"
	"github.com/MrWong99/callbridge/pkg/provider/stt"
	"github.com/MrWong99/callbridge/pkg/provider/tts"
)

// The cascade recognizer runs two backends per utterance. STTFallback and
// LLMFallback give each stage its own failover chain, configured through
// providers.stt_fallbacks and providers.llm_fallbacks. TTSFallback backs the
// synthesis invoker through providers.tts_fallbacks.

var (
	// ErrEmptyCompletion is recorded against an LLM backend that answered
	// with no text. The caller would otherwise hear silence, so the next
	// backend is asked instead.
	ErrEmptyCompletion = errors.New("llm returned an empty completion")

	// ErrEmptyAudio is the TTS counterpart of ErrEmptyCompletion.
	ErrEmptyAudio = errors.New("tts returned no audio")
)

// STTFallback implements [stt.Provider] with failover on session setup only.
// Once a transcription session is running, a failure ends that utterance and
// the cascade reopens on the next one, at which point a tripped breaker routes
// it to the next backend.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another STT backend.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a transcription session on the first healthy backend.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// Check reports an error while every STT backend's circuit is open.
func (f *STTFallback) Check(ctx context.Context) error { return f.group.Check(ctx) }

// LLMFallback implements [llm.Provider] with failover per completion.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another LLM backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete asks the first healthy backend. A blank reply counts as a failure
// of that backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp == nil || strings.TrimSpace(resp.Content) == "" {
			return nil, ErrEmptyCompletion
		}
		return resp, nil
	})
}

// Check reports an error while every LLM backend's circuit is open.
func (f *LLMFallback) Check(ctx context.Context) error { return f.group.Check(ctx) }

// TTSFallback implements [tts.Provider] with failover per utterance.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another TTS backend.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize returns the audio of the first healthy backend that produced any.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]byte, error) {
		audio, err := p.Synthesize(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(audio) == 0 {
			return nil, ErrEmptyAudio
		}
		return audio, nil
	})
}

// Check reports an error while every TTS backend's circuit is open.
func (f *TTSFallback) Check(ctx context.Context) error { return f.group.Check(ctx) }
