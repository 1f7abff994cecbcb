package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/callbridge/internal/app"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/pkg/provider/gcpauth"
	"github.com/MrWong99/callbridge/pkg/provider/llm"
	"github.com/MrWong99/callbridge/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/callbridge/pkg/provider/llm/openai"
	"github.com/MrWong99/callbridge/pkg/provider/recognizer"
	"github.com/MrWong99/callbridge/pkg/provider/recognizer/cascade"
	"github.com/MrWong99/callbridge/pkg/provider/recognizer/dialogflow"
	"github.com/MrWong99/callbridge/pkg/provider/stt"
	"github.com/MrWong99/callbridge/pkg/provider/stt/deepgram"
	"github.com/MrWong99/callbridge/pkg/provider/tts"
	"github.com/MrWong99/callbridge/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/callbridge/pkg/provider/tts/google"
)

// builder registers the built-in factories and collects the clients they
// open so that shutdown can release them.
type builder struct {
	ctx     context.Context
	cfg     *config.Config
	reg     *config.Registry
	metrics *observe.Metrics
	closers []io.Closer
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func (b *builder) registerBuiltinProviders() error {
	gc := b.cfg.Google
	clientOpts, err := gcpauth.Credentials{
		ProjectID:   gc.ProjectID,
		ClientEmail: gc.ClientEmail,
		PrivateKey:  gc.PrivateKey.Reveal(),
	}.ClientOptions()
	if err != nil {
		return err
	}
	lang := b.cfg.Session.Language

	// ── Recognizers ───────────────────────────────────────────────────────────

	b.reg.RegisterRecognizer("dialogflow", func(entry config.ProviderEntry) (recognizer.Provider, error) {
		project := entry.StringOption("project_id", gc.ProjectID)
		p, err := dialogflow.New(b.ctx, project,
			dialogflow.WithLanguage(lang),
			dialogflow.WithClientOptions(clientOpts...),
		)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, p)
		return p, nil
	})

	b.reg.RegisterRecognizer("cascade", func(entry config.ProviderEntry) (recognizer.Provider, error) {
		sttP, err := b.cascadeSTT()
		if err != nil {
			return nil, fmt.Errorf("cascade stt: %w", err)
		}
		llmP, err := b.cascadeLLM()
		if err != nil {
			return nil, fmt.Errorf("cascade llm: %w", err)
		}
		var opts []cascade.Option
		if prompt := entry.StringOption("system_prompt", ""); prompt != "" {
			opts = append(opts, cascade.WithSystemPrompt(prompt))
		}
		if n := entry.IntOption("max_history", 0); n > 0 {
			opts = append(opts, cascade.WithMaxHistory(n))
		}
		if n := entry.IntOption("max_tokens", 0); n > 0 {
			opts = append(opts, cascade.WithMaxTokens(n))
		}
		return cascade.New(sttP, llmP, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	b.reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{deepgram.WithLanguage(entry.StringOption("language", lang))}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if ms := entry.IntOption("endpointing_ms", 0); ms > 0 {
			opts = append(opts, deepgram.WithEndpointing(ms))
		}
		if ms := entry.IntOption("utterance_end_ms", 0); ms > 0 {
			opts = append(opts, deepgram.WithUtteranceEnd(ms))
		}
		if s := entry.IntOption("keepalive_seconds", -1); s >= 0 {
			opts = append(opts, deepgram.WithKeepAlive(time.Duration(s)*time.Second))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey.Reveal(), opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	b.reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.StringOption("organization", ""); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(entry.APIKey.Reveal(), entry.Model, opts...)
	})

	// The remaining vendors go through any-llm-go: optional APIKey + BaseURL.
	for _, name := range config.ValidProviderNames["llm"] {
		if name == "openai" {
			continue
		}
		b.reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey.Reveal()))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── TTS ───────────────────────────────────────────────────────────────────

	b.reg.RegisterTTS("google", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []google.Option{
			google.WithLanguage(lang),
			google.WithClientOptions(clientOpts...),
		}
		if entry.Voice != "" {
			opts = append(opts, google.WithVoice(entry.Voice))
		}
		if g, ok := voiceGender(entry.StringOption("gender", "")); ok {
			opts = append(opts, google.WithGender(g))
		}
		p, err := google.New(b.ctx, opts...)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, p)
		return p, nil
	})

	b.reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.Voice != "" {
			opts = append(opts, elevenlabs.WithVoice(entry.Voice))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey.Reveal(), opts...)
	})

	return nil
}

// cascadeSTT creates the cascade's speech-to-text stage, wrapped in an
// [resilience.STTFallback] when stt_fallbacks are configured.
func (b *builder) cascadeSTT() (stt.Provider, error) {
	pc := b.cfg.Providers
	p, err := b.reg.CreateSTT(pc.STT)
	if err != nil || len(pc.STTFallbacks) == 0 {
		return p, err
	}
	fb := resilience.NewSTTFallback(p, pc.STT.Name, b.fallbackConfig())
	for _, e := range pc.STTFallbacks {
		alt, err := b.reg.CreateSTT(e)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", e.Name, err)
		}
		fb.AddFallback(e.Name, alt)
		slog.Info("provider created", "kind", "stt_fallback", "entry", e)
	}
	return fb, nil
}

// cascadeLLM creates the cascade's language model stage, wrapped in an
// [resilience.LLMFallback] when llm_fallbacks are configured.
func (b *builder) cascadeLLM() (llm.Provider, error) {
	pc := b.cfg.Providers
	p, err := b.reg.CreateLLM(pc.LLM)
	if err != nil || len(pc.LLMFallbacks) == 0 {
		return p, err
	}
	fb := resilience.NewLLMFallback(p, pc.LLM.Name, b.fallbackConfig())
	for _, e := range pc.LLMFallbacks {
		alt, err := b.reg.CreateLLM(e)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", e.Name, err)
		}
		fb.AddFallback(e.Name, alt)
		slog.Info("provider created", "kind", "llm_fallback", "entry", e)
	}
	return fb, nil
}

func (b *builder) fallbackConfig() resilience.FallbackConfig {
	record := func(provider, kind string) {
		if b.metrics != nil {
			b.metrics.RecordProviderError(context.Background(), provider, kind)
		}
	}
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(provider string, _, to resilience.State) {
				if to == resilience.StateOpen {
					record(provider, "circuit_open")
				}
			},
		},
		OnFailure: func(provider string, _ error) { record(provider, "failover") },
	}
}

func voiceGender(s string) (texttospeechpb.SsmlVoiceGender, bool) {
	switch strings.ToLower(s) {
	case "male":
		return texttospeechpb.SsmlVoiceGender_MALE, true
	case "female":
		return texttospeechpb.SsmlVoiceGender_FEMALE, true
	case "neutral":
		return texttospeechpb.SsmlVoiceGender_NEUTRAL, true
	default:
		return 0, false
	}
}

// buildProviders instantiates the recognizer and synthesizer named in cfg,
// wrapping them in fallback groups when fallbacks are configured.
func (b *builder) buildProviders(m *observe.Metrics) (*app.Providers, error) {
	b.metrics = m
	fbCfg := b.fallbackConfig()
	pc := b.cfg.Providers

	rec, err := b.reg.CreateRecognizer(pc.Recognizer)
	if err != nil {
		return nil, fmt.Errorf("create recognizer %q: %w", pc.Recognizer.Name, err)
	}
	slog.Info("provider created", "kind", "recognizer", "entry", pc.Recognizer)
	if len(pc.RecognizerFallbacks) > 0 {
		fb := resilience.NewRecognizerFallback(rec, pc.Recognizer.Name, fbCfg)
		for _, e := range pc.RecognizerFallbacks {
			p, err := b.reg.CreateRecognizer(e)
			if err != nil {
				return nil, fmt.Errorf("create recognizer fallback %q: %w", e.Name, err)
			}
			fb.AddFallback(e.Name, p)
			slog.Info("provider created", "kind", "recognizer_fallback", "entry", e)
		}
		rec = fb
	}

	synth, err := b.reg.CreateTTS(pc.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts %q: %w", pc.TTS.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "entry", pc.TTS)
	if len(pc.TTSFallbacks) > 0 {
		fb := resilience.NewTTSFallback(synth, pc.TTS.Name, fbCfg)
		for _, e := range pc.TTSFallbacks {
			p, err := b.reg.CreateTTS(e)
			if err != nil {
				return nil, fmt.Errorf("create tts fallback %q: %w", e.Name, err)
			}
			fb.AddFallback(e.Name, p)
			slog.Info("provider created", "kind", "tts_fallback", "entry", e)
		}
		synth = fb
	}

	return &app.Providers{Recognizer: rec, TTS: synth, Closers: b.closers}, nil
}

// closeAll releases clients opened before a later step failed.
func (b *builder) closeAll() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
