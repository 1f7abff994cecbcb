package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"recognizer": {"dialogflow", "cascade"},
	"stt":        {"deepgram"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":        {"google", "elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if strings.Contains(cfg.Server.Room, "/") || strings.ContainsAny(cfg.Server.Room, "{} ") {
		errs = append(errs, fmt.Errorf("server.room %q must be a single path segment", cfg.Server.Room))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	p := cfg.Providers
	for _, sl := range p.slots() {
		if sl.required && sl.primary.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", sl.kind))
		}
		validateProviderName(sl.kind, sl.primary.Name)
		for i, fb := range sl.fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", sl.kind, i))
			}
			validateProviderName(sl.kind, fb.Name)
		}
	}

	// The cascade recognizer needs both of its stages.
	if usesProvider(cfg, "recognizer", "cascade") {
		if p.STT.Name == "" {
			errs = append(errs, errors.New(`recognizer "cascade" requires providers.stt`))
		}
		if p.LLM.Name == "" {
			errs = append(errs, errors.New(`recognizer "cascade" requires providers.llm`))
		}
	}

	// Google credentials
	if usesProvider(cfg, "recognizer", "dialogflow") && cfg.Google.ProjectID == "" {
		errs = append(errs, errors.New(`recognizer "dialogflow" requires google.project_id`))
	}
	g := cfg.Google
	if (g.ClientEmail == "") != (g.PrivateKey == "") {
		errs = append(errs, errors.New("google.client_email and google.private_key must be set together"))
	}

	return errors.Join(errs...)
}

// slot is one provider kind with its primary and failover chain.
type slot struct {
	kind      string
	required  bool
	primary   ProviderEntry
	fallbacks []ProviderEntry
}

func (p ProvidersConfig) slots() []slot {
	return []slot{
		{kind: "recognizer", required: true, primary: p.Recognizer, fallbacks: p.RecognizerFallbacks},
		{kind: "stt", primary: p.STT, fallbacks: p.STTFallbacks},
		{kind: "llm", primary: p.LLM, fallbacks: p.LLMFallbacks},
		{kind: "tts", required: true, primary: p.TTS, fallbacks: p.TTSFallbacks},
	}
}

// usesProvider reports whether name serves kind, as primary or fallback.
func usesProvider(cfg *Config, kind, name string) bool {
	for _, sl := range cfg.Providers.slots() {
		if sl.kind != kind {
			continue
		}
		if sl.primary.Name == name || slices.ContainsFunc(sl.fallbacks, func(e ProviderEntry) bool { return e.Name == name }) {
			return true
		}
	}
	return false
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
