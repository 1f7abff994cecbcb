// Package config provides the configuration schema, loader, and provider registry
// for the callbridge server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the callbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown and empty levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Secret is a credential read from the config file. It prints as a mask in
// logs and with the fmt verbs so that it never leaks by accident; use
// [Secret.Reveal] to obtain the value.
type Secret string

const secretMask = "********"

// Reveal returns the plain value.
func (s Secret) Reveal() string { return string(s) }

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secretMask
}

// GoString implements fmt.GoStringer so %#v is masked as well.
func (s Secret) GoString() string { return `config.Secret("` + s.String() + `")` }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8087"
	DefaultRoom            = "calls"
	DefaultLanguage        = "bg-BG"
	DefaultShutdownTimeout = 10 * time.Second
)

// Config is the root configuration structure for callbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Google    GoogleConfig    `yaml:"google"`
	Session   SessionConfig   `yaml:"session"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings for the callbridge server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on. Default: ":8087".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// Room is the path segment of the call socket endpoint. Default: "calls",
	// which serves sockets at /calls.
	Room string `yaml:"room"`

	// AllowedOrigins lists host patterns accepted in the Origin header of
	// socket handshakes. Empty accepts same-origin requests only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// GoogleConfig holds the Google Cloud project and service-account credentials
// shared by the dialogflow recognizer and the google synthesizer. When
// ClientEmail and PrivateKey are both empty, Application Default Credentials
// are used.
type GoogleConfig struct {
	ProjectID   string `yaml:"project_id"`
	ClientEmail string `yaml:"client_email"`
	PrivateKey  Secret `yaml:"private_key"`
}

// LogValue implements slog.LogValuer.
func (g GoogleConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("project_id", g.ProjectID),
		slog.String("client_email", g.ClientEmail),
		slog.Any("private_key", g.PrivateKey),
	)
}

// SessionConfig holds per-call behaviour. Every field is hot-reloadable and
// applies to calls that start after the reload.
type SessionConfig struct {
	// Language is the BCP-47 tag used for recognition and synthesis.
	// Default: "bg-BG".
	Language string `yaml:"language"`

	// GreetingEvent is the conversational event triggered once at call start
	// to produce a welcome reply. Empty disables the greeting.
	GreetingEvent string `yaml:"greeting_event"`

	// SetupTimeout bounds the wait for the setup message on a new call
	// socket. Zero uses the session default of 10s.
	SetupTimeout time.Duration `yaml:"setup_timeout"`
}

// ProvidersConfig declares which provider implementation to use for each
// stage. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// Recognizer turns caller audio into fulfillment replies.
	Recognizer ProviderEntry `yaml:"recognizer"`

	// RecognizerFallbacks are tried in order when the recognizer fails to
	// open a stream.
	RecognizerFallbacks []ProviderEntry `yaml:"recognizer_fallbacks"`

	// STT and LLM back the cascade recognizer. Unused otherwise.
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`

	// STTFallbacks and LLMFallbacks back up the cascade stages.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// TTS synthesizes replies.
	TTS ProviderEntry `yaml:"tts"`

	// TTSFallbacks are tried in order when TTS fails.
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "dialogflow", "google").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey Secret `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-2-phonecall").
	Model string `yaml:"model"`

	// Voice selects a provider-specific voice.
	Voice string `yaml:"voice"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// LogValue implements slog.LogValuer. Options are omitted because they may
// carry credentials of third-party providers.
func (e ProviderEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", e.Name),
		slog.String("model", e.Model),
		slog.String("voice", e.Voice),
		slog.String("base_url", e.BaseURL),
		slog.Any("api_key", e.APIKey),
	)
}

// StringOption returns Options[key] as a string, or def when absent or not a
// string.
func (e ProviderEntry) StringOption(key, def string) string {
	if v, ok := e.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// IntOption returns Options[key] as an int, or def when absent or not a
// number. YAML integers decode as int.
func (e ProviderEntry) IntOption(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// ApplyDefaults fills in unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.Room == "" {
		cfg.Server.Room = DefaultRoom
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Session.Language == "" {
		cfg.Session.Language = DefaultLanguage
	}
}
