package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported individually; everything else only sets
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when the language or greeting event changed.
	SessionChanged bool
	NewSession     SessionConfig

	// RestartRequired lists the top-level sections that changed in a way that
	// only takes effect after a restart (e.g. "providers", "server.listen_addr").
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session != new.Session {
		d.SessionChanged = true
		d.NewSession = new.Session
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.Room != new.Server.Room {
		d.RestartRequired = append(d.RestartRequired, "server.room")
	}
	if !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Google != new.Google {
		d.RestartRequired = append(d.RestartRequired, "google")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.Recognizer, b.Recognizer) &&
		entryEqual(a.STT, b.STT) &&
		entryEqual(a.LLM, b.LLM) &&
		entryEqual(a.TTS, b.TTS) &&
		slices.EqualFunc(a.RecognizerFallbacks, b.RecognizerFallbacks, entryEqual) &&
		slices.EqualFunc(a.STTFallbacks, b.STTFallbacks, entryEqual) &&
		slices.EqualFunc(a.LLMFallbacks, b.LLMFallbacks, entryEqual) &&
		slices.EqualFunc(a.TTSFallbacks, b.TTSFallbacks, entryEqual)
}

// entryEqual compares two entries. Options are compared by their key set and
// scalar values, which covers everything YAML produces for flat option maps.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL ||
		a.Model != b.Model || a.Voice != b.Voice || len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || !scalarEqual(av, bv) {
			return false
		}
	}
	return true
}

func scalarEqual(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
		// Nested values are treated as changed.
		return false
	}
	return a == b
}
