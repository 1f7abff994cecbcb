package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/llm"
	"github.com/MrWong99/callbridge/pkg/provider/recognizer"
	"github.com/MrWong99/callbridge/pkg/provider/stt"
	"github.com/MrWong99/callbridge/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// is known under the entry's name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories holds the named factories of one provider kind.
type factories[T any] struct {
	kind string
	mu   sync.RWMutex
	byID map[string]Factory[T]
}

func (f *factories[T]) register(name string, fn Factory[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byID == nil {
		f.byID = make(map[string]Factory[T])
	}
	f.byID[name] = fn
}

// create calls the factory outside the lock, so a factory may create the
// providers it composes (the cascade builds its stt and llm stages).
func (f *factories[T]) create(entry ProviderEntry) (T, error) {
	f.mu.RLock()
	fn, ok := f.byID[entry.Name]
	f.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return fn(entry)
}

// Registry resolves the provider names used in the config to constructors.
// Registering a name twice replaces the earlier factory. It is safe for
// concurrent use.
type Registry struct {
	recognizer factories[recognizer.Provider]
	stt        factories[stt.Provider]
	llm        factories[llm.Provider]
	tts        factories[tts.Provider]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.recognizer.kind = "recognizer"
	r.stt.kind = "stt"
	r.llm.kind = "llm"
	r.tts.kind = "tts"
	return r
}

func (r *Registry) RegisterRecognizer(name string, fn Factory[recognizer.Provider]) {
	r.recognizer.register(name, fn)
}

func (r *Registry) RegisterSTT(name string, fn Factory[stt.Provider]) { r.stt.register(name, fn) }
func (r *Registry) RegisterLLM(name string, fn Factory[llm.Provider]) { r.llm.register(name, fn) }
func (r *Registry) RegisterTTS(name string, fn Factory[tts.Provider]) { r.tts.register(name, fn) }

func (r *Registry) CreateRecognizer(entry ProviderEntry) (recognizer.Provider, error) {
	return r.recognizer.create(entry)
}

func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) { return r.stt.create(entry) }
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) { return r.llm.create(entry) }
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) { return r.tts.create(entry) }
