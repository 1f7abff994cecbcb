package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/callbridge/pkg/provider/recognizer"
)

// RecognizerFallback implements [recognizer.Provider] with failover on stream
// open. Session paths always come from the primary so that a call keeps one
// session handle for its lifetime; backends must accept the primary's format.
type RecognizerFallback struct {
	group *FallbackGroup[recognizer.Provider]
}

// Compile-time interface assertions.
var (
	_ recognizer.Provider      = (*RecognizerFallback)(nil)
	_ recognizer.Greeter       = (*RecognizerFallback)(nil)
	_ recognizer.SessionCloser = (*RecognizerFallback)(nil)
)

// NewRecognizerFallback creates a [RecognizerFallback] with primary as the
// preferred backend.
func NewRecognizerFallback(primary recognizer.Provider, primaryName string, cfg FallbackConfig) *RecognizerFallback {
	return &RecognizerFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional recognizer as a fallback.
func (f *RecognizerFallback) AddFallback(name string, provider recognizer.Provider) {
	f.group.AddFallback(name, provider)
}

// SessionPath delegates to the primary.
func (f *RecognizerFallback) SessionPath(callID string) string {
	return f.group.Primary().SessionPath(callID)
}

// Open starts a stream on the first healthy recognizer.
func (f *RecognizerFallback) Open(ctx context.Context, cfg recognizer.StreamConfig) (recognizer.Stream, error) {
	return ExecuteWithResult(ctx, f.group, func(p recognizer.Provider) (recognizer.Stream, error) {
		return p.Open(ctx, cfg)
	})
}

var errNoGreeter = errors.New("recognizer does not support greetings")

// Greet asks the first healthy recognizer that implements [recognizer.Greeter].
func (f *RecognizerFallback) Greet(ctx context.Context, req recognizer.GreetingRequest) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(p recognizer.Provider) (string, error) {
		g, ok := p.(recognizer.Greeter)
		if !ok {
			return "", errNoGreeter
		}
		return g.Greet(ctx, req)
	})
}

// CloseSession forwards to every recognizer holding per-session state, since
// any of them may have served the call.
func (f *RecognizerFallback) CloseSession(session string) {
	f.group.Each(func(_ string, p recognizer.Provider) {
		if c, ok := p.(recognizer.SessionCloser); ok {
			c.CloseSession(session)
		}
	})
}

// Check reports an error while every backend's circuit is open.
func (f *RecognizerFallback) Check(ctx context.Context) error {
	return f.group.Check(ctx)
}
