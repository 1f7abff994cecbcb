// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled audio and to verify which requests reached
// the TTS backend.
//
// Example:
//
//	p := &mock.Provider{Audio: []byte{0x01, 0x02}}
//	audio, _ := p.Synthesize(ctx, tts.Request{Text: "Hello", SampleRate: 8000})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned by every successful Synthesize call.
	Audio []byte

	// Err, if non-nil, is returned by Synthesize instead of Audio.
	Err error

	// Block, if non-nil, makes Synthesize wait until Block is closed or ctx is
	// cancelled before answering.
	Block chan struct{}

	// Calls records every request in order.
	Calls []tts.Request

	done chan tts.Request
}

// NewProvider returns a Provider that also reports finished calls on Done.
func NewProvider(audio []byte) *Provider {
	return &Provider{Audio: audio, done: make(chan tts.Request, 64)}
}

// Synthesize records the request and returns Audio or Err.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	block, audio, err, done := p.Block, p.Audio, p.Err, p.done
	p.mu.Unlock()

	if done != nil {
		defer func() {
			select {
			case done <- req:
			default:
			}
		}()
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), audio...), nil
}

// Done returns a channel receiving every request once Synthesize has
// returned. Only available on providers built with NewProvider.
func (p *Provider) Done() <-chan tts.Request { return p.done }

// CallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Requests returns a copy of the recorded requests. Thread-safe.
func (p *Provider) Requests() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tts.Request(nil), p.Calls...)
}

var _ tts.Provider = (*Provider)(nil)
