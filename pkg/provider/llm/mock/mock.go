// Package mock provides a scripted llm.Provider for cascade and fallback tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock llm.Provider.
//
// Replies are handed out one per call, in order. Once they run out, Complete
// falls back to CompleteResponse, and a nil CompleteResponse yields an empty
// reply. CompleteErr, when set, wins over both.
type Provider struct {
	mu sync.Mutex

	Replies          []string
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// CompleteCalls records every call to Complete. The request's message
	// slice is copied, so later mutations by the caller are not observed.
	CompleteCalls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns the next scripted reply.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req.Messages = append([]llm.Message(nil), req.Messages...)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if len(p.Replies) > 0 {
		text := p.Replies[0]
		p.Replies = p.Replies[1:]
		return &llm.CompletionResponse{Content: text}, nil
	}
	if p.CompleteResponse == nil {
		return &llm.CompletionResponse{}, nil
	}
	resp := *p.CompleteResponse
	return &resp, nil
}

// Calls returns a copy of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.CompleteCalls...)
}

// LastUserMessage returns the content of the final user turn of the most
// recent call, or "" when nothing was asked yet.
func (p *Provider) LastUserMessage() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.CompleteCalls) == 0 {
		return ""
	}
	msgs := p.CompleteCalls[len(p.CompleteCalls)-1].Req.Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
