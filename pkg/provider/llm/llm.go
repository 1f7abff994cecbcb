// Package llm is the fulfillment stage of the cascade recognizer. Once the
// caller's utterance is committed, the conversation so far goes to a chat
// model and its reply becomes the text spoken back on the call.
package llm

import "context"

// Roles of a chat message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation.
type Message struct {
	Role    string
	Content string
}

// CompletionRequest is one question to the model. Messages must not be empty.
type CompletionRequest struct {
	SystemPrompt string
	Messages     []Message

	// Zero values leave the choice to the backend.
	Temperature float64
	MaxTokens   int
}

// Usage is the token accounting of one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the model's whole reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is a chat model. Implementations must be safe for concurrent use
// by every live call.
type Provider interface {
	// Complete blocks until the full reply arrives or ctx ends.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
