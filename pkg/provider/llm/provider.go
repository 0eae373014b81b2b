// Package llm defines the Provider interface for the language-model backends
// that generate live call assistance.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, Gemini, a
// local Ollama instance) behind one blocking completion call plus a token
// estimator used to keep the rolling call history inside the model budget.
//
// Implementations must be safe for concurrent use and must return promptly
// when the supplied context is cancelled.
package llm

import (
	"context"
	"errors"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Errors shared by providers. Backend errors are wrapped so callers can
// match them with errors.Is.
var (
	// ErrNoMessages rejects a request without messages.
	ErrNoMessages = errors.New("llm: request has no messages")

	// ErrEmptyResponse means the backend answered without a choice.
	ErrEmptyResponse = errors.New("llm: empty response")

	// ErrRateLimited marks an HTTP 429 or a vendor quota error. The
	// request may succeed later or on another backend.
	ErrRateLimited = errors.New("llm: rate limited")

	// ErrUnauthorized marks rejected credentials. Retrying will not help.
	ErrUnauthorized = errors.New("llm: unauthorized")
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	// Role is RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string

	// Name optionally identifies the speaker, e.g. "counterparty".
	Name string
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history; the last message drives
	// the response.
	Messages []Message

	// SystemPrompt is injected before Messages as a system instruction.
	SystemPrompt string

	// Temperature controls randomness in [0.0, 2.0]. Zero uses the provider
	// default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// Validate reports whether r can be sent to a backend.
func (r CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}
	return nil
}

// CompletionResponse is the full reply to a CompletionRequest.
type CompletionResponse struct {
	Content string
	Usage   Usage

	// Truncated is set when the backend stopped at MaxTokens.
	Truncated bool
}

// Provider is the abstraction over any language-model backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens messages would consume in the
	// model's context window. It may approximate but should not undercount.
	CountTokens(messages []Message) (int, error)
}

// EstimateTokens is a provider-independent approximation of roughly four
// characters per token plus per-message framing overhead.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total
}
