// Package llm is the language-model provider boundary used for clarification,
// planning and direct agent execution.
package llm

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMissingCredentials is returned before any network call when the
	// provider has no API key or endpoint.
	ErrMissingCredentials = errors.New("llm credentials not configured")
	// ErrEmptyContent is returned when the provider answered without content.
	ErrEmptyContent = errors.New("llm returned empty content")
)

// TransportError wraps failures talking to the provider: network errors,
// non-2xx statuses and undecodable bodies.
type TransportError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm transport error: %s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("llm transport error: %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	History      []Message
	Temperature  float64
	MaxTokens    int
	// JSONMode asks the provider to answer with a single JSON object.
	JSONMode bool
}

// Usage reports token accounting when the provider supplies it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the provider's answer.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Provider produces completions.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (*Response, error)

func (f ProviderFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Configurable is implemented by providers that can report whether they have
// what they need to make a call.
type Configurable interface {
	Configured() bool
}

// IsConfigured reports whether p can be called. Providers that do not
// implement Configurable are assumed ready.
func IsConfigured(p Provider) bool {
	if p == nil {
		return false
	}
	if c, ok := p.(Configurable); ok {
		return c.Configured()
	}
	return true
}

// Messages flattens a request into chat messages: system prompt, history,
// then the user prompt.
func (r Request) Messages() []Message {
	msgs := make([]Message, 0, len(r.History)+2)
	if r.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: r.SystemPrompt})
	}
	msgs = append(msgs, r.History...)
	if r.UserPrompt != "" {
		msgs = append(msgs, Message{Role: "user", Content: r.UserPrompt})
	}
	return msgs
}
