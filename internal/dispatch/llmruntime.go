package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/machPoint/pm-net/internal/llm"
)

const agentSystemPrompt = `You are an autonomous agent executing one step of an approved plan.
Carry out the step described by the user and reply with a concise report of what you did
and the resulting artifact or answer. If the step cannot be completed, say why.`

// LLMRuntime answers requests with a direct language-model call.
type LLMRuntime struct {
	name     string
	provider llm.Provider
	logger   *slog.Logger
}

// NewLLMRuntime wraps provider as a runtime named "llm".
func NewLLMRuntime(provider llm.Provider, logger *slog.Logger) *LLMRuntime {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LLMRuntime{name: "llm", provider: provider, logger: logger}
}

func (l *LLMRuntime) Name() string { return l.name }

// Available reports whether a provider is configured.
func (l *LLMRuntime) Available(context.Context) bool {
	return llm.IsConfigured(l.provider)
}

func (l *LLMRuntime) Execute(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	resp, err := l.provider.Complete(ctx, llm.Request{
		SystemPrompt: agentSystemPrompt,
		UserPrompt:   req.Prompt,
		Temperature:  0.2,
		MaxTokens:    2048,
	})
	if err != nil {
		return Result{}, fmt.Errorf("llm runtime: %w", err)
	}

	return Result{
		Output:     resp.Content,
		Success:    true,
		DurationMs: time.Since(start).Milliseconds(),
		Runtime:    l.name,
		Model:      resp.Model,
	}, nil
}

// MockRuntime completes every request instantly with a canned report. It is
// registered last for local demos so a fresh install can run end to end.
type MockRuntime struct{}

func (MockRuntime) Name() string                   { return "mock" }
func (MockRuntime) Available(context.Context) bool { return true }

func (MockRuntime) Execute(_ context.Context, req Request) (Result, error) {
	return Result{
		Output:  fmt.Sprintf("Completed: %s", displayTitle(req)),
		Success: true,
		Runtime: "mock",
		Model:   "mock",
	}, nil
}
