package llm

import (
	"context"
	"log/slog"

	"github.com/machPoint/pm-net/internal/fallback"
)

// NamedProvider pairs a provider with the name used in logs and errors.
type NamedProvider struct {
	Name     string
	Provider Provider
}

// FallbackProvider tries each provider in order until one answers.
type FallbackProvider struct {
	providers []NamedProvider
	logger    *slog.Logger
}

// NewFallbackProvider chains providers in priority order.
func NewFallbackProvider(logger *slog.Logger, providers ...NamedProvider) *FallbackProvider {
	return &FallbackProvider{providers: providers, logger: logger}
}

// Configured reports whether any provider in the chain is configured.
func (f *FallbackProvider) Configured() bool {
	for _, np := range f.providers {
		if IsConfigured(np.Provider) {
			return true
		}
	}
	return false
}

// Complete returns the first successful response. When every provider fails
// the error wraps fallback.ErrAllFailed; when none is configured it is
// ErrMissingCredentials.
func (f *FallbackProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if !f.Configured() {
		return nil, ErrMissingCredentials
	}

	strategies := make([]fallback.Strategy[*Response], 0, len(f.providers))
	for _, np := range f.providers {
		strategies = append(strategies, fallback.Strategy[*Response]{
			Name:      np.Name,
			Available: func(context.Context) bool { return IsConfigured(np.Provider) },
			Run: func(ctx context.Context) (*Response, error) {
				return np.Provider.Complete(ctx, req)
			},
		})
	}

	out, err := fallback.Run(ctx, strategies, fallback.Options{Label: "llm", Logger: f.logger})
	if err != nil {
		return nil, err
	}
	return out.Value, nil
}
