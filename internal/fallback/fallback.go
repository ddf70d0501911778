// Package fallback runs an ordered list of strategies until one succeeds. It
// is the single place that implements availability checks, per-attempt
// timeouts and failure logging for both agent dispatch and language-model
// provider chains.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrAllFailed is wrapped by *ExhaustedError.
var ErrAllFailed = errors.New("all strategies failed")

// ErrUnavailable marks a strategy that was skipped by its availability check.
var ErrUnavailable = errors.New("unavailable")

// Strategy is one way of producing a T.
type Strategy[T any] struct {
	Name string
	// Available reports whether the strategy can be attempted. Nil means always.
	Available func(ctx context.Context) bool
	Run       func(ctx context.Context) (T, error)
}

// Options configures Run.
type Options struct {
	// Timeout bounds each attempt. Zero means no per-attempt limit.
	Timeout time.Duration
	// Label names the chain in log lines ("dispatch", "llm").
	Label  string
	Logger *slog.Logger
}

// Attempt records what happened to one strategy.
type Attempt struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Skipped reports whether the strategy was never run.
func (a Attempt) Skipped() bool {
	return errors.Is(a.Err, ErrUnavailable)
}

// Outcome is the result of a successful Run.
type Outcome[T any] struct {
	Value    T
	Winner   string
	Attempts []Attempt
}

// ExhaustedError is returned when no strategy succeeded.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return "no strategies configured"
	}
	reasons := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		reasons = append(reasons, fmt.Sprintf("%s: %v", a.Name, a.Err))
	}
	return strings.Join(reasons, "; ")
}

func (e *ExhaustedError) Unwrap() error {
	return ErrAllFailed
}

// Run tries strategies in order and returns the first success. Unavailable
// strategies are skipped; errors are logged and the next strategy is tried.
// Cancellation of ctx stops the chain.
func Run[T any](ctx context.Context, strategies []Strategy[T], opts Options) (Outcome[T], error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	label := opts.Label
	if label == "" {
		label = "fallback"
	}

	var attempts []Attempt
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, Attempt{Name: s.Name, Err: err})
			break
		}

		if s.Available != nil && !s.Available(ctx) {
			logger.Debug("strategy unavailable, skipping", "chain", label, "strategy", s.Name)
			attempts = append(attempts, Attempt{Name: s.Name, Err: ErrUnavailable})
			continue
		}

		start := time.Now()
		value, err := runOne(ctx, s, opts.Timeout)
		elapsed := time.Since(start)

		if err == nil {
			attempts = append(attempts, Attempt{Name: s.Name, Duration: elapsed})
			if len(attempts) > 1 {
				logger.Info("fallback succeeded", "chain", label, "strategy", s.Name, "attempt", len(attempts))
			}
			return Outcome[T]{Value: value, Winner: s.Name, Attempts: attempts}, nil
		}

		logger.Warn("strategy failed", "chain", label, "strategy", s.Name, "duration", elapsed, "error", err)
		attempts = append(attempts, Attempt{Name: s.Name, Err: err, Duration: elapsed})
	}

	var zero T
	return Outcome[T]{Value: zero, Attempts: attempts}, &ExhaustedError{Attempts: attempts}
}

func runOne[T any](ctx context.Context, s Strategy[T], timeout time.Duration) (value T, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	value, err = s.Run(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	return value, err
}
