package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/machPoint/pm-net/internal/events"
	"github.com/machPoint/pm-net/internal/fallback"
	"github.com/machPoint/pm-net/internal/graph"
)

// TraceWriter persists decision traces. *graph.Store satisfies it.
type TraceWriter interface {
	CreateNode(ctx context.Context, in graph.NodeInput) (*graph.Node, error)
}

// Dispatcher routes requests to runtimes from a Registry.
type Dispatcher struct {
	registry *Registry
	traces   TraceWriter
	emitter  events.Emitter
	logger   *slog.Logger
	now      func() time.Time
	// defaultTimeoutMs applies to requests that set no timeout.
	defaultTimeoutMs int
}

// NewDispatcher creates a dispatcher. traces and emitter may be nil.
func NewDispatcher(registry *Registry, traces TraceWriter, emitter events.Emitter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		registry: registry,
		traces:   traces,
		emitter:  emitter,
		logger:   logger,
		now:      time.Now,
	}
}

// SetDefaultTimeout sets the per-attempt timeout for requests without one.
// Zero restores DefaultTimeoutMs.
func (d *Dispatcher) SetDefaultTimeout(ms int) {
	d.defaultTimeoutMs = ms
}

// Registry returns the registry the dispatcher routes through.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch executes req. An explicit req.Runtime restricts the attempt to that
// runtime; otherwise runtimes are tried in priority order. Dispatch never
// returns an error: a total failure is a Result with Success false and
// Runtime "none".
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, opts Options) Result {
	start := d.now()

	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = d.defaultTimeoutMs
	}
	if timeoutMs <= 0 {
		timeoutMs = DefaultTimeoutMs
	}

	var runtimes []Runtime
	if req.Runtime != "" {
		rt, ok := d.registry.Get(req.Runtime)
		if !ok {
			return d.failed(req, start, fmt.Sprintf("%s: not registered", req.Runtime))
		}
		runtimes = []Runtime{rt}
	} else {
		runtimes = d.registry.Ordered()
	}

	strategies := make([]fallback.Strategy[Result], 0, len(runtimes))
	for _, rt := range runtimes {
		strategies = append(strategies, fallback.Strategy[Result]{
			Name:      rt.Name(),
			Available: rt.Available,
			Run: func(ctx context.Context) (Result, error) {
				res, err := rt.Execute(ctx, req)
				if err != nil {
					return res, err
				}
				if !res.Success {
					return res, fmt.Errorf("runtime reported failure: %s", Truncate(res.Output, 200))
				}
				return res, nil
			},
		})
	}

	out, err := fallback.Run(ctx, strategies, fallback.Options{
		Timeout: time.Duration(timeoutMs) * time.Millisecond,
		Label:   "dispatch",
		Logger:  d.logger,
	})
	if err != nil {
		return d.failed(req, start, err.Error())
	}

	res := out.Value
	if res.Runtime == "" {
		res.Runtime = out.Winner
	}
	if res.DurationMs == 0 {
		res.DurationMs = d.now().Sub(start).Milliseconds()
	}

	d.logger.Info("dispatch succeeded",
		"runtime", res.Runtime,
		"model", res.Model,
		"duration_ms", res.DurationMs,
		"tool_calls", len(res.ToolCalls),
		"caller", req.Caller)

	events.Emit(d.emitter, events.Event{
		Type:       events.AgentDispatched,
		EntityType: "dispatch",
		SessionID:  req.SessionID,
		Actor:      req.Caller,
		Summary:    fmt.Sprintf("%s completed via %s", displayTitle(req), res.Runtime),
		Data: map[string]any{
			"runtime":     res.Runtime,
			"model":       res.Model,
			"duration_ms": res.DurationMs,
			"agent_id":    req.AgentID,
			"tool_calls":  len(res.ToolCalls),
		},
	})

	if opts.LogToGraph {
		d.writeTrace(ctx, req, res)
	}
	return res
}

func (d *Dispatcher) failed(req Request, start time.Time, reasons string) Result {
	res := Result{
		Output:     "All agent runtimes failed: " + reasons,
		Success:    false,
		DurationMs: d.now().Sub(start).Milliseconds(),
		Runtime:    RuntimeNone,
	}

	d.logger.Warn("dispatch failed", "caller", req.Caller, "title", req.Title, "reasons", reasons)
	events.Emit(d.emitter, events.Event{
		Type:       events.AgentDispatchFailed,
		EntityType: "dispatch",
		SessionID:  req.SessionID,
		Actor:      req.Caller,
		Summary:    fmt.Sprintf("%s failed on every runtime", displayTitle(req)),
		Data:       map[string]any{"reasons": reasons, "agent_id": req.AgentID},
	})
	return res
}

func (d *Dispatcher) writeTrace(ctx context.Context, req Request, res Result) {
	if d.traces == nil {
		return
	}

	calls := make([]any, 0, len(res.ToolCalls))
	for _, tc := range res.ToolCalls {
		calls = append(calls, map[string]any{
			"id":        tc.ID,
			"name":      tc.Name,
			"arguments": tc.Arguments,
			"result":    tc.Result,
			"error":     tc.Error,
		})
	}

	metadata := map[string]any{
		"runtime":     res.Runtime,
		"model":       res.Model,
		"duration_ms": res.DurationMs,
		"success":     res.Success,
		"tool_calls":  calls,
		"output":      Truncate(res.Output, MaxTraceOutputBytes),
		"caller":      req.Caller,
		"session_id":  req.SessionID,
		"agent_id":    req.AgentID,
	}
	if res.RuntimeSessionID != "" {
		metadata["runtime_session_id"] = res.RuntimeSessionID
	}
	for k, v := range req.Metadata {
		if _, taken := metadata[k]; !taken {
			metadata[k] = v
		}
	}

	_, err := d.traces.CreateNode(ctx, graph.NodeInput{
		NodeType:  graph.NodeDecisionTrace,
		Title:     "Dispatch: " + displayTitle(req),
		Status:    "completed",
		Metadata:  metadata,
		CreatedBy: req.Caller,
	})
	if err != nil {
		d.logger.Warn("failed to record decision trace", "error", err)
	}
}

func displayTitle(req Request) string {
	if t := strings.TrimSpace(req.Title); t != "" {
		return t
	}
	prompt := strings.Join(strings.Fields(req.Prompt), " ")
	if len(prompt) > 60 {
		prompt = Truncate(prompt, 60)
	}
	if prompt == "" {
		return "untitled request"
	}
	return prompt
}
