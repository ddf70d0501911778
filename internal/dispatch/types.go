// Package dispatch executes a unit of agent work through whichever runtime is
// available: an external agent CLI, an HTTP agent service or a direct
// language-model call. Runtimes are tried in priority order and the call
// never fails outright; when nothing succeeds the Result says so.
package dispatch

import (
	"context"
	"unicode/utf8"
)

const (
	// DefaultTimeoutMs bounds one runtime attempt when the request sets none.
	DefaultTimeoutMs = 120000
	// MaxTraceOutputBytes caps the output copied into a decision_trace node.
	MaxTraceOutputBytes = 2000
	// MaxToolResultBytes caps each tool result read from a transcript.
	MaxToolResultBytes = 2048
	// RuntimeNone is reported when every runtime failed or was unavailable.
	RuntimeNone = "none"
)

// Request is one unit of agent work.
type Request struct {
	Title     string         `json:"title"`
	Prompt    string         `json:"prompt"`
	AgentID   string         `json:"agent_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Caller    string         `json:"caller"`
	Runtime   string         `json:"runtime,omitempty"`
	TimeoutMs int            `json:"timeout_ms,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ToolCall is one tool invocation recovered from a runtime.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Result is the outcome of a dispatch.
type Result struct {
	Output           string     `json:"output"`
	Success          bool       `json:"success"`
	DurationMs       int64      `json:"duration_ms"`
	Runtime          string     `json:"runtime"`
	Model            string     `json:"model,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	RuntimeSessionID string     `json:"runtime_session_id,omitempty"`
}

// Options modify a single Dispatch call.
type Options struct {
	// LogToGraph records a decision_trace node for a successful dispatch.
	LogToGraph bool
}

// Runtime is a backend able to execute requests. Execute returning an error
// means the attempt failed and the next runtime may be tried.
type Runtime interface {
	Name() string
	Available(ctx context.Context) bool
	Execute(ctx context.Context, req Request) (Result, error)
}

// Truncate shortens s to at most max bytes without splitting a UTF-8
// sequence, appending a marker when anything was dropped.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	const marker = "…[truncated]"
	cut := max - len(marker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}
