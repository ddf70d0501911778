package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HTTPConfig configures an HTTP agent runtime.
type HTTPConfig struct {
	Name    string
	URL     string
	Headers map[string]string
}

// HTTPRuntime posts requests to an agent service.
type HTTPRuntime struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPRuntime creates an HTTP runtime. Timeouts come from the dispatch
// context, so the client itself has none.
func NewHTTPRuntime(cfg HTTPConfig, logger *slog.Logger) *HTTPRuntime {
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HTTPRuntime{cfg: cfg, client: &http.Client{}, logger: logger}
}

func (h *HTTPRuntime) Name() string { return h.cfg.Name }

// Available reports whether a URL is configured.
func (h *HTTPRuntime) Available(context.Context) bool {
	return strings.TrimSpace(h.cfg.URL) != ""
}

type httpAgentRequest struct {
	Input     string         `json:"input"`
	AgentID   string         `json:"agent_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type httpAgentResponse struct {
	Output    json.RawMessage `json:"output"`
	Result    json.RawMessage `json:"result"`
	Content   json.RawMessage `json:"content"`
	Text      json.RawMessage `json:"text"`
	Model     string          `json:"model"`
	ToolCalls []ToolCall      `json:"tool_calls"`
	SessionID string          `json:"session_id"`
	RunID     string          `json:"run_id"`
}

// Execute posts the request and maps the response. Non-2xx is a failure.
func (h *HTTPRuntime) Execute(ctx context.Context, req Request) (Result, error) {
	payload, err := json.Marshal(httpAgentRequest{
		Input:     req.Prompt,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range h.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, Truncate(strings.TrimSpace(string(body)), 200))
	}

	var decoded httpAgentResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Result{}, fmt.Errorf("failed to decode agent response: %w", err)
	}

	output := ""
	for _, field := range []json.RawMessage{decoded.Output, decoded.Result, decoded.Content, decoded.Text} {
		if text := rawText(field); text != "" {
			output = text
			break
		}
	}

	sessionID := decoded.SessionID
	if sessionID == "" {
		sessionID = decoded.RunID
	}
	for i := range decoded.ToolCalls {
		decoded.ToolCalls[i].Result = Truncate(decoded.ToolCalls[i].Result, MaxToolResultBytes)
	}

	return Result{
		Output:           output,
		Success:          true,
		DurationMs:       time.Since(start).Milliseconds(),
		Runtime:          h.cfg.Name,
		Model:            decoded.Model,
		ToolCalls:        decoded.ToolCalls,
		RuntimeSessionID: sessionID,
	}, nil
}
