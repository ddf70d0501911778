package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single completion call.
const DefaultTimeout = 120 * time.Second

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIProvider posts to <base_url>/chat/completions.
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	logger  *slog.Logger
}

// NewOpenAIProvider builds a provider. Missing credentials are reported on the
// first Complete call, not here.
func NewOpenAIProvider(cfg OpenAIConfig, logger *slog.Logger) *OpenAIProvider {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OpenAIProvider{
		baseURL: normalizeBaseURL(cfg.BaseURL),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		model:   cfg.Model,
		logger:  logger,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

// Configured reports whether both endpoint and key are set.
func (p *OpenAIProvider) Configured() bool {
	return p != nil && p.baseURL != "" && p.apiKey != ""
}

// Model returns the configured model name.
func (p *OpenAIProvider) Model() string {
	return p.model
}

type chatRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	Temperature    float64   `json:"temperature"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	ResponseFormat any       `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Complete sends req and returns the first choice.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if !p.Configured() {
		return nil, ErrMissingCredentials
	}

	body := chatRequest{
		Model:       p.model,
		Messages:    req.Messages(),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if len(body.Messages) == 0 {
		return nil, fmt.Errorf("llm request requires at least one message")
	}
	if req.JSONMode {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &TransportError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
			Err:        fmt.Errorf("status %s", resp.Status),
		}
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return nil, ErrEmptyContent
	}

	model := decoded.Model
	if model == "" {
		model = p.model
	}
	p.logger.Debug("llm completion",
		"model", model,
		"duration", time.Since(start),
		"total_tokens", decoded.Usage.TotalTokens,
		"json_mode", req.JSONMode)

	return &Response{
		Content: decoded.Choices[0].Message.Content,
		Model:   model,
		Usage:   decoded.Usage,
	}, nil
}

func normalizeBaseURL(baseURL string) string {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	return strings.TrimRight(trimmed, "/")
}
