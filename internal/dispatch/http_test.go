package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRuntimeExecute(t *testing.T) {
	var got httpAgentRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": "changelog drafted",
			"model":   "agent-model",
			"run_id":  "run-9",
			"tool_calls": []map[string]any{
				{"id": "t1", "name": "git_log", "arguments": map[string]any{"since": "v1.2.0"}, "result": "12 commits"},
			},
		})
	}))
	defer server.Close()

	rt := NewHTTPRuntime(HTTPConfig{URL: server.URL, Headers: map[string]string{"Authorization": "Bearer token"}}, nil)
	require.True(t, rt.Available(context.Background()))

	res, err := rt.Execute(context.Background(), Request{
		Prompt:    "draft the changelog",
		AgentID:   "writer",
		SessionID: "s1",
		Metadata:  map[string]any{"step_order": 1},
	})
	require.NoError(t, err)

	assert.Equal(t, "draft the changelog", got.Input)
	assert.Equal(t, "writer", got.AgentID)
	assert.Equal(t, "s1", got.SessionID)

	assert.True(t, res.Success)
	assert.Equal(t, "http", res.Runtime)
	assert.Equal(t, "changelog drafted", res.Output)
	assert.Equal(t, "agent-model", res.Model)
	assert.Equal(t, "run-9", res.RuntimeSessionID)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "git_log", res.ToolCalls[0].Name)
}

func TestHTTPRuntimeOutputFieldPrecedence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"output":"from output","text":"from text","session_id":"abc"}`))
	}))
	defer server.Close()

	res, err := NewHTTPRuntime(HTTPConfig{URL: server.URL}, nil).Execute(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "from output", res.Output)
	assert.Equal(t, "abc", res.RuntimeSessionID)
}

func TestHTTPRuntimeNon2xxFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent crashed", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewHTTPRuntime(HTTPConfig{URL: server.URL}, nil).Execute(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPRuntimeUnavailableWithoutURL(t *testing.T) {
	assert.False(t, NewHTTPRuntime(HTTPConfig{}, nil).Available(context.Background()))
}
