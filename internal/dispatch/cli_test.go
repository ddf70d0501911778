package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeAgentScript creates an executable shell script standing in for the
// agent CLI.
func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

const envelopeScript = `sid=""
agent=""
while [ $# -gt 0 ]; do
  case "$1" in
    --session-id) sid="$2"; shift 2 ;;
    --agent) agent="$2"; shift 2 ;;
    *) shift ;;
  esac
done
if [ -n "$PMNET_TRANSCRIPT_DIR" ]; then
  printf '%s\n' '{"type":"message","text":"thinking"}' \
    '{"type":"tool_call","id":"c1","name":"read_file","arguments":{"path":"CHANGELOG.md"}}' \
    '{"type":"tool_result","call_id":"c1","result":"# Changelog"}' > "$PMNET_TRANSCRIPT_DIR/$sid.jsonl"
fi
printf '{"status":"ok","runId":"run-1","result":{"payloads":[{"text":"done by %s"}],"meta":{"durationMs":42,"agentMeta":{"model":"claude-test","sessionId":"%s"}}}}\n' "$agent" "$sid"
`

func TestCLIRuntimeParsesEnvelopeAndTranscript(t *testing.T) {
	script := writeAgentScript(t, envelopeScript)
	transcripts := t.TempDir()

	rt := NewCLIRuntime(CLIConfig{Binary: script, TranscriptDir: transcripts}, nil)
	require.True(t, rt.Available(context.Background()))

	res, err := rt.Execute(context.Background(), Request{Prompt: "write the changelog", AgentID: "writer", SessionID: "sess-42"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "cli", res.Runtime)
	assert.Equal(t, "done by writer", res.Output)
	assert.Equal(t, "claude-test", res.Model)
	assert.Equal(t, int64(42), res.DurationMs)
	assert.Equal(t, "sess-42", res.RuntimeSessionID)

	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "read_file", res.ToolCalls[0].Name)
	assert.Equal(t, "CHANGELOG.md", res.ToolCalls[0].Arguments["path"])
	assert.Equal(t, "# Changelog", res.ToolCalls[0].Result)
}

func TestCLIRuntimeDefaultsAgentAndSession(t *testing.T) {
	script := writeAgentScript(t, envelopeScript)
	rt := NewCLIRuntime(CLIConfig{Binary: script}, nil)

	res, err := rt.Execute(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "done by main", res.Output)
	assert.NotEmpty(t, res.RuntimeSessionID)
	assert.Empty(t, res.ToolCalls)
}

func TestCLIRuntimeRawTextOutput(t *testing.T) {
	script := writeAgentScript(t, "echo 'plain answer'\n")
	rt := NewCLIRuntime(CLIConfig{Binary: script}, nil)

	res, err := rt.Execute(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "plain answer", res.Output)
}

func TestCLIRuntimeFailures(t *testing.T) {
	t.Run("non-zero exit without output", func(t *testing.T) {
		script := writeAgentScript(t, "echo 'gateway unreachable' >&2\nexit 3\n")
		_, err := NewCLIRuntime(CLIConfig{Binary: script}, nil).Execute(context.Background(), Request{Prompt: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gateway unreachable")
	})

	t.Run("non-zero exit with output still succeeds", func(t *testing.T) {
		script := writeAgentScript(t, "echo 'partial answer'\nexit 1\n")
		res, err := NewCLIRuntime(CLIConfig{Binary: script}, nil).Execute(context.Background(), Request{Prompt: "x"})
		require.NoError(t, err)
		assert.Equal(t, "partial answer", res.Output)
	})

	t.Run("error status in envelope", func(t *testing.T) {
		script := writeAgentScript(t, `echo '{"status":"error","error":"agent not found"}'`+"\n")
		_, err := NewCLIRuntime(CLIConfig{Binary: script}, nil).Execute(context.Background(), Request{Prompt: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "agent not found")
	})

	t.Run("missing binary", func(t *testing.T) {
		rt := NewCLIRuntime(CLIConfig{Binary: "pmnet-definitely-not-installed"}, nil)
		assert.False(t, rt.Available(context.Background()))
		_, err := rt.Execute(context.Background(), Request{Prompt: "x"})
		assert.Error(t, err)
	})
}

func TestCLIRuntimeKilledOnTimeout(t *testing.T) {
	script := writeAgentScript(t, "exec sleep 10\n")
	rt := NewCLIRuntime(CLIConfig{Binary: script}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := rt.Execute(ctx, Request{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "timed out"), err.Error())
	assert.Less(t, time.Since(start), 5*time.Second)
}
