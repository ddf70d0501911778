package testharness

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/machPoint/pm-net/internal/fsutil"
	"github.com/machPoint/pm-net/internal/ndjson"
)

// Fake agent behaviours, selected with PMNET_FAKEAGENT_MODE.
const (
	ModeOK    = "ok"    // JSON envelope with status ok
	ModeFail  = "fail"  // JSON envelope with status error
	ModeCrash = "crash" // no output, non-zero exit
	ModePlain = "plain" // plain text instead of an envelope
	ModeSlow  = "slow"  // sleeps for Delay before answering
)

// Environment read by the fake agent binary.
const (
	EnvMode          = "PMNET_FAKEAGENT_MODE"
	EnvDelay         = "PMNET_FAKEAGENT_DELAY"
	EnvTranscriptDir = "PMNET_TRANSCRIPT_DIR"
)

// ErrCrash is returned by Run in ModeCrash.
var ErrCrash = errors.New("fake agent crashed")

// Invocation is one `agent --agent <id> --message <text> --session-id <sid>
// --json` call as issued by the CLI runtime.
type Invocation struct {
	AgentID   string
	Message   string
	SessionID string
	JSON      bool
}

// ParseInvocation parses the fake agent's command line (without argv[0]).
func ParseInvocation(args []string) (Invocation, error) {
	if len(args) == 0 || args[0] != "agent" {
		return Invocation{}, fmt.Errorf("expected the agent subcommand")
	}

	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var inv Invocation
	fs.StringVar(&inv.AgentID, "agent", "main", "Agent id")
	fs.StringVar(&inv.Message, "message", "", "Message")
	fs.StringVar(&inv.SessionID, "session-id", "", "Session id")
	fs.BoolVar(&inv.JSON, "json", false, "Print a JSON envelope")
	if err := fs.Parse(args[1:]); err != nil {
		return Invocation{}, err
	}
	if strings.TrimSpace(inv.Message) == "" {
		return Invocation{}, fmt.Errorf("--message is required")
	}
	if inv.SessionID == "" {
		inv.SessionID = uuid.NewString()
	}
	return inv, nil
}

// FakeAgent answers agent CLI invocations deterministically and records a
// transcript with one tool call per invocation.
type FakeAgent struct {
	Mode          string
	Model         string
	Delay         time.Duration
	TranscriptDir string

	logger *slog.Logger
}

// NewFakeAgent configures a fake agent from environment variables.
func NewFakeAgent(getenv func(string) string, logger *slog.Logger) *FakeAgent {
	if getenv == nil {
		getenv = os.Getenv
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &FakeAgent{
		Mode:          getenv(EnvMode),
		Model:         "fake-model-1",
		Delay:         2 * time.Second,
		TranscriptDir: getenv(EnvTranscriptDir),
		logger:        logger,
	}
	if a.Mode == "" {
		a.Mode = ModeOK
	}
	if d, err := time.ParseDuration(getenv(EnvDelay)); err == nil {
		a.Delay = d
	}
	return a
}

type envelope struct {
	Status string          `json:"status"`
	RunID  string          `json:"runId"`
	Error  string          `json:"error,omitempty"`
	Result *envelopeResult `json:"result,omitempty"`
}

type envelopeResult struct {
	Payloads []payload   `json:"payloads"`
	Meta     payloadMeta `json:"meta"`
}

type payload struct {
	Text string `json:"text"`
}

type payloadMeta struct {
	DurationMs int64     `json:"durationMs"`
	AgentMeta  agentMeta `json:"agentMeta"`
}

type agentMeta struct {
	Model     string `json:"model"`
	SessionID string `json:"sessionId"`
}

// Run answers inv on stdout.
func (a *FakeAgent) Run(ctx context.Context, inv Invocation, stdout io.Writer) error {
	start := time.Now()
	a.logger.Info("fake agent invoked", "agent", inv.AgentID, "session_id", inv.SessionID, "mode", a.Mode)

	switch a.Mode {
	case ModeCrash:
		return ErrCrash
	case ModeSlow:
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	reply := fmt.Sprintf("Done: %s", stepAction(inv.Message))
	if err := a.writeTranscript(inv, reply); err != nil {
		a.logger.Warn("failed to write transcript", "error", err)
	}

	if a.Mode == ModePlain || !inv.JSON {
		_, err := fmt.Fprintln(stdout, reply)
		return err
	}

	env := envelope{Status: "ok", RunID: uuid.NewString()}
	if a.Mode == ModeFail {
		env.Status = "error"
		env.Error = "fake agent refused the task"
	} else {
		env.Result = &envelopeResult{
			Payloads: []payload{{Text: reply}},
			Meta: payloadMeta{
				DurationMs: max(time.Since(start).Milliseconds(), 1),
				AgentMeta:  agentMeta{Model: a.Model, SessionID: inv.SessionID},
			},
		}
	}
	return json.NewEncoder(stdout).Encode(env)
}

// writeTranscript appends a tool_call/tool_result pair to
// <TranscriptDir>/<session_id>.jsonl.
func (a *FakeAgent) writeTranscript(inv Invocation, reply string) error {
	if a.TranscriptDir == "" {
		return nil
	}
	path, err := fsutil.ResolveWithin(a.TranscriptDir, inv.SessionID+".jsonl")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create transcript directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	callID := "call_" + uuid.NewString()[:8]
	enc := ndjson.NewEncoder(f, a.logger)
	records := []map[string]any{
		{"type": "message", "role": "user", "content": inv.Message},
		{"type": "tool_call", "id": callID, "name": "notes.write", "arguments": map[string]any{"text": reply}},
		{"type": "tool_result", "id": callID, "result": "saved"},
		{"type": "message", "role": "assistant", "content": reply},
	}
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// stepAction returns the action from a "Step N of M: <action>" line, or the
// first line of the message.
func stepAction(msg string) string {
	lines := strings.Split(strings.TrimSpace(msg), "\n")
	for _, line := range lines {
		if strings.HasPrefix(line, "Step ") {
			if _, action, ok := strings.Cut(line, ": "); ok {
				return strings.TrimSpace(action)
			}
		}
	}
	return strings.TrimSpace(lines[0])
}
