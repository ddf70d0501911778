package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CLIConfig configures an external agent CLI runtime.
type CLIConfig struct {
	// Name is the runtime name in the registry (default "cli").
	Name string
	// Binary is resolved with exec.LookPath.
	Binary string
	// TranscriptDir holds <session_id>.jsonl transcripts written by the agent.
	TranscriptDir string
	// DefaultAgent is used when the request names none.
	DefaultAgent string
	Env          map[string]string
}

// CLIRuntime runs `<binary> agent --agent <id> --message <prompt>
// --session-id <sid> --json` and parses the JSON envelope it prints.
type CLIRuntime struct {
	cfg    CLIConfig
	logger *slog.Logger
}

// NewCLIRuntime creates a CLI runtime.
func NewCLIRuntime(cfg CLIConfig, logger *slog.Logger) *CLIRuntime {
	if cfg.Name == "" {
		cfg.Name = "cli"
	}
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = "main"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CLIRuntime{cfg: cfg, logger: logger}
}

func (c *CLIRuntime) Name() string { return c.cfg.Name }

// Available reports whether the binary can be found.
func (c *CLIRuntime) Available(context.Context) bool {
	if c.cfg.Binary == "" {
		return false
	}
	_, err := exec.LookPath(c.cfg.Binary)
	return err == nil
}

// cliEnvelope is the JSON printed by the agent CLI with --json.
type cliEnvelope struct {
	Status string `json:"status"`
	RunID  string `json:"runId"`
	Error  string `json:"error"`
	Result *struct {
		Payloads []struct {
			Text string `json:"text"`
		} `json:"payloads"`
		Meta struct {
			DurationMs int64 `json:"durationMs"`
			AgentMeta  struct {
				Model     string `json:"model"`
				SessionID string `json:"sessionId"`
			} `json:"agentMeta"`
		} `json:"meta"`
	} `json:"result"`
}

// Execute runs the CLI. The process is killed when ctx expires.
func (c *CLIRuntime) Execute(ctx context.Context, req Request) (Result, error) {
	path, err := exec.LookPath(c.cfg.Binary)
	if err != nil {
		return Result{}, fmt.Errorf("agent CLI not found: %w", err)
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = c.cfg.DefaultAgent
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	args := []string{"agent", "--agent", agentID, "--message", req.Prompt, "--session-id", sessionID, "--json"}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.WaitDelay = 2 * time.Second

	cmd.Env = os.Environ()
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if c.cfg.TranscriptDir != "" {
		cmd.Env = append(cmd.Env, fmt.Sprintf("PMNET_TRANSCRIPT_DIR=%s", c.cfg.TranscriptDir))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("starting agent CLI", "binary", path, "agent", agentID, "session_id", sessionID)
	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("agent CLI timed out after %s: %w", elapsed.Round(time.Millisecond), ctxErr)
		}
		return Result{}, ctxErr
	}

	out := strings.TrimSpace(stdout.String())
	if runErr != nil {
		if out == "" {
			return Result{}, fmt.Errorf("agent CLI failed: %w: %s", runErr, strings.TrimSpace(stderr.String()))
		}
		c.logger.Warn("agent CLI exited non-zero", "error", runErr, "stderr", strings.TrimSpace(stderr.String()))
	}
	if out == "" {
		return Result{}, fmt.Errorf("agent CLI produced no output")
	}

	res := Result{
		Success:          true,
		Runtime:          c.cfg.Name,
		DurationMs:       elapsed.Milliseconds(),
		RuntimeSessionID: sessionID,
	}

	var env cliEnvelope
	if err := json.Unmarshal([]byte(out), &env); err == nil && (env.Status != "" || env.Result != nil) {
		if env.Status != "" && env.Status != "ok" {
			msg := env.Error
			if msg == "" {
				msg = "status " + env.Status
			}
			return Result{}, fmt.Errorf("agent reported failure: %s", msg)
		}
		if env.Result != nil {
			texts := make([]string, 0, len(env.Result.Payloads))
			for _, p := range env.Result.Payloads {
				if t := strings.TrimSpace(p.Text); t != "" {
					texts = append(texts, t)
				}
			}
			res.Output = strings.Join(texts, "\n\n")
			res.Model = env.Result.Meta.AgentMeta.Model
			if env.Result.Meta.DurationMs > 0 {
				res.DurationMs = env.Result.Meta.DurationMs
			}
			if sid := env.Result.Meta.AgentMeta.SessionID; sid != "" {
				res.RuntimeSessionID = sid
			}
		}
	} else {
		res.Output = out
	}

	if c.cfg.TranscriptDir != "" {
		transcript := filepath.Join(c.cfg.TranscriptDir, res.RuntimeSessionID+".jsonl")
		calls, err := ReadTranscript(transcript, c.logger)
		if err != nil {
			c.logger.Warn("failed to read transcript", "path", transcript, "error", err)
		}
		res.ToolCalls = calls
	}

	return res, nil
}
