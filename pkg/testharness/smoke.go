package testharness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/machPoint/pm-net/internal/config"
	"github.com/machPoint/pm-net/internal/eventlog"
)

// Scenario defines a deterministic smoke-test flow: one task taken from
// intake through execution against the fake agent.
type Scenario struct {
	Name  string
	Title string
	Steps []string
	// Mode is the fake agent behaviour (PMNET_FAKEAGENT_MODE).
	Mode string
}

var (
	// ScenarioSimpleSuccess runs a two-step plan to completion.
	ScenarioSimpleSuccess = Scenario{
		Name:  "simple-success",
		Title: "Write release notes",
		Steps: []string{"Draft notes | editor", "Publish notes"},
		Mode:  ModeOK,
	}
	// ScenarioAgentFailure has the agent report an error on the first step.
	ScenarioAgentFailure = Scenario{
		Name:  "agent-failure",
		Title: "Migrate billing",
		Steps: []string{"Export invoices", "Import invoices"},
		Mode:  ModeFail,
	}
	// ScenarioPlainOutput has the agent print text instead of an envelope.
	ScenarioPlainOutput = Scenario{
		Name:  "plain-output",
		Title: "Summarize standup",
		Steps: []string{"Summarize"},
		Mode:  ModePlain,
	}
)

// SmokeOptions configures RunSmoke.
type SmokeOptions struct {
	Scenario        Scenario
	PmnetBinary     string
	FakeAgentBinary string
	WorkspaceDir    string
	Env             map[string]string
}

// SmokeResult captures the outcome of a smoke scenario.
type SmokeResult struct {
	Scenario   Scenario
	Workspace  string
	ConfigPath string
	SessionID  string
	// Execute is the decoded output of `pmnet intake execute`.
	Execute map[string]any
	Stdout  string
	Stderr  string
	RunErr  error
	Events  *eventlog.Ledger
}

// RunSmoke executes a smoke scenario using the provided binaries.
func RunSmoke(ctx context.Context, opts SmokeOptions) (*SmokeResult, error) {
	if opts.PmnetBinary == "" {
		return nil, fmt.Errorf("pmnet binary path is required")
	}
	if opts.FakeAgentBinary == "" {
		return nil, fmt.Errorf("fakeagent binary path is required")
	}
	if len(opts.Scenario.Steps) == 0 {
		return nil, fmt.Errorf("scenario has no steps")
	}

	workspace := opts.WorkspaceDir
	if workspace == "" {
		var err error
		workspace, err = os.MkdirTemp("", "pmnet-smoke-")
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	} else if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	cfg := config.GenerateDefault()
	cfg.Runtimes.Order = []string{"cli"}
	cfg.Runtimes.CLI.Binary = opts.FakeAgentBinary
	cfg.Runtimes.LLM = &config.LLMRuntime{Enabled: false}
	cfg.Dispatch.TimeoutMs = 10_000
	cfg.LogLevel = "warn"

	configPath := filepath.Join(workspace, "pmnet.json")
	if err := cfg.SaveToFile(configPath); err != nil {
		return nil, err
	}

	env := mergeEnv(os.Environ(), opts.Env)
	env = setEnv(env, config.EnvLLMAPIKey, "")
	env = setEnv(env, EnvMode, opts.Scenario.Mode)

	result := &SmokeResult{Scenario: opts.Scenario, Workspace: workspace, ConfigPath: configPath}
	pmnet := func(args ...string) ([]byte, error) {
		stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
		cmd := exec.CommandContext(ctx, opts.PmnetBinary, append([]string{"--config", configPath}, args...)...)
		cmd.Dir = workspace
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		cmd.Env = env
		err := cmd.Run()
		result.Stdout += stdout.String()
		result.Stderr += stderr.String()
		if err != nil {
			return stdout.Bytes(), fmt.Errorf("pmnet %v: %w", args, err)
		}
		return stdout.Bytes(), nil
	}

	var session struct {
		ID    string `json:"id"`
		Stage string `json:"stage"`
	}
	out, err := pmnet("intake", "start", "--title", opts.Scenario.Title, "--by", "smoke")
	if err != nil {
		result.RunErr = err
		return result, nil
	}
	if err := json.Unmarshal(out, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	result.SessionID = session.ID

	steps := []string{"intake", "approve", session.ID, "--by", "smoke"}
	for _, s := range opts.Scenario.Steps {
		steps = append(steps, "--step", s)
	}
	for _, args := range [][]string{
		{"intake", "skip", session.ID},
		{"intake", "plan", session.ID},
		steps,
	} {
		// skip is only valid while precedents are pending.
		if args[1] == "skip" && session.Stage != "precedents" {
			continue
		}
		if _, err := pmnet(args...); err != nil {
			result.RunErr = err
			return result, nil
		}
	}

	out, runErr := pmnet("intake", "execute", session.ID)
	result.RunErr = runErr
	if len(out) > 0 {
		if err := json.Unmarshal(out, &result.Execute); err != nil {
			return nil, fmt.Errorf("failed to decode execute output: %w", err)
		}
	}

	ledgerPath := cfg.ResolvePath(workspace, cfg.EventLog.Path)
	if ledger, err := eventlog.ReadLedger(ledgerPath); err == nil {
		result.Events = ledger
	}
	return result, nil
}

// DetectRepoRoot locates the repository root by searching for go.mod.
func DetectRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found (starting from %s)", dir)
		}
		dir = parent
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	result := append([]string{}, base...)
	for k, v := range overrides {
		result = setEnv(result, k, v)
	}
	return result
}
