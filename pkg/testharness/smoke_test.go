package testharness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSmokeSimpleSuccess(t *testing.T) {
	result := runSmokeScenario(t, ScenarioSimpleSuccess)
	require.NoError(t, result.RunErr, "stderr:\n%s", result.Stderr)

	assert.Equal(t, true, result.Execute["completed"])
	steps, _ := result.Execute["steps"].([]any)
	require.Len(t, steps, 2)
	first, _ := steps[0].(map[string]any)
	assert.Equal(t, "cli", first["runtime"])
	assert.Equal(t, "Done: Draft notes", first["output"])

	require.NotNil(t, result.Events)
	counts := result.Events.CountByType()
	assert.Equal(t, 2, counts["intake.step_completed"])
	assert.Zero(t, counts["intake.run_failed"])

	matches, err := filepath.Glob(filepath.Join(result.Workspace, ".pmnet", "transcripts", "*.jsonl"))
	require.NoError(t, err)
	assert.NotEmpty(t, matches, "the fake agent should record transcripts")
}

func TestRunSmokeAgentFailure(t *testing.T) {
	result := runSmokeScenario(t, ScenarioAgentFailure)
	require.NoError(t, result.RunErr, "stderr:\n%s", result.Stderr)

	assert.Equal(t, true, result.Execute["failed"])
	require.NotNil(t, result.Events)
	assert.Equal(t, 1, result.Events.CountByType()["intake.run_failed"])
}

func TestRunSmokePlainOutput(t *testing.T) {
	result := runSmokeScenario(t, ScenarioPlainOutput)
	require.NoError(t, result.RunErr, "stderr:\n%s", result.Stderr)

	assert.Equal(t, true, result.Execute["completed"])
	steps, _ := result.Execute["steps"].([]any)
	require.Len(t, steps, 1)
	first, _ := steps[0].(map[string]any)
	assert.Equal(t, "Done: Summarize", first["output"])
}

func runSmokeScenario(t *testing.T, scenario Scenario) *SmokeResult {
	t.Helper()
	if testing.Short() {
		t.Skip("smoke tests build binaries")
	}

	repoRoot, err := DetectRepoRoot()
	require.NoError(t, err)

	tempDir := t.TempDir()
	binDir := filepath.Join(tempDir, "bin")
	if cache := os.Getenv("GOCACHE"); cache == "" {
		t.Setenv("GOCACHE", filepath.Join(tempDir, "gocache"))
	}

	ctx := context.Background()
	pmnetBin, fakeagentBin, err := BuildBinaries(ctx, repoRoot, binDir)
	require.NoError(t, err, "failed to build binaries")

	result, err := RunSmoke(ctx, SmokeOptions{
		Scenario:        scenario,
		PmnetBinary:     pmnetBin,
		FakeAgentBinary: fakeagentBin,
		WorkspaceDir:    filepath.Join(tempDir, "workspace"),
	})
	require.NoError(t, err)
	return result
}
