package intake

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machPoint/pm-net/internal/dispatch"
	"github.com/machPoint/pm-net/internal/events"
	"github.com/machPoint/pm-net/internal/graph"
	"github.com/machPoint/pm-net/internal/scheduler"
)

func TestExecuteRunsAllSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.toExecute(t, "Write changelog", step("Collect merged PRs"), step("Draft changelog"))

	f.dispatcher.fn = func(req dispatch.Request) dispatch.Result {
		return dispatch.Result{
			Success:    true,
			Runtime:    "fake",
			Model:      "fake-1",
			Output:     strings.Repeat("x", MaxStepOutputBytes+100),
			DurationMs: 12,
			ToolCalls:  []dispatch.ToolCall{{ID: "c1", Name: "search", Result: "3 hits"}},
		}
	}

	res, err := f.engine.Execute(ctx, s.ID, ExecuteOptions{AgentID: "writer"})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.False(t, res.Failed)
	assert.Equal(t, StageVerify, res.Session.Stage)
	require.Len(t, res.Steps, 2)

	calls := f.dispatcher.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "Collect merged PRs", calls[0].Title)
	assert.Equal(t, "intake", calls[0].Caller)
	assert.Equal(t, "writer", calls[0].AgentID)
	assert.Equal(t, s.ID, calls[0].SessionID)
	assert.Contains(t, calls[1].Prompt, "Step 2 of 2: Draft changelog")

	run := f.node(t, res.RunID)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, "done", f.node(t, s.TaskID).Status)
	executes := f.edges(t, run.ID, graph.Outgoing, graph.EdgeExecutes)
	require.Len(t, executes, 1)
	assert.Equal(t, s.PlanID, executes[0].TargetID)

	traces := f.edges(t, run.ID, graph.Outgoing, graph.EdgeHasTrace)
	require.Len(t, traces, 2)
	trace := f.node(t, res.Steps[0].TraceID)
	assert.Equal(t, graph.NodeDecisionTrace, trace.NodeType)
	assert.Equal(t, "Collect merged PRs", trace.Metadata["action"])
	assert.Equal(t, true, trace.Metadata["success"])
	assert.Equal(t, "fake-1", trace.Metadata["model"])
	assert.LessOrEqual(t, len(graph.StringMeta(trace.Metadata, "output")), MaxStepOutputBytes)
	assert.Len(t, trace.Metadata["tool_calls"], 1)

	templated := f.edges(t, s.TaskID, graph.Outgoing, graph.EdgeTemplatedAs)
	require.Len(t, templated, 1)
	tmpl := f.node(t, res.TemplateID)
	assert.True(t, graph.BoolMeta(tmpl.Metadata, "is_template"))
	assert.Equal(t, s.TaskID, tmpl.Metadata["source_task"])
	assert.Equal(t, run.ID, tmpl.Metadata["source_run"])
	assert.Len(t, graph.StepsFromMetadata(tmpl.Metadata, "template_steps"), 2)

	assert.Len(t, f.events.ofType(events.IntakeStepCompleted), 2)
	assert.Len(t, f.events.ofType(events.IntakeRunCompleted), 1)
}

func TestExecuteBackfillsProjectLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project, err := f.graph.CreateNode(ctx, graph.NodeInput{NodeType: graph.NodeProject, Title: "Docs", CreatedBy: "pm"})
	require.NoError(t, err)
	s, err := f.engine.Start(ctx, StartInput{Title: "Write changelog", ProjectID: project.ID})
	require.NoError(t, err)

	// Drop the link made at start so finalize has something to repair.
	parents := f.edges(t, s.TaskID, graph.Incoming, graph.EdgeParentOf)
	require.Len(t, parents, 1)
	require.NoError(t, f.graph.DeleteEdge(ctx, parents[0].ID, "pm"))

	f.llm.plans = append(f.llm.plans, planJSON(t, false, step("Draft")))
	_, err = f.engine.GeneratePlan(ctx, s.ID)
	require.NoError(t, err)
	_, err = f.engine.ApprovePlan(ctx, s.ID, ApproveInput{Approved: true})
	require.NoError(t, err)
	_, err = f.engine.Execute(ctx, s.ID, ExecuteOptions{})
	require.NoError(t, err)

	parents = f.edges(t, s.TaskID, graph.Incoming, graph.EdgeParentOf)
	require.Len(t, parents, 1)
	assert.Equal(t, project.ID, parents[0].SourceID)
}

func TestExecuteStepFailureBlocksTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.toExecute(t, "Write changelog", step("Collect"), step("Draft"), step("Publish"))

	f.dispatcher.fn = func(req dispatch.Request) dispatch.Result {
		if req.Title == "Draft" {
			return dispatch.Result{Success: false, Runtime: dispatch.RuntimeNone, Output: "All agent runtimes failed: boom"}
		}
		return dispatch.Result{Success: true, Runtime: "fake", Output: "ok"}
	}

	res, err := f.engine.Execute(ctx, s.ID, ExecuteOptions{})
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.False(t, res.Completed)
	assert.Equal(t, StageExecute, res.Session.Stage)
	assert.Equal(t, 1, res.Session.NextStep)
	require.Len(t, res.Steps, 2)
	assert.False(t, res.Steps[1].Success)

	run := f.node(t, res.RunID)
	assert.Equal(t, "failed", run.Status)
	assert.Contains(t, graph.StringMeta(run.Metadata, "error"), "step 2 failed")
	assert.Equal(t, "blocked", f.node(t, s.TaskID).Status)
	assert.Equal(t, "failed", f.node(t, res.Steps[1].TraceID).Status)
	assert.Len(t, f.events.ofType(events.IntakeRunFailed), 1)

	// Retrying resumes the same run at the failed step.
	f.dispatcher.fn = nil
	res2, err := f.engine.Execute(ctx, s.ID, ExecuteOptions{})
	require.NoError(t, err)
	assert.True(t, res2.Completed)
	assert.Equal(t, res.RunID, res2.RunID)
	require.Len(t, res2.Steps, 2)
	assert.Equal(t, "Draft", res2.Steps[0].Action)
	assert.Len(t, f.dispatcher.calls(), 4)
}

func TestExecutePausesAtGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.toExecute(t, "Deploy service", step("Build"), gateStep("Approve rollout"), step("Roll out"))

	res, err := f.engine.Execute(ctx, s.ID, ExecuteOptions{})
	require.NoError(t, err)
	assert.True(t, res.Paused)
	require.NotEmpty(t, res.GateID)
	assert.Equal(t, 2, res.Session.PendingGateStep)
	assert.Equal(t, StageExecute, res.Session.Stage)
	assert.Len(t, f.dispatcher.calls(), 1)

	gate := f.node(t, res.GateID)
	assert.Equal(t, "pending", gate.Status)
	assert.Equal(t, "step", gate.Metadata["gate_type"])
	assert.Equal(t, "paused", f.node(t, res.RunID).Status)
	gated := f.edges(t, res.RunID, graph.Outgoing, graph.EdgeGatedBy)
	require.Len(t, gated, 1)
	assert.Equal(t, gate.ID, gated[0].TargetID)
	assert.Len(t, f.events.ofType(events.IntakeGatePending), 1)

	_, err = f.engine.Execute(ctx, s.ID, ExecuteOptions{})
	assert.ErrorIs(t, err, ErrGatePending)

	resumed, err := f.engine.ResumeGate(ctx, s.ID, GateDecision{Approved: true, ApprovedBy: "ops"})
	require.NoError(t, err)
	assert.True(t, resumed.Completed)
	assert.Equal(t, StageVerify, resumed.Session.Stage)
	assert.Empty(t, resumed.Session.StepGateID)
	require.Len(t, resumed.Steps, 1)
	assert.Equal(t, "Roll out", resumed.Steps[0].Action)
	assert.Equal(t, "approved", f.node(t, gate.ID).Status)
	assert.Len(t, f.dispatcher.calls(), 2)
	assert.Len(t, resumed.Session.StepResults, 2)
}

func TestResumeGateKeepsExecuteOverrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.toExecute(t, "Deploy service", step("Build"), gateStep("Approve rollout"), step("Roll out"))

	res, err := f.engine.Execute(ctx, s.ID, ExecuteOptions{Runtime: "cli", AgentID: "deployer"})
	require.NoError(t, err)
	require.True(t, res.Paused)
	assert.Equal(t, "cli", res.Session.RunRuntime)
	assert.Equal(t, "deployer", res.Session.RunAgentID)

	_, err = f.engine.ResumeGate(ctx, s.ID, GateDecision{Approved: true, ApprovedBy: "ops"})
	require.NoError(t, err)

	calls := f.dispatcher.calls()
	require.Len(t, calls, 2)
	for _, req := range calls {
		assert.Equal(t, "cli", req.Runtime, req.Title)
		assert.Equal(t, "deployer", req.AgentID, req.Title)
	}
}

func TestResumeGateRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.toExecute(t, "Deploy service", gateStep("Approve rollout"), step("Roll out"))

	_, err := f.engine.ResumeGate(ctx, s.ID, GateDecision{Approved: true})
	assert.ErrorIs(t, err, ErrNoPendingGate)

	res, err := f.engine.Execute(ctx, s.ID, ExecuteOptions{})
	require.NoError(t, err)
	require.True(t, res.Paused)
	assert.Empty(t, f.dispatcher.calls())

	rejected, err := f.engine.ResumeGate(ctx, s.ID, GateDecision{Approved: false, ApprovedBy: "ops"})
	require.NoError(t, err)
	assert.True(t, rejected.Failed)
	assert.Equal(t, StageExecute, rejected.Session.Stage)
	assert.Empty(t, rejected.Session.RunID)
	assert.Equal(t, "rejected", f.node(t, res.GateID).Status)
	assert.Equal(t, "canceled", f.node(t, res.RunID).Status)
	assert.Equal(t, "blocked", f.node(t, s.TaskID).Status)

	// A fresh Execute starts a new run from the first step.
	again, err := f.engine.Execute(ctx, s.ID, ExecuteOptions{})
	require.NoError(t, err)
	assert.True(t, again.Paused)
	assert.NotEqual(t, res.RunID, again.RunID)
}

func TestExecuteWithoutDispatcher(t *testing.T) {
	f := newFixture(t)
	s := f.toExecute(t, "Write changelog", step("Draft"))

	eng, err := NewEngine(Deps{Graph: f.graph, Sessions: f.engine.sessions})
	require.NoError(t, err)
	_, err = eng.Execute(context.Background(), s.ID, ExecuteOptions{})
	require.Error(t, err)
	_, err = eng.Execute(context.Background(), s.ID, ExecuteOptions{Defer: true})
	require.Error(t, err)

	got, err := eng.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Empty(t, got.RunID)
}

func TestExecuteDeferred(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobs := scheduler.NewJobStore(f.db, nil)
	gen := scheduler.NewGenerator(f.graph, jobs, f.events, nil)
	reg, err := dispatch.NewRegistry(dispatch.MockRuntime{})
	require.NoError(t, err)
	disp := dispatch.NewDispatcher(reg, f.graph, f.events, nil)
	sched := scheduler.NewScheduler(jobs, disp, f.events, nil, scheduler.Options{})

	eng, err := NewEngine(Deps{
		Graph:      f.graph,
		LLM:        f.llm,
		Dispatcher: f.dispatcher,
		Deferrer:   gen,
		Jobs:       jobs,
		Emitter:    f.events,
	})
	require.NoError(t, err)
	f.engine = eng

	s := f.toExecute(t, "Write changelog", step("Collect"), gateStep("Review"), step("Publish"))

	// A Monday morning in the past, so every job is already due.
	runAt := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	res, err := f.engine.Execute(ctx, s.ID, ExecuteOptions{Defer: true, RunAt: runAt, AgentID: "writer"})
	require.NoError(t, err)
	require.Len(t, res.Deferred, 2)
	assert.Equal(t, 2, res.Pending)
	assert.Len(t, res.Session.DeferredJobIDs, 2)
	assert.Equal(t, StageExecute, res.Session.Stage)
	assert.Equal(t, "scheduled", f.node(t, res.RunID).Status)
	assert.Empty(t, f.dispatcher.calls())

	for _, j := range res.Deferred {
		assert.Equal(t, res.RunID, j.Payload["run_id"])
		assert.Equal(t, s.ID, j.Payload["session_id"])
		assert.Equal(t, "writer", j.AgentID)
	}

	_, err = f.engine.Execute(ctx, s.ID, ExecuteOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	pending, err := f.engine.CompleteDeferred(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, pending.Pending)
	assert.Equal(t, StageExecute, pending.Session.Stage)

	cycle, err := sched.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cycle.Completed)

	done, err := f.engine.CompleteDeferred(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, done.Completed)
	assert.Equal(t, StageVerify, done.Session.Stage)
	assert.Empty(t, done.Session.DeferredJobIDs)
	require.Len(t, done.Steps, 2)
	assert.Equal(t, "mock", done.Steps[0].Runtime)

	traces := f.edges(t, res.RunID, graph.Outgoing, graph.EdgeHasTrace)
	assert.Len(t, traces, 2)
	assert.Equal(t, "completed", f.node(t, res.RunID).Status)
}

func TestCompleteDeferredFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobs := scheduler.NewJobStore(f.db, nil)
	eng, err := NewEngine(Deps{
		Graph:    f.graph,
		LLM:      f.llm,
		Deferrer: scheduler.NewGenerator(f.graph, jobs, nil, nil),
		Jobs:     jobs,
	})
	require.NoError(t, err)
	f.engine = eng

	s := f.toExecute(t, "Write changelog", step("Draft"))

	_, err = f.engine.CompleteDeferred(ctx, s.ID)
	assert.ErrorIs(t, err, ErrInvalidInput)

	res, err := f.engine.Execute(ctx, s.ID, ExecuteOptions{Defer: true, RunAt: time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Len(t, res.Deferred, 1)
	_, err = jobs.CancelJob(ctx, res.Deferred[0].ID)
	require.NoError(t, err)

	out, err := f.engine.CompleteDeferred(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, out.Failed)
	assert.Equal(t, "failed", f.node(t, res.RunID).Status)
	assert.Equal(t, "blocked", f.node(t, s.TaskID).Status)
	assert.Equal(t, StageExecute, out.Session.Stage)
}

func TestDeferredRetryReschedulesFailedSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobs := scheduler.NewJobStore(f.db, nil)
	eng, err := NewEngine(Deps{
		Graph:    f.graph,
		LLM:      f.llm,
		Deferrer: scheduler.NewGenerator(f.graph, jobs, nil, nil),
		Jobs:     jobs,
	})
	require.NoError(t, err)
	f.engine = eng

	s := f.toExecute(t, "Write changelog", step("Collect"), step("Publish"))
	runAt := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	later := time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC)

	first, err := f.engine.Execute(ctx, s.ID, ExecuteOptions{Defer: true, RunAt: runAt})
	require.NoError(t, err)
	require.Len(t, first.Deferred, 2)

	claimed, err := jobs.ClaimDueJobs(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, j := range claimed {
		if j.StepOrder == 1 {
			_, err = jobs.CompleteJob(ctx, j.ID)
		} else {
			_, err = jobs.FailJob(ctx, j.ID, "agent crashed")
		}
		require.NoError(t, err)
	}

	failed, err := f.engine.CompleteDeferred(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, failed.Failed)

	retry, err := f.engine.Execute(ctx, s.ID, ExecuteOptions{Defer: true, RunAt: runAt})
	require.NoError(t, err)
	assert.Equal(t, first.RunID, retry.RunID)
	require.Len(t, retry.Deferred, 1, "only the failed step is scheduled again")
	assert.Equal(t, 2, retry.Deferred[0].StepOrder)
	assert.Equal(t, 2, retry.Pending)

	pending, err := f.engine.CompleteDeferred(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, pending.Failed, "old failed jobs are no longer tracked")
	assert.Equal(t, 1, pending.Pending)

	claimed, err = jobs.ClaimDueJobs(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = jobs.CompleteJob(ctx, claimed[0].ID)
	require.NoError(t, err)

	done, err := f.engine.CompleteDeferred(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, done.Completed)
	require.Len(t, done.Steps, 2)
	assert.Equal(t, 1, done.Steps[0].Order)
	assert.Equal(t, 2, done.Steps[1].Order)
	assert.Equal(t, "completed", f.node(t, first.RunID).Status)
}
