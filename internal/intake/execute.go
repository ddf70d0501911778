package intake

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/machPoint/pm-net/internal/dispatch"
	"github.com/machPoint/pm-net/internal/events"
	"github.com/machPoint/pm-net/internal/graph"
	"github.com/machPoint/pm-net/internal/scheduler"
)

// MaxStepOutputBytes caps the output copied into a step's decision_trace node.
const MaxStepOutputBytes = 4000

var errNoDispatcher = errors.New("intake engine has no dispatcher")

// ExecuteOptions controls how the approved plan runs.
type ExecuteOptions struct {
	// Defer schedules the remaining steps as jobs instead of running them now.
	Defer bool
	// RunAt is the earliest slot for deferred jobs; zero means now.
	RunAt   time.Time
	Runtime string
	AgentID string
}

// GateDecision resolves a pending step gate.
type GateDecision struct {
	Approved   bool
	ApprovedBy string
}

// ExecuteResult reports what one Execute, ResumeGate or CompleteDeferred call did.
type ExecuteResult struct {
	Session *Session     `json:"session"`
	RunID   string       `json:"run_id"`
	Steps   []StepResult `json:"steps,omitempty"`
	// Paused is set when execution stopped at an approval gate.
	Paused bool   `json:"paused"`
	GateID string `json:"gate_id,omitempty"`
	Failed bool   `json:"failed"`
	// Completed is set once every step has run and the session moved to verify.
	Completed  bool             `json:"completed"`
	TemplateID string           `json:"template_id,omitempty"`
	Deferred   []*scheduler.Job `json:"deferred,omitempty"`
	// Pending counts deferred jobs that have not finished yet.
	Pending int `json:"pending,omitempty"`
}

// Execute runs the approved plan. Synchronously, steps are dispatched in
// order until a gate pauses the run, a step fails or every step is done. With
// Defer the remaining steps become scheduled jobs and the session waits for
// CompleteDeferred.
func (e *Engine) Execute(ctx context.Context, sessionID string, opts ExecuteOptions) (*ExecuteResult, error) {
	result := &ExecuteResult{}
	s, err := e.withSession(sessionID, "Execute", []Stage{StageExecute}, func(s *Session) error {
		if s.StepGateID != "" {
			return fmt.Errorf("%w: gate %s", ErrGatePending, s.StepGateID)
		}
		if len(s.DeferredJobIDs) > 0 {
			return fmt.Errorf("%w: steps are deferred to the scheduler, call CompleteDeferred", ErrInvalidInput)
		}
		if opts.Defer && e.deferrer == nil {
			return fmt.Errorf("intake engine has no step scheduler")
		}
		if !opts.Defer && e.dispatcher == nil {
			return errNoDispatcher
		}

		task, err := e.task(ctx, s)
		if err != nil {
			return err
		}
		plan, steps, err := e.plan(ctx, s)
		if err != nil {
			return err
		}
		steps = graph.NormalizeSteps(steps)
		if len(steps) == 0 {
			return fmt.Errorf("%w: plan %s", ErrEmptyPlan, plan.ID)
		}

		if err := e.startRun(ctx, s, task, plan); err != nil {
			return err
		}
		result.RunID = s.RunID
		s.RunRuntime = opts.Runtime
		s.RunAgentID = opts.AgentID

		if opts.Defer {
			return e.deferSteps(ctx, s, task, plan, steps, opts, result)
		}
		return e.runSteps(ctx, s, task, plan, steps, opts, result)
	})
	if err != nil {
		return nil, err
	}
	result.Session = s
	return result, nil
}

// startRun creates the run node, or puts an existing one back to running.
func (e *Engine) startRun(ctx context.Context, s *Session, task, plan *graph.Node) error {
	if s.RunID != "" {
		if _, err := e.setStatus(ctx, s.RunID, "running", s.CreatedBy, nil); err != nil {
			return err
		}
		_, err := e.setStatus(ctx, task.ID, "in_progress", s.CreatedBy, nil)
		return err
	}

	run, err := e.graph.CreateNode(ctx, graph.NodeInput{
		NodeType: graph.NodeRun,
		Title:    "Run: " + task.Title,
		Status:   "running",
		Metadata: map[string]any{
			"plan_id":    plan.ID,
			"task_id":    task.ID,
			"session_id": s.ID,
			"started_at": e.now().UTC().Format(time.RFC3339),
		},
		CreatedBy: s.CreatedBy,
	})
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	if err := e.link(ctx, graph.EdgeHasRun, task.ID, run.ID, s.CreatedBy); err != nil {
		return err
	}
	if err := e.link(ctx, graph.EdgeExecutes, run.ID, plan.ID, s.CreatedBy); err != nil {
		return err
	}
	if _, err := e.setStatus(ctx, task.ID, "in_progress", s.CreatedBy, nil); err != nil {
		return err
	}
	s.RunID = run.ID
	s.NextStep = 0
	s.StepResults = nil
	return nil
}

func (e *Engine) runSteps(ctx context.Context, s *Session, task, plan *graph.Node, steps []graph.Step, opts ExecuteOptions, result *ExecuteResult) error {
	for s.NextStep < len(steps) {
		step := steps[s.NextStep]

		if step.StepType == graph.StepApprovalGate {
			return e.pauseAtGate(ctx, s, step, result)
		}

		sr, err := e.runStep(ctx, s, task, plan, step, len(steps), opts)
		if err != nil {
			return err
		}
		s.StepResults = append(s.StepResults, sr)
		result.Steps = append(result.Steps, sr)

		if !sr.Success {
			return e.failRun(ctx, s, fmt.Sprintf("step %d failed: %s", step.Order, dispatch.Truncate(sr.Output, 500)), result)
		}
		s.NextStep++
	}
	return e.finalizeExecution(ctx, s, task, steps, result)
}

func (e *Engine) pauseAtGate(ctx context.Context, s *Session, step graph.Step, result *ExecuteResult) error {
	gate, err := e.graph.CreateNode(ctx, graph.NodeInput{
		NodeType: graph.NodeGate,
		Title:    fmt.Sprintf("Approve step %d: %s", step.Order, step.Action),
		Status:   "pending",
		Metadata: map[string]any{
			"gate_type":  "step",
			"run_id":     s.RunID,
			"step_order": step.Order,
			"session_id": s.ID,
		},
		CreatedBy: s.CreatedBy,
	})
	if err != nil {
		return fmt.Errorf("failed to create gate: %w", err)
	}
	if err := e.link(ctx, graph.EdgeGatedBy, s.RunID, gate.ID, s.CreatedBy); err != nil {
		return err
	}
	if _, err := e.setStatus(ctx, s.RunID, "paused", s.CreatedBy, map[string]any{"pending_gate_step": step.Order}); err != nil {
		return err
	}

	s.PendingGateStep = step.Order
	s.StepGateID = gate.ID
	result.Paused = true
	result.GateID = gate.ID

	e.emit(s, events.IntakeGatePending, fmt.Sprintf("Waiting on approval for step %d", step.Order), map[string]any{
		"gate_id":    gate.ID,
		"run_id":     s.RunID,
		"step_order": step.Order,
	})
	return nil
}

func (e *Engine) runStep(ctx context.Context, s *Session, task, plan *graph.Node, step graph.Step, total int, opts ExecuteOptions) (StepResult, error) {
	agent := opts.AgentID
	if agent == "" {
		agent = s.AgentID
	}

	res := e.dispatcher.Dispatch(ctx, dispatch.Request{
		Title:     step.Action,
		Prompt:    stepPrompt(task, step, total),
		AgentID:   agent,
		SessionID: s.ID,
		Caller:    "intake",
		Runtime:   opts.Runtime,
		Metadata: map[string]any{
			"run_id":     s.RunID,
			"task_id":    task.ID,
			"plan_id":    plan.ID,
			"step_order": step.Order,
		},
	}, dispatch.Options{})

	calls := make([]any, 0, len(res.ToolCalls))
	for _, tc := range res.ToolCalls {
		calls = append(calls, map[string]any{"id": tc.ID, "name": tc.Name, "arguments": tc.Arguments, "result": tc.Result, "error": tc.Error})
	}
	status := "completed"
	if !res.Success {
		status = "failed"
	}

	trace, err := e.graph.CreateNode(ctx, graph.NodeInput{
		NodeType: graph.NodeDecisionTrace,
		Title:    fmt.Sprintf("Step %d: %s", step.Order, step.Action),
		Status:   status,
		Metadata: map[string]any{
			"action":      step.Action,
			"tool":        step.Tool,
			"success":     res.Success,
			"duration_ms": res.DurationMs,
			"output":      dispatch.Truncate(res.Output, MaxStepOutputBytes),
			"runtime":     res.Runtime,
			"model":       res.Model,
			"caller":      "intake",
			"session_id":  s.ID,
			"step_order":  step.Order,
			"tool_calls":  calls,
		},
		CreatedBy: s.CreatedBy,
	})
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to record step trace: %w", err)
	}
	if err := e.link(ctx, graph.EdgeHasTrace, s.RunID, trace.ID, s.CreatedBy); err != nil {
		return StepResult{}, err
	}

	sr := StepResult{
		Order:      step.Order,
		Action:     step.Action,
		Success:    res.Success,
		Output:     dispatch.Truncate(res.Output, MaxStepOutputBytes),
		Runtime:    res.Runtime,
		DurationMs: res.DurationMs,
		TraceID:    trace.ID,
	}
	e.emit(s, events.IntakeStepCompleted, fmt.Sprintf("Step %d %s", step.Order, status), map[string]any{
		"run_id":      s.RunID,
		"step_order":  step.Order,
		"success":     res.Success,
		"runtime":     res.Runtime,
		"duration_ms": res.DurationMs,
		"trace_id":    trace.ID,
	})
	return sr, nil
}

func stepPrompt(task *graph.Node, step graph.Step, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Context: %s\n", task.Description)
	}
	fmt.Fprintf(&b, "Step %d of %d: %s\n", step.Order, total, step.Action)
	if step.ExpectedOutcome != "" {
		fmt.Fprintf(&b, "Expected outcome: %s\n", step.ExpectedOutcome)
	}
	if step.Tool != "" {
		fmt.Fprintf(&b, "Suggested tool: %s\n", step.Tool)
	}
	b.WriteString("\nComplete this step and report what you did.")
	return b.String()
}

func (e *Engine) failRun(ctx context.Context, s *Session, reason string, result *ExecuteResult) error {
	if _, err := e.setStatus(ctx, s.RunID, "failed", s.CreatedBy, map[string]any{"error": reason}); err != nil {
		return err
	}
	if _, err := e.setStatus(ctx, s.TaskID, "blocked", s.CreatedBy, nil); err != nil {
		return err
	}
	result.Failed = true
	e.logger.Warn("intake run failed", "session_id", s.ID, "run_id", s.RunID, "reason", reason)
	e.emit(s, events.IntakeRunFailed, "Run failed", map[string]any{
		"run_id": s.RunID,
		"error":  reason,
	})
	return nil
}

// finalizeExecution closes the run, records the task as a reusable template
// and moves the session to verify.
func (e *Engine) finalizeExecution(ctx context.Context, s *Session, task *graph.Node, steps []graph.Step, result *ExecuteResult) error {
	if _, err := e.setStatus(ctx, s.RunID, "completed", s.CreatedBy, map[string]any{
		"completed_at": e.now().UTC().Format(time.RFC3339),
		"steps_run":    len(s.StepResults),
	}); err != nil {
		return err
	}
	if _, err := e.setStatus(ctx, task.ID, "done", s.CreatedBy, nil); err != nil {
		return err
	}

	if s.ProjectID != "" {
		parents, err := e.graph.ListEdges(ctx, graph.EdgeFilter{
			NodeID:    task.ID,
			Direction: graph.Incoming,
			Types:     []string{graph.EdgeParentOf},
		})
		if err != nil {
			return fmt.Errorf("failed to list task parents: %w", err)
		}
		if len(parents) == 0 {
			if err := e.link(ctx, graph.EdgeParentOf, s.ProjectID, task.ID, s.CreatedBy); err != nil {
				return err
			}
		}
	}

	tmpl, err := e.graph.CreateNode(ctx, graph.NodeInput{
		NodeType:    graph.NodeTask,
		Title:       task.Title,
		Description: task.Description,
		Status:      "template",
		Metadata: map[string]any{
			"is_template":    true,
			"template_steps": graph.StepsMetadata(steps),
			"source_task":    task.ID,
			"source_run":     s.RunID,
		},
		CreatedBy: s.CreatedBy,
	})
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	if err := e.link(ctx, graph.EdgeTemplatedAs, task.ID, tmpl.ID, s.CreatedBy); err != nil {
		return err
	}

	result.Completed = true
	result.TemplateID = tmpl.ID
	s.Stage = StageVerify

	e.emit(s, events.IntakeRunCompleted, fmt.Sprintf("Run completed: %d steps", len(s.StepResults)), map[string]any{
		"run_id":      s.RunID,
		"template_id": tmpl.ID,
	})
	return nil
}

func (e *Engine) deferSteps(ctx context.Context, s *Session, task, plan *graph.Node, steps []graph.Step, opts ExecuteOptions, result *ExecuteResult) error {
	agent := opts.AgentID
	if agent == "" {
		agent = s.AgentID
	}
	remaining := steps[s.NextStep:]

	created, skipped, err := e.deferrer.ScheduleSteps(ctx, scheduler.StepJobsInput{
		ProjectID: s.ProjectID,
		TaskID:    task.ID,
		TaskTitle: task.Title,
		PlanID:    plan.ID,
		RunID:     s.RunID,
		SessionID: s.ID,
		Context:   task.Description,
		Steps:     remaining,
		Start:     opts.RunAt,
		AgentID:   agent,
		Runtime:   opts.Runtime,
	})
	if err != nil {
		return fmt.Errorf("failed to schedule steps: %w", err)
	}
	if len(created) == 0 && skipped == 0 {
		return fmt.Errorf("%w: no remaining steps can be scheduled", ErrEmptyPlan)
	}

	if _, err := e.setStatus(ctx, s.RunID, "scheduled", s.CreatedBy, map[string]any{"deferred_jobs": len(created) + skipped}); err != nil {
		return err
	}

	// Steps completed or still queued by an earlier attempt of this run keep
	// their jobs; failed and canceled ones were just scheduled again.
	jobs, err := e.runJobs(ctx, s)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if j.Status != scheduler.StatusFailed && j.Status != scheduler.StatusCanceled {
			ids = append(ids, j.ID)
		}
	}
	if e.jobs == nil {
		for _, j := range created {
			ids = append(ids, j.ID)
		}
	}
	s.DeferredJobIDs = ids
	result.Deferred = created
	result.Pending = len(ids)

	e.logger.Info("intake steps deferred", "session_id", s.ID, "run_id", s.RunID, "created", len(created), "skipped", skipped)
	return nil
}

// runJobs returns every job of the session's current run. Without a job
// reader it returns nil.
func (e *Engine) runJobs(ctx context.Context, s *Session) ([]*scheduler.Job, error) {
	if e.jobs == nil {
		return nil, nil
	}
	all, err := e.jobs.ListJobs(ctx, scheduler.JobFilter{TaskID: s.TaskID})
	if err != nil {
		return nil, fmt.Errorf("failed to list deferred jobs: %w", err)
	}
	var out []*scheduler.Job
	for _, j := range all {
		if graph.StringMeta(j.Payload, "run_id") == s.RunID {
			out = append(out, j)
		}
	}
	return out, nil
}

// deferredJobs returns the jobs tracked by the latest deferral, ordered by
// step.
func (e *Engine) deferredJobs(ctx context.Context, s *Session) ([]*scheduler.Job, error) {
	all, err := e.runJobs(ctx, s)
	if err != nil {
		return nil, err
	}
	out := make([]*scheduler.Job, 0, len(s.DeferredJobIDs))
	for _, j := range all {
		if slices.Contains(s.DeferredJobIDs, j.ID) {
			out = append(out, j)
		}
	}
	slices.SortStableFunc(out, func(a, b *scheduler.Job) int { return a.StepOrder - b.StepOrder })
	return out, nil
}

// CompleteDeferred checks the jobs created by a deferred Execute. While any
// job is still scheduled or running the session is unchanged apart from the
// reported Pending count. A failed or canceled job fails the run; when every
// job completed the run is finalized like a synchronous one.
func (e *Engine) CompleteDeferred(ctx context.Context, sessionID string) (*ExecuteResult, error) {
	result := &ExecuteResult{}
	s, err := e.withSession(sessionID, "CompleteDeferred", []Stage{StageExecute}, func(s *Session) error {
		if len(s.DeferredJobIDs) == 0 {
			return fmt.Errorf("%w: no deferred steps", ErrInvalidInput)
		}
		if e.jobs == nil {
			return fmt.Errorf("intake engine has no job reader")
		}
		result.RunID = s.RunID

		jobs, err := e.deferredJobs(ctx, s)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return fmt.Errorf("%w: no jobs found for run %s", ErrInvalidInput, s.RunID)
		}

		var failed []string
		for _, j := range jobs {
			switch j.Status {
			case scheduler.StatusScheduled, scheduler.StatusRunning:
				result.Pending++
			case scheduler.StatusFailed, scheduler.StatusCanceled:
				failed = append(failed, fmt.Sprintf("step %d %s", j.StepOrder, j.Status))
			}
		}
		if result.Pending > 0 {
			return nil
		}
		if len(failed) > 0 {
			s.DeferredJobIDs = nil
			return e.failRun(ctx, s, strings.Join(failed, "; "), result)
		}

		task, err := e.task(ctx, s)
		if err != nil {
			return err
		}
		_, steps, err := e.plan(ctx, s)
		if err != nil {
			return err
		}

		for _, j := range jobs {
			traces, err := e.graph.ListNodes(ctx, graph.NodeFilter{
				Types:    []string{graph.NodeDecisionTrace},
				Metadata: map[string]any{"job_id": j.ID},
			})
			if err != nil {
				return fmt.Errorf("failed to find traces for job %s: %w", j.ID, err)
			}
			sr := StepResult{Order: j.StepOrder, Action: j.Title, Success: true, Runtime: j.Runtime}
			for _, tr := range traces {
				if err := e.link(ctx, graph.EdgeHasTrace, s.RunID, tr.ID, s.CreatedBy); err != nil {
					return err
				}
				sr.TraceID = tr.ID
				sr.Runtime = graph.StringMeta(tr.Metadata, "runtime")
				sr.DurationMs = int64(graph.IntMeta(tr.Metadata, "duration_ms"))
			}
			s.StepResults = append(s.StepResults, sr)
			result.Steps = append(result.Steps, sr)
		}

		s.DeferredJobIDs = nil
		s.NextStep = len(steps)
		return e.finalizeExecution(ctx, s, task, graph.NormalizeSteps(steps), result)
	})
	if err != nil {
		return nil, err
	}
	result.Session = s
	return result, nil
}

// ResumeGate resolves the step gate execution is waiting on. Approval
// continues with the step after the gate; rejection cancels the run and
// blocks the task, leaving the session ready for a fresh Execute.
func (e *Engine) ResumeGate(ctx context.Context, sessionID string, d GateDecision) (*ExecuteResult, error) {
	result := &ExecuteResult{}
	s, err := e.withSession(sessionID, "ResumeGate", []Stage{StageExecute}, func(s *Session) error {
		if s.StepGateID == "" {
			return ErrNoPendingGate
		}
		actor := d.ApprovedBy
		if actor == "" {
			actor = s.CreatedBy
		}
		result.RunID = s.RunID

		if !d.Approved {
			if _, err := e.setStatus(ctx, s.StepGateID, "rejected", actor, map[string]any{"decided_by": actor}); err != nil {
				return err
			}
			if _, err := e.setStatus(ctx, s.RunID, "canceled", actor, map[string]any{"canceled_at_step": s.PendingGateStep}); err != nil {
				return err
			}
			if _, err := e.setStatus(ctx, s.TaskID, "blocked", actor, nil); err != nil {
				return err
			}
			e.emit(s, events.IntakeRunFailed, fmt.Sprintf("Gate at step %d rejected", s.PendingGateStep), map[string]any{
				"run_id":  s.RunID,
				"gate_id": s.StepGateID,
			})
			result.Failed = true
			s.StepGateID = ""
			s.PendingGateStep = 0
			s.RunID = ""
			s.NextStep = 0
			return nil
		}

		if e.dispatcher == nil {
			return errNoDispatcher
		}
		if _, err := e.setStatus(ctx, s.StepGateID, "approved", actor, map[string]any{"approved_by": actor}); err != nil {
			return err
		}
		s.StepGateID = ""
		s.PendingGateStep = 0
		s.NextStep++

		task, err := e.task(ctx, s)
		if err != nil {
			return err
		}
		plan, steps, err := e.plan(ctx, s)
		if err != nil {
			return err
		}
		if _, err := e.setStatus(ctx, s.RunID, "running", actor, nil); err != nil {
			return err
		}
		opts := ExecuteOptions{Runtime: s.RunRuntime, AgentID: s.RunAgentID}
		return e.runSteps(ctx, s, task, plan, graph.NormalizeSteps(steps), opts, result)
	})
	if err != nil {
		return nil, err
	}
	result.Session = s
	return result, nil
}
