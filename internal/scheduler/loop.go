package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/machPoint/pm-net/internal/dispatch"
	"github.com/machPoint/pm-net/internal/events"
	"github.com/machPoint/pm-net/internal/idempotency"
	"github.com/machPoint/pm-net/internal/store"
)

const (
	// DefaultInterval is the time between dispatch cycles.
	DefaultInterval = 60 * time.Second
	// DefaultFetchLimit caps the jobs claimed per cycle.
	DefaultFetchLimit = 25
)

// Dispatcher runs one unit of agent work. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request, opts dispatch.Options) dispatch.Result
}

// Options configures the dispatch loop.
type Options struct {
	Interval   time.Duration
	FetchLimit int
}

// JobOutcome is the result of dispatching one claimed job.
type JobOutcome struct {
	JobID     string `json:"job_id"`
	Title     string `json:"title"`
	Success   bool   `json:"success"`
	Runtime   string `json:"runtime"`
	Error     string `json:"error,omitempty"`
	NextJobID string `json:"next_job_id,omitempty"`
}

// CycleResult summarizes one RunDue call. Each job is handled independently;
// a failure is counted, never fatal to the cycle.
type CycleResult struct {
	Claimed     int          `json:"claimed"`
	Completed   int          `json:"completed"`
	Failed      int          `json:"failed"`
	Rescheduled int          `json:"rescheduled"`
	Jobs        []JobOutcome `json:"jobs"`
}

// Scheduler dispatches due jobs.
type Scheduler struct {
	jobs       *JobStore
	dispatcher Dispatcher
	emitter    events.Emitter
	logger     *slog.Logger
	interval   time.Duration
	fetchLimit int
	now        func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewScheduler creates a dispatch loop over jobs.
func NewScheduler(jobs *JobStore, dispatcher Dispatcher, emitter events.Emitter, logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = DefaultFetchLimit
	}
	return &Scheduler{
		jobs:       jobs,
		dispatcher: dispatcher,
		emitter:    emitter,
		logger:     logger,
		interval:   opts.Interval,
		fetchLimit: opts.FetchLimit,
		now:        time.Now,
	}
}

// RunDue claims due jobs and dispatches them one after another.
func (s *Scheduler) RunDue(ctx context.Context) (*CycleResult, error) {
	now := s.now()
	claimed, err := s.jobs.ClaimDueJobs(ctx, now, s.fetchLimit)
	if err != nil {
		return nil, err
	}

	result := &CycleResult{Claimed: len(claimed), Jobs: []JobOutcome{}}
	for _, job := range claimed {
		if err := ctx.Err(); err != nil {
			// Leave the remaining claimed jobs failed rather than stuck in running.
			s.fail(context.WithoutCancel(ctx), job, fmt.Sprintf("cycle interrupted: %v", err), result)
			continue
		}
		s.runJob(ctx, job, result)
	}

	if result.Claimed > 0 {
		s.logger.Info("scheduler cycle finished",
			"claimed", result.Claimed,
			"completed", result.Completed,
			"failed", result.Failed,
			"rescheduled", result.Rescheduled)
	}
	events.Emit(s.emitter, events.Event{
		Type:    events.SchedulerCycle,
		Actor:   "scheduler",
		Summary: fmt.Sprintf("Dispatched %d jobs: %d completed, %d failed", result.Claimed, result.Completed, result.Failed),
		Data: map[string]any{
			"claimed":     result.Claimed,
			"completed":   result.Completed,
			"failed":      result.Failed,
			"rescheduled": result.Rescheduled,
		},
	})
	return result, nil
}

func (s *Scheduler) runJob(ctx context.Context, job *Job, result *CycleResult) {
	s.logger.Debug("dispatching job", "job_id", job.ID, "title", job.Title, "attempt", job.AttemptCount+1)

	metadata := map[string]any{
		"job_id":     job.ID,
		"step_order": job.StepOrder,
	}
	if job.TaskID != "" {
		metadata["task_id"] = job.TaskID
	}
	if job.ProjectID != "" {
		metadata["project_id"] = job.ProjectID
	}
	sessionID, _ := job.Payload["session_id"].(string)

	res := s.dispatcher.Dispatch(ctx, dispatch.Request{
		Title:     job.Title,
		Prompt:    BuildPrompt(job),
		AgentID:   job.AgentID,
		SessionID: sessionID,
		Caller:    "scheduler",
		Runtime:   job.Runtime,
		Metadata:  metadata,
	}, dispatch.Options{LogToGraph: true})

	// The job row must leave running even when ctx was canceled mid-dispatch.
	bookkeeping := context.WithoutCancel(ctx)

	if !res.Success {
		s.fail(bookkeeping, job, res.Output, result)
		return
	}

	if _, err := s.jobs.CompleteJob(bookkeeping, job.ID); err != nil {
		if errors.Is(err, ErrJobState) {
			s.logger.Warn("job changed state during dispatch", "job_id", job.ID, "error", err)
			result.Jobs = append(result.Jobs, JobOutcome{JobID: job.ID, Title: job.Title, Runtime: res.Runtime, Error: err.Error()})
			return
		}
		s.logger.Error("failed to mark job completed", "job_id", job.ID, "error", err)
		result.Failed++
		result.Jobs = append(result.Jobs, JobOutcome{JobID: job.ID, Title: job.Title, Runtime: res.Runtime, Error: err.Error()})
		return
	}

	outcome := JobOutcome{JobID: job.ID, Title: job.Title, Success: true, Runtime: res.Runtime}
	if job.RecurrenceCron != "" {
		next, err := s.reschedule(bookkeeping, job)
		if err != nil {
			s.logger.Warn("failed to schedule recurrence", "job_id", job.ID, "cron", job.RecurrenceCron, "error", err)
		} else if next != nil {
			outcome.NextJobID = next.ID
			result.Rescheduled++
		}
	}
	result.Completed++
	result.Jobs = append(result.Jobs, outcome)

	events.Emit(s.emitter, events.Event{
		Type:       events.SchedulerJobCompleted,
		EntityType: "job",
		EntityID:   job.ID,
		SessionID:  sessionID,
		Actor:      "scheduler",
		Summary:    fmt.Sprintf("Job completed: %s", job.Title),
		Data: map[string]any{
			"task_id":     job.TaskID,
			"step_order":  job.StepOrder,
			"runtime":     res.Runtime,
			"duration_ms": res.DurationMs,
			"next_job_id": outcome.NextJobID,
		},
	})
}

func (s *Scheduler) fail(ctx context.Context, job *Job, reason string, result *CycleResult) {
	s.logger.Warn("job failed", "job_id", job.ID, "title", job.Title, "error", reason)
	if _, err := s.jobs.FailJob(ctx, job.ID, reason); errors.Is(err, ErrJobState) {
		s.logger.Warn("job changed state during dispatch", "job_id", job.ID, "error", err)
	} else if err != nil {
		s.logger.Error("failed to mark job failed", "job_id", job.ID, "error", err)
	}
	result.Failed++
	result.Jobs = append(result.Jobs, JobOutcome{JobID: job.ID, Title: job.Title, Runtime: dispatch.RuntimeNone, Error: reason})

	sessionID, _ := job.Payload["session_id"].(string)
	events.Emit(s.emitter, events.Event{
		Type:       events.SchedulerJobFailed,
		EntityType: "job",
		EntityID:   job.ID,
		SessionID:  sessionID,
		Actor:      "scheduler",
		Summary:    fmt.Sprintf("Job failed: %s", job.Title),
		Data: map[string]any{
			"task_id":    job.TaskID,
			"step_order": job.StepOrder,
			"error":      reason,
		},
	})
}

// reschedule creates the next occurrence of a recurring job as a new row.
func (s *Scheduler) reschedule(ctx context.Context, job *Job) (*Job, error) {
	next, err := NextOccurrence(job.RecurrenceCron, s.now())
	if err != nil {
		return nil, err
	}

	parent := job.JobKey
	if parent == "" {
		parent = job.ID
	}
	key := idempotency.RecurrenceKey(parent, store.FormatTime(next))
	exists, err := s.jobs.JobExists(ctx, key)
	if err != nil || exists {
		return nil, err
	}

	return s.jobs.CreateJob(ctx, JobInput{
		ProjectID:      job.ProjectID,
		TaskID:         job.TaskID,
		StepOrder:      job.StepOrder,
		Title:          job.Title,
		Payload:        job.Payload,
		RunAt:          next,
		RecurrenceCron: job.RecurrenceCron,
		AgentID:        job.AgentID,
		Runtime:        job.Runtime,
		JobKey:         key,
	})
}

// BuildPrompt renders the instruction sent to an agent for a job.
func BuildPrompt(job *Job) string {
	field := func(key string) string {
		v, _ := job.Payload[key].(string)
		return strings.TrimSpace(v)
	}

	var b strings.Builder
	title := field("title")
	if title == "" {
		title = job.Title
	}
	fmt.Fprintf(&b, "Task: %s\n", title)

	action := field("action")
	if action == "" {
		action = job.Title
	}
	if job.StepOrder > 0 {
		fmt.Fprintf(&b, "Step %d: %s\n", job.StepOrder, action)
	} else {
		fmt.Fprintf(&b, "Action: %s\n", action)
	}
	if v := field("expected_outcome"); v != "" {
		fmt.Fprintf(&b, "Expected outcome: %s\n", v)
	}
	if v := field("tool"); v != "" {
		fmt.Fprintf(&b, "Suggested tool: %s\n", v)
	}
	if v := field("context"); v != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", v)
	}
	b.WriteString("\nComplete this step and report the result.")
	return b.String()
}

// Start runs RunDue every interval in a background goroutine until ctx is
// done or Stop is called. Cycles never overlap.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(loopCtx, s.done)
	s.logger.Info("scheduler started", "interval", s.interval, "fetch_limit", s.fetchLimit)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	if _, err := s.RunDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler cycle failed", "error", err)
	}
}

// Stop cancels the loop and waits for the current cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

// Run is Start followed by blocking until ctx is done. It suits errgroup
// supervision.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}
