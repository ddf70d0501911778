package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/machPoint/pm-net/internal/events"
	"github.com/machPoint/pm-net/internal/graph"
	"github.com/machPoint/pm-net/internal/idempotency"
)

// maxHierarchyDepth bounds the parent_of walk below a project.
const maxHierarchyDepth = 10

// HierarchyReader is the part of the graph store generation reads from.
type HierarchyReader interface {
	GetNode(ctx context.Context, id string, opts graph.GetOptions) (*graph.Node, error)
	Traverse(ctx context.Context, opts graph.TraverseOptions) (*graph.Subgraph, error)
	Neighbors(ctx context.Context, id string, dir graph.Direction, edgeTypes ...string) ([]*graph.Node, error)
}

// GenerateOptions controls one bulk generation.
type GenerateOptions struct {
	// Start is the earliest run time; zero means now.
	Start time.Time
	// ProfileID selects a stored profile; empty uses the project's profile
	// or DefaultProfile.
	ProfileID string
}

// GenerationResult summarizes a bulk generation.
type GenerationResult struct {
	RunID   string `json:"run_id"`
	Tasks   int    `json:"tasks"`
	Created []*Job `json:"created"`
	Skipped int    `json:"skipped"`
}

// StepJobsInput describes plan steps to defer for one task.
type StepJobsInput struct {
	ProjectID string
	TaskID    string
	TaskTitle string
	PlanID    string
	RunID     string
	SessionID string
	Context   string
	Steps     []graph.Step
	Start     time.Time
	AgentID   string
	Runtime   string
}

// Generator places plan steps onto the calendar as jobs.
type Generator struct {
	graph   HierarchyReader
	jobs    *JobStore
	emitter events.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewGenerator creates a generator.
func NewGenerator(g HierarchyReader, jobs *JobStore, emitter events.Emitter, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Generator{graph: g, jobs: jobs, emitter: emitter, logger: logger, now: time.Now}
}

// Generate walks the project's task hierarchy through parent_of edges and
// schedules every step of each task's approved plans. Steps that already have
// a job are skipped, so running it twice creates nothing new.
func (g *Generator) Generate(ctx context.Context, projectID string, opts GenerateOptions) (*GenerationResult, error) {
	project, err := g.graph.GetNode(ctx, projectID, graph.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}

	profile, err := g.profile(ctx, project.ID, opts.ProfileID)
	if err != nil {
		return nil, err
	}

	start := opts.Start
	if start.IsZero() {
		start = g.now()
	}
	cursor, err := newSlotCursor(profile, start)
	if err != nil {
		return nil, err
	}

	run, err := g.jobs.CreateRun(ctx, project.ID, profile.ID)
	if err != nil {
		return nil, err
	}

	result := &GenerationResult{RunID: run.ID, Created: []*Job{}}
	genErr := g.generate(ctx, project, cursor, result)

	run.JobsCreated = len(result.Created)
	run.JobsSkipped = result.Skipped
	if err := g.jobs.FinishRun(ctx, run, genErr); err != nil {
		g.logger.Warn("failed to record schedule run", "run_id", run.ID, "error", err)
	}
	if genErr != nil {
		return result, genErr
	}

	g.logger.Info("schedule generated",
		"project_id", project.ID,
		"tasks", result.Tasks,
		"created", len(result.Created),
		"skipped", result.Skipped)

	events.Emit(g.emitter, events.Event{
		Type:       events.SchedulerGenerated,
		EntityType: graph.NodeProject,
		EntityID:   project.ID,
		Summary:    fmt.Sprintf("Scheduled %d jobs for %s", len(result.Created), project.Title),
		Data: map[string]any{
			"run_id":  run.ID,
			"tasks":   result.Tasks,
			"created": len(result.Created),
			"skipped": result.Skipped,
		},
	})
	return result, nil
}

func (g *Generator) generate(ctx context.Context, project *graph.Node, cursor *slotCursor, result *GenerationResult) error {
	tree, err := g.graph.Traverse(ctx, graph.TraverseOptions{
		Start:     project.ID,
		Direction: graph.Outgoing,
		EdgeTypes: []string{graph.EdgeParentOf},
		MaxDepth:  maxHierarchyDepth,
	})
	if err != nil {
		return fmt.Errorf("failed to walk project hierarchy: %w", err)
	}

	for _, task := range tree.Nodes {
		if task.NodeType != graph.NodeTask || task.Status == "done" {
			continue
		}
		result.Tasks++

		plans, err := g.graph.Neighbors(ctx, task.ID, graph.Outgoing, graph.EdgeHasPlan)
		if err != nil {
			return fmt.Errorf("failed to load plans of task %s: %w", task.ID, err)
		}
		for _, plan := range plans {
			if plan.NodeType != graph.NodePlan || plan.Status != "approved" {
				continue
			}
			created, skipped, err := g.schedule(ctx, cursor, StepJobsInput{
				ProjectID: project.ID,
				TaskID:    task.ID,
				TaskTitle: task.Title,
				PlanID:    plan.ID,
				Context:   task.Description,
				Steps:     graph.StepsFromMetadata(plan.Metadata, "steps"),
			})
			result.Created = append(result.Created, created...)
			result.Skipped += skipped
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// ScheduleSteps defers the given steps of one task, placing them with the
// project's profile from in.Start onward.
func (g *Generator) ScheduleSteps(ctx context.Context, in StepJobsInput) ([]*Job, int, error) {
	profile, err := g.profile(ctx, in.ProjectID, "")
	if err != nil {
		return nil, 0, err
	}
	start := in.Start
	if start.IsZero() {
		start = g.now()
	}
	cursor, err := newSlotCursor(profile, start)
	if err != nil {
		return nil, 0, err
	}
	return g.schedule(ctx, cursor, in)
}

func (g *Generator) schedule(ctx context.Context, cursor *slotCursor, in StepJobsInput) ([]*Job, int, error) {
	var (
		created []*Job
		skipped int
	)
	for _, step := range in.Steps {
		// Gates wait for a person, not an agent.
		if step.StepType == graph.StepApprovalGate {
			continue
		}

		key := idempotency.JobKey(in.ProjectID, in.TaskID, in.PlanID, step.Order)
		exists, err := g.jobs.LiveJobExists(ctx, key)
		if err != nil {
			return created, skipped, err
		}
		if exists {
			skipped++
			continue
		}

		payload := map[string]any{
			"title":     in.TaskTitle,
			"action":    step.Action,
			"plan_id":   in.PlanID,
			"step_type": step.StepType,
		}
		if step.ExpectedOutcome != "" {
			payload["expected_outcome"] = step.ExpectedOutcome
		}
		if step.Tool != "" {
			payload["tool"] = step.Tool
		}
		if in.Context != "" {
			payload["context"] = in.Context
		}
		if in.RunID != "" {
			payload["run_id"] = in.RunID
		}
		if in.SessionID != "" {
			payload["session_id"] = in.SessionID
		}

		job, err := g.jobs.CreateJob(ctx, JobInput{
			ProjectID: in.ProjectID,
			TaskID:    in.TaskID,
			StepOrder: step.Order,
			Title:     step.Action,
			Payload:   payload,
			RunAt:     cursor.next(),
			AgentID:   in.AgentID,
			Runtime:   in.Runtime,
			JobKey:    key,
		})
		if err != nil {
			return created, skipped, fmt.Errorf("failed to schedule step %d of task %s: %w", step.Order, in.TaskID, err)
		}
		created = append(created, job)
	}
	return created, skipped, nil
}

func (g *Generator) profile(ctx context.Context, projectID, profileID string) (Profile, error) {
	if profileID != "" {
		p, err := g.jobs.GetProfile(ctx, profileID)
		if err != nil {
			return Profile{}, err
		}
		return *p, nil
	}
	if projectID != "" {
		p, err := g.jobs.ProfileForProject(ctx, projectID)
		if err == nil {
			return *p, nil
		}
		if !errors.Is(err, ErrProfileNotFound) {
			return Profile{}, err
		}
	}
	return DefaultProfile(), nil
}

// slotCursor hands out run times inside the profile's daily window.
type slotCursor struct {
	profile  Profile
	loc      *time.Location
	winStart time.Time
	winEnd   time.Time
	slot     time.Time
	used     int
}

func newSlotCursor(p Profile, start time.Time) (*slotCursor, error) {
	if p.SlotMinutes <= 0 {
		p.SlotMinutes = 60
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schedule profile: %w", err)
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, err
	}

	c := &slotCursor{profile: p, loc: loc}
	local := start.In(loc)
	c.openDay(local.Year(), local.Month(), local.Day())

	if local.After(c.winStart) {
		// Round up to the next slot boundary of the window.
		step := c.step()
		n := (local.Sub(c.winStart) + step - 1) / step
		c.slot = c.winStart.Add(n * step)
	}
	if !c.slot.Before(c.winEnd) {
		c.rollover()
	}
	return c, nil
}

func (c *slotCursor) step() time.Duration {
	return time.Duration(c.profile.SlotMinutes) * time.Minute
}

func (c *slotCursor) openDay(y int, m time.Month, d int) {
	c.used = 0
	c.winStart = time.Date(y, m, d, c.profile.WorkStartHour, 0, 0, 0, c.loc)
	c.winEnd = time.Date(y, m, d, c.profile.WorkEndHour, 0, 0, 0, c.loc)
	c.slot = c.winStart
}

func (c *slotCursor) rollover() {
	y, m, d := c.winStart.Date()
	c.openDay(y, m, d+1)
}

func (c *slotCursor) next() time.Time {
	t := c.slot
	c.used++
	c.slot = c.slot.Add(c.step())
	if c.used >= c.profile.MaxJobsPerDay || !c.slot.Before(c.winEnd) {
		c.rollover()
	}
	return t.UTC()
}
