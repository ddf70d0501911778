// Package intake is the task-intake state machine. A session walks a task
// through precedents, clarification, planning, approval, execution,
// verification and learning, recording every artifact in the graph.
//
// Each operation is an explicit caller action; nothing advances on a timer.
// Calls for one session are serialized, and an operation either completes all
// of its graph writes before the session is saved or leaves the session at its
// prior stage.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/machPoint/pm-net/internal/dispatch"
	"github.com/machPoint/pm-net/internal/events"
	"github.com/machPoint/pm-net/internal/graph"
	"github.com/machPoint/pm-net/internal/llm"
	"github.com/machPoint/pm-net/internal/scheduler"
)

// Graph is the part of the graph store the engine writes through.
type Graph interface {
	CreateNode(ctx context.Context, in graph.NodeInput) (*graph.Node, error)
	GetNode(ctx context.Context, id string, opts graph.GetOptions) (*graph.Node, error)
	UpdateNode(ctx context.Context, id string, upd graph.NodeUpdate, changedBy string) (*graph.Node, error)
	ListNodes(ctx context.Context, filter graph.NodeFilter) ([]*graph.Node, error)
	CreateEdge(ctx context.Context, in graph.EdgeInput) (*graph.Edge, error)
	ListEdges(ctx context.Context, filter graph.EdgeFilter) ([]*graph.Edge, error)
}

// Dispatcher executes plan steps. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request, opts dispatch.Options) dispatch.Result
}

// StepScheduler defers plan steps as scheduled jobs.
// *scheduler.Generator satisfies it.
type StepScheduler interface {
	ScheduleSteps(ctx context.Context, in scheduler.StepJobsInput) ([]*scheduler.Job, int, error)
}

// JobLister reads back deferred jobs. *scheduler.JobStore satisfies it.
type JobLister interface {
	ListJobs(ctx context.Context, filter scheduler.JobFilter) ([]*scheduler.Job, error)
}

// Deps wires the engine's collaborators. Graph and Sessions are required;
// a nil LLM degrades clarification and planning to their fallbacks.
type Deps struct {
	Graph      Graph
	Sessions   SessionStore
	LLM        llm.Provider
	Dispatcher Dispatcher
	Deferrer   StepScheduler
	Jobs       JobLister
	Emitter    events.Emitter
	Logger     *slog.Logger
	// Scorer ranks precedent candidates; nil uses OverlapScorer.
	Scorer Scorer
}

// Engine runs intake sessions.
type Engine struct {
	graph      Graph
	sessions   SessionStore
	llm        llm.Provider
	dispatcher Dispatcher
	deferrer   StepScheduler
	jobs       JobLister
	emitter    events.Emitter
	logger     *slog.Logger
	scorer     Scorer
	now        func() time.Time
}

// NewEngine creates an engine.
func NewEngine(d Deps) (*Engine, error) {
	if d.Graph == nil {
		return nil, fmt.Errorf("intake engine requires a graph store")
	}
	if d.Sessions == nil {
		d.Sessions = NewMemorySessionStore()
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.Scorer == nil {
		d.Scorer = OverlapScorer
	}
	return &Engine{
		graph:      d.Graph,
		sessions:   d.Sessions,
		llm:        d.LLM,
		dispatcher: d.Dispatcher,
		deferrer:   d.Deferrer,
		jobs:       d.Jobs,
		emitter:    d.Emitter,
		logger:     d.Logger,
		scorer:     d.Scorer,
		now:        time.Now,
	}, nil
}

// StartInput describes a new unit of work.
type StartInput struct {
	Title       string
	Description string
	ProjectID   string
	CreatedBy   string
	AgentID     string
}

// Start creates the task node and a session, then searches precedents right
// away: with no matches the session moves on to clarify, otherwise it holds
// at precedents with the matches attached.
func (e *Engine) Start(ctx context.Context, in StartInput) (*Session, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	actor := in.CreatedBy
	if actor == "" {
		actor = "intake"
	}

	if in.ProjectID != "" {
		if _, err := e.graph.GetNode(ctx, in.ProjectID, graph.GetOptions{}); err != nil {
			return nil, fmt.Errorf("failed to load project: %w", err)
		}
	}

	meta := map[string]any{}
	if in.ProjectID != "" {
		meta["project_id"] = in.ProjectID
	}
	task, err := e.graph.CreateNode(ctx, graph.NodeInput{
		NodeType:    graph.NodeTask,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Status:      "backlog",
		Metadata:    meta,
		CreatedBy:   actor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	if in.ProjectID != "" {
		if err := e.link(ctx, graph.EdgeParentOf, in.ProjectID, task.ID, actor); err != nil {
			return nil, err
		}
	}

	now := e.now().UTC()
	s := &Session{
		ID:        uuid.NewString(),
		Stage:     StagePrecedents,
		TaskID:    task.ID,
		AgentID:   in.AgentID,
		ProjectID: in.ProjectID,
		CreatedBy: actor,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	matches, err := e.findPrecedents(ctx, task)
	if err != nil {
		return nil, err
	}
	s.PrecedentMatches = matches
	if len(matches) == 0 {
		s.Stage = StageClarify
	}

	if err := e.sessions.Put(s); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	e.logger.Info("intake started", "session_id", s.ID, "task_id", task.ID, "precedents", len(matches))
	e.emit(s, events.IntakeStarted, fmt.Sprintf("Intake started: %s", task.Title), map[string]any{
		"task_id":    task.ID,
		"precedents": len(matches),
	})
	e.emitStage(s, StageStart)
	if s.Stage == StageClarify {
		e.emitStage(s, StagePrecedents)
	}
	return s.Clone(), nil
}

// GetSession returns a copy of a session.
func (e *Engine) GetSession(_ context.Context, id string) (*Session, error) {
	s, err := e.sessions.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, id)
	}
	return s, nil
}

// ListSessions returns every session, oldest first.
func (e *Engine) ListSessions(_ context.Context) ([]*Session, error) {
	return e.sessions.List()
}

// DeleteSession forgets a session. Its graph nodes remain.
func (e *Engine) DeleteSession(_ context.Context, id string) error {
	unlock := e.sessions.Lock(id)
	defer unlock()
	if err := e.sessions.Delete(id); err != nil {
		return fmt.Errorf("%w: %s", err, id)
	}
	return nil
}

// withSession serializes one stage operation. fn works on a copy; the copy
// is saved only when fn succeeds.
func (e *Engine) withSession(id, op string, allowed []Stage, fn func(s *Session) error) (*Session, error) {
	unlock := e.sessions.Lock(id)
	defer unlock()

	current, err := e.sessions.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, id)
	}
	if !slices.Contains(allowed, current.Stage) {
		return nil, fmt.Errorf("%w: %s is not allowed at stage %q", ErrInvalidStage, op, current.Stage)
	}
	if current.Completed {
		return nil, fmt.Errorf("%w: session %s is complete", ErrInvalidStage, id)
	}

	work := current.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = e.now().UTC()
	if err := e.sessions.Put(work); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	if work.Stage != current.Stage {
		e.logger.Info("intake stage changed", "session_id", id, "from", current.Stage, "to", work.Stage)
		e.emitStage(work, current.Stage)
	}
	return work.Clone(), nil
}

func (e *Engine) emit(s *Session, typ, summary string, data map[string]any) {
	events.Emit(e.emitter, events.Event{
		Type:       typ,
		EntityType: "intake_session",
		EntityID:   s.ID,
		SessionID:  s.ID,
		Actor:      s.CreatedBy,
		Summary:    summary,
		Data:       data,
	})
}

func (e *Engine) emitStage(s *Session, from Stage) {
	e.emit(s, events.IntakeStageChanged, fmt.Sprintf("Stage %s -> %s", from, s.Stage), map[string]any{
		"from":    string(from),
		"to":      string(s.Stage),
		"task_id": s.TaskID,
	})
}

func (e *Engine) link(ctx context.Context, edgeType, from, to, actor string) error {
	if _, err := e.graph.CreateEdge(ctx, graph.EdgeInput{
		EdgeType:  edgeType,
		SourceID:  from,
		TargetID:  to,
		CreatedBy: actor,
	}); err != nil && !errors.Is(err, graph.ErrEdgeExists) {
		return fmt.Errorf("failed to link %s: %w", edgeType, err)
	}
	return nil
}

func (e *Engine) setStatus(ctx context.Context, id, status, actor string, meta map[string]any) (*graph.Node, error) {
	n, err := e.graph.UpdateNode(ctx, id, graph.NodeUpdate{Status: &status, Metadata: meta}, actor)
	if err != nil {
		return nil, fmt.Errorf("failed to set status %q on %s: %w", status, id, err)
	}
	return n, nil
}

func (e *Engine) task(ctx context.Context, s *Session) (*graph.Node, error) {
	n, err := e.graph.GetNode(ctx, s.TaskID, graph.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return n, nil
}

func (e *Engine) plan(ctx context.Context, s *Session) (*graph.Node, []graph.Step, error) {
	if s.PlanID == "" {
		return nil, nil, fmt.Errorf("%w: session has no plan", ErrEmptyPlan)
	}
	n, err := e.graph.GetNode(ctx, s.PlanID, graph.GetOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return n, graph.StepsFromMetadata(n.Metadata, "steps"), nil
}
