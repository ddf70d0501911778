package intake

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/machPoint/pm-net/internal/dispatch"
	"github.com/machPoint/pm-net/internal/events"
	"github.com/machPoint/pm-net/internal/graph"
	"github.com/machPoint/pm-net/internal/llm"
	"github.com/machPoint/pm-net/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) ofType(typ string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []dispatch.Request
	fn       func(dispatch.Request) dispatch.Result
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req dispatch.Request, _ dispatch.Options) dispatch.Result {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.fn == nil {
		return dispatch.Result{Success: true, Runtime: "fake", Model: "fake-1", Output: "done: " + req.Title, DurationMs: 5}
	}
	return f.fn(req)
}

func (f *fakeDispatcher) calls() []dispatch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatch.Request(nil), f.requests...)
}

// scriptedLLM answers clarify and plan prompts from queues. An empty queue
// answers with an error.
type scriptedLLM struct {
	mu      sync.Mutex
	clarify []string
	plans   []string
	seen    []llm.Request
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, req)

	queue := &s.clarify
	if req.SystemPrompt == planSystemPrompt {
		queue = &s.plans
	}
	if len(*queue) == 0 {
		return nil, errors.New("provider unavailable")
	}
	next := (*queue)[0]
	*queue = (*queue)[1:]
	return &llm.Response{Content: next, Model: "scripted"}, nil
}

func (s *scriptedLLM) requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.seen...)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

type fixture struct {
	db         *store.DB
	graph      *graph.Store
	llm        *scriptedLLM
	dispatcher *fakeDispatcher
	events     *recorder
	engine     *Engine
}

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pmnet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := openTestDB(t)
	rec := &recorder{}
	g := graph.New(db, rec, nil)
	f := &fixture{
		db:         db,
		graph:      g,
		llm:        &scriptedLLM{},
		dispatcher: &fakeDispatcher{},
		events:     rec,
	}
	eng, err := NewEngine(Deps{
		Graph:      g,
		LLM:        f.llm,
		Dispatcher: f.dispatcher,
		Emitter:    rec,
	})
	require.NoError(t, err)
	f.engine = eng
	return f
}

func (f *fixture) node(t *testing.T, id string) *graph.Node {
	t.Helper()
	n, err := f.graph.GetNode(context.Background(), id, graph.GetOptions{})
	require.NoError(t, err)
	return n
}

func (f *fixture) edges(t *testing.T, id string, dir graph.Direction, edgeType string) []*graph.Edge {
	t.Helper()
	out, err := f.graph.ListEdges(context.Background(), graph.EdgeFilter{NodeID: id, Direction: dir, Types: []string{edgeType}})
	require.NoError(t, err)
	return out
}

// planJSON renders a provider plan answer.
func planJSON(t *testing.T, requiresApproval bool, steps ...map[string]any) string {
	t.Helper()
	return mustJSON(t, map[string]any{
		"steps":             steps,
		"rationale":         "Straightforward",
		"estimated_hours":   2,
		"requires_approval": requiresApproval,
	})
}

func step(action string) map[string]any {
	return map[string]any{"action": action, "step_type": "task"}
}

func gateStep(action string) map[string]any {
	return map[string]any{"action": action, "step_type": "approval_gate"}
}

// toExecute walks a fresh session through clarify, plan and approval.
func (f *fixture) toExecute(t *testing.T, title string, steps ...map[string]any) *Session {
	t.Helper()
	ctx := context.Background()

	s, err := f.engine.Start(ctx, StartInput{Title: title, CreatedBy: "pm"})
	require.NoError(t, err)
	if s.Stage == StagePrecedents {
		s, err = f.engine.SkipPrecedents(ctx, s.ID)
		require.NoError(t, err)
	}

	f.llm.plans = append(f.llm.plans, planJSON(t, false, steps...))
	res, err := f.engine.GeneratePlan(ctx, s.ID)
	require.NoError(t, err)
	require.False(t, res.Degraded)

	s, err = f.engine.ApprovePlan(ctx, s.ID, ApproveInput{Approved: true, ApprovedBy: "lead"})
	require.NoError(t, err)
	require.Equal(t, StageExecute, s.Stage)
	return s
}
