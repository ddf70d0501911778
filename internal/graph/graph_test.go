package graph

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machPoint/pm-net/internal/events"
	"github.com/machPoint/pm-net/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestStore(t *testing.T) (*Store, *recorder) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rec := &recorder{}
	return New(db, rec, nil), rec
}

func mustNode(t *testing.T, s *Store, nodeType, title string) *Node {
	t.Helper()
	n, err := s.CreateNode(context.Background(), NodeInput{NodeType: nodeType, Title: title, CreatedBy: "tester"})
	require.NoError(t, err)
	return n
}

func mustEdge(t *testing.T, s *Store, edgeType, from, to string) *Edge {
	t.Helper()
	e, err := s.CreateEdge(context.Background(), EdgeInput{EdgeType: edgeType, SourceID: from, TargetID: to, CreatedBy: "tester"})
	require.NoError(t, err)
	return e
}

func ptr[T any](v T) *T { return &v }

func TestCreateNodeDefaults(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()

	n, err := s.CreateNode(ctx, NodeInput{
		NodeType:  NodeTask,
		Title:     "Write changelog",
		Status:    "backlog",
		Metadata:  map[string]any{"priority": "high"},
		CreatedBy: "alice",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, n.ID)
	assert.Equal(t, 1, n.Version)
	assert.Nil(t, n.DeletedAt)

	got, err := s.GetNode(ctx, n.ID, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Write changelog", got.Title)
	assert.Equal(t, "high", got.Metadata["priority"])
	assert.Equal(t, "backlog", got.Status)
	assert.True(t, got.CreatedAt.Equal(n.CreatedAt))

	assert.Equal(t, []string{events.NodeCreated}, rec.types())
}

func TestCreateNodeValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateNode(ctx, NodeInput{Title: "no type"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.CreateNode(ctx, NodeInput{NodeType: NodeTask, Title: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGetNodeNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetNode(context.Background(), "missing", GetOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVersionAndHistoryAfterUpdates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	n := mustNode(t, s, NodeTask, "Versioned")

	const updates = 4
	for i := 0; i < updates; i++ {
		var err error
		n, err = s.UpdateNode(ctx, n.ID, NodeUpdate{Metadata: map[string]any{"round": i}}, "tester")
		require.NoError(t, err)
	}
	assert.Equal(t, updates+1, n.Version)

	history, err := s.GetNodeHistory(ctx, n.ID)
	require.NoError(t, err)
	require.Len(t, history, updates+1)

	assert.Equal(t, OpCreate, history[0].Operation)
	assert.Empty(t, history[0].BeforeState)
	for i, rec := range history {
		assert.Equal(t, i+1, rec.Version)
		state, err := NodeAt(rec)
		require.NoError(t, err)
		assert.Equal(t, rec.Version, state.Version, "after_state.version must match record version")
		if i > 0 {
			assert.Equal(t, OpUpdate, rec.Operation)
			var before Node
			require.NoError(t, json.Unmarshal(rec.BeforeState, &before))
			assert.Equal(t, i, before.Version)
		}
	}
}

func TestUpdateNodeMergesMetadata(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.CreateNode(ctx, NodeInput{
		NodeType: NodeTask,
		Title:    "Merge",
		Metadata: map[string]any{"keep": "yes", "drop": "soon"},
	})
	require.NoError(t, err)

	updated, err := s.UpdateNode(ctx, n.ID, NodeUpdate{
		Status:   ptr("ready"),
		Metadata: map[string]any{"drop": nil, "added": true},
	}, "tester")
	require.NoError(t, err)

	assert.Equal(t, "ready", updated.Status)
	assert.Equal(t, "Merge", updated.Title)
	assert.Equal(t, map[string]any{"keep": "yes", "added": true}, updated.Metadata)

	_, err = s.UpdateNode(ctx, n.ID, NodeUpdate{Title: ptr("")}, "tester")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeleteNodeIsSoftAndCascades(t *testing.T) {
	s, rec := newTestStore(t)
	ctx := context.Background()

	a := mustNode(t, s, NodeTask, "A")
	b := mustNode(t, s, NodeTask, "B")
	e := mustEdge(t, s, EdgeDependsOn, a.ID, b.ID)

	require.NoError(t, s.DeleteNode(ctx, a.ID, "tester"))

	_, err := s.GetNode(ctx, a.ID, GetOptions{})
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err := s.GetNode(ctx, a.ID, GetOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.NotNil(t, deleted.DeletedAt)
	assert.Equal(t, 2, deleted.Version)

	history, err := s.GetNodeHistory(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, OpDelete, history[1].Operation)

	_, err = s.GetEdge(ctx, e.ID, GetOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
	edgeHistory, err := s.GetEdgeHistory(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, edgeHistory, 2)
	assert.Equal(t, OpDelete, edgeHistory[1].Operation)

	assert.ErrorIs(t, s.DeleteNode(ctx, a.ID, "tester"), ErrNotFound)
	assert.Contains(t, rec.types(), events.EdgeDeleted)
}

func TestListNodesFilters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateNode(ctx, NodeInput{NodeType: NodeTask, Title: "Write changelog", Status: "backlog", CreatedBy: "alice", Metadata: map[string]any{"is_template": true}})
	require.NoError(t, err)
	_, err = s.CreateNode(ctx, NodeInput{NodeType: NodeTask, Title: "Ship release", Status: "ready", CreatedBy: "bob"})
	require.NoError(t, err)
	_, err = s.CreateNode(ctx, NodeInput{NodeType: NodePlan, Title: "Plan for changelog", Status: "pending_approval", CreatedBy: "alice"})
	require.NoError(t, err)
	gone := mustNode(t, s, NodeTask, "Deleted task")
	require.NoError(t, s.DeleteNode(ctx, gone.ID, "tester"))

	tasks, err := s.ListNodes(ctx, NodeFilter{Types: []string{NodeTask}})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	withDeleted, err := s.ListNodes(ctx, NodeFilter{Types: []string{NodeTask}, IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, withDeleted, 3)

	byTitle, err := s.ListNodes(ctx, NodeFilter{TitleContains: "CHANGELOG"})
	require.NoError(t, err)
	assert.Len(t, byTitle, 2)

	byAuthor, err := s.ListNodes(ctx, NodeFilter{CreatedBy: "bob", Statuses: []string{"ready"}})
	require.NoError(t, err)
	require.Len(t, byAuthor, 1)
	assert.Equal(t, "Ship release", byAuthor[0].Title)

	templates, err := s.ListNodes(ctx, NodeFilter{Metadata: map[string]any{"is_template": true}})
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "Write changelog", templates[0].Title)

	paged, err := s.ListNodes(ctx, NodeFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "Ship release", paged[0].Title)
}

func TestCreateEdgeRejectsSelfLoop(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustNode(t, s, NodeTask, "A")

	_, err := s.CreateEdge(context.Background(), EdgeInput{EdgeType: EdgeDependsOn, SourceID: a.ID, TargetID: a.ID})
	assert.ErrorIs(t, err, ErrSelfLoop)
}

func TestCreateEdgeRejectsDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := mustNode(t, s, NodeTask, "A")
	b := mustNode(t, s, NodeTask, "B")

	first := mustEdge(t, s, EdgeDependsOn, a.ID, b.ID)

	_, err := s.CreateEdge(ctx, EdgeInput{EdgeType: EdgeDependsOn, SourceID: a.ID, TargetID: b.ID})
	assert.ErrorIs(t, err, ErrEdgeExists)

	// Different type or reversed pair is a different edge.
	mustEdge(t, s, EdgeBlocks, a.ID, b.ID)
	mustEdge(t, s, EdgeDependsOn, b.ID, a.ID)

	// Once the first is deleted the pair is free again.
	require.NoError(t, s.DeleteEdge(ctx, first.ID, "tester"))
	again := mustEdge(t, s, EdgeDependsOn, a.ID, b.ID)
	assert.NotEqual(t, first.ID, again.ID)
}

func TestCreateEdgeValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := mustNode(t, s, NodeTask, "A")
	b := mustNode(t, s, NodeTask, "B")

	_, err := s.CreateEdge(ctx, EdgeInput{EdgeType: EdgeDependsOn, SourceID: a.ID, TargetID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.CreateEdge(ctx, EdgeInput{EdgeType: EdgeDependsOn, SourceID: a.ID, TargetID: b.ID, Weight: ptr(1.5)})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.CreateEdge(ctx, EdgeInput{EdgeType: EdgeDependsOn, SourceID: a.ID, TargetID: b.ID, Directionality: "sideways"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	e, err := s.CreateEdge(ctx, EdgeInput{EdgeType: EdgeDependsOn, SourceID: a.ID, TargetID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.Weight)
	assert.Equal(t, Directed, e.Directionality)
}

func TestUpdateEdge(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := mustNode(t, s, NodeTask, "A")
	b := mustNode(t, s, NodeTask, "B")
	e := mustEdge(t, s, EdgeAffects, a.ID, b.ID)

	updated, err := s.UpdateEdge(ctx, e.ID, EdgeUpdate{Weight: ptr(0.25), Directionality: ptr(Bidirectional)}, "tester")
	require.NoError(t, err)
	assert.Equal(t, 0.25, updated.Weight)
	assert.Equal(t, Bidirectional, updated.Directionality)
	assert.Equal(t, 2, updated.Version)

	_, err = s.UpdateEdge(ctx, e.ID, EdgeUpdate{Weight: ptr(-0.1)}, "tester")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestListEdgesByDirection(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := mustNode(t, s, NodeTask, "A")
	b := mustNode(t, s, NodeTask, "B")
	c := mustNode(t, s, NodeTask, "C")
	mustEdge(t, s, EdgeDependsOn, a.ID, b.ID)
	mustEdge(t, s, EdgeBlocks, c.ID, a.ID)

	out, err := s.ListEdges(ctx, EdgeFilter{NodeID: a.ID, Direction: Outgoing})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, b.ID, out[0].TargetID)

	in, err := s.ListEdges(ctx, EdgeFilter{NodeID: a.ID, Direction: Incoming})
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, c.ID, in[0].SourceID)

	both, err := s.ListEdges(ctx, EdgeFilter{NodeID: a.ID, Types: []string{EdgeBlocks}})
	require.NoError(t, err)
	assert.Len(t, both, 1)
}

func TestNeighbors(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	project := mustNode(t, s, NodeProject, "Project")
	task := mustNode(t, s, NodeTask, "Task")
	mustEdge(t, s, EdgeParentOf, project.ID, task.ID)

	parents, err := s.Neighbors(ctx, task.ID, Incoming, EdgeParentOf)
	require.NoError(t, err)
	require.Len(t, parents, 1)
	assert.Equal(t, project.ID, parents[0].ID)

	children, err := s.Neighbors(ctx, task.ID, Outgoing, EdgeParentOf)
	require.NoError(t, err)
	assert.Empty(t, children)
}
