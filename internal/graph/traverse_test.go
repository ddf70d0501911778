package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeIDs(nodes []*Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

func TestTraverseDepthZero(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustNode(t, s, NodeTask, "A")
	b := mustNode(t, s, NodeTask, "B")
	mustEdge(t, s, EdgeDependsOn, a.ID, b.ID)

	sub, err := s.Traverse(context.Background(), TraverseOptions{Start: a.ID, Direction: Both, MaxDepth: 0})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, nodeIDs(sub.Nodes))
	assert.Empty(t, sub.Edges)
}

func TestTraverseRecordsShortestPaths(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// a -> b -> c -> d, plus shortcut a -> c
	a := mustNode(t, s, NodeTask, "A")
	b := mustNode(t, s, NodeTask, "B")
	c := mustNode(t, s, NodeTask, "C")
	d := mustNode(t, s, NodeTask, "D")
	ab := mustEdge(t, s, EdgeDependsOn, a.ID, b.ID)
	mustEdge(t, s, EdgeDependsOn, b.ID, c.ID)
	cd := mustEdge(t, s, EdgeDependsOn, c.ID, d.ID)
	ac := mustEdge(t, s, EdgeDependsOn, a.ID, c.ID)

	sub, err := s.Traverse(ctx, TraverseOptions{Start: a.ID, Direction: Outgoing, MaxDepth: 2, IncludePaths: true})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{a.ID, b.ID, c.ID, d.ID}, nodeIDs(sub.Nodes))
	assert.Equal(t, 1, sub.Depths[c.ID])
	assert.Equal(t, 2, sub.Depths[d.ID])
	assert.Equal(t, []string{a.ID, c.ID, d.ID}, sub.Paths[d.ID].NodeIDs)
	assert.Equal(t, []string{ac.ID, cd.ID}, sub.Paths[d.ID].EdgeIDs)
	assert.Equal(t, []string{ab.ID}, sub.Paths[b.ID].EdgeIDs)

	shallow, err := s.Traverse(ctx, TraverseOptions{Start: a.ID, Direction: Outgoing, MaxDepth: 1})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID, c.ID}, nodeIDs(shallow.Nodes))
	assert.Nil(t, shallow.Paths)
}

func TestTraverseDirectionAndFilters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	project := mustNode(t, s, NodeProject, "Project")
	task := mustNode(t, s, NodeTask, "Task")
	plan := mustNode(t, s, NodePlan, "Plan")
	risk := mustNode(t, s, NodeRisk, "Risk")
	mustEdge(t, s, EdgeParentOf, project.ID, task.ID)
	mustEdge(t, s, EdgeHasPlan, task.ID, plan.ID)
	mustEdge(t, s, EdgeHasRisk, plan.ID, risk.ID)

	up, err := s.Traverse(ctx, TraverseOptions{Start: task.ID, Direction: Incoming, MaxDepth: 3})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{task.ID, project.ID}, nodeIDs(up.Nodes))

	onlyPlans, err := s.Traverse(ctx, TraverseOptions{Start: task.ID, Direction: Outgoing, MaxDepth: 3, EdgeTypes: []string{EdgeHasPlan}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{task.ID, plan.ID}, nodeIDs(onlyPlans.Nodes))

	// A rejected node type is not expanded, so the risk behind the plan is unreachable.
	noPlans, err := s.Traverse(ctx, TraverseOptions{Start: project.ID, Direction: Outgoing, MaxDepth: 5, NodeTypes: []string{NodeTask, NodeRisk}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{project.ID, task.ID}, nodeIDs(noPlans.Nodes))
}

func TestTraverseFollowsBidirectionalEdges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a := mustNode(t, s, NodeResource, "A")
	b := mustNode(t, s, NodeResource, "B")
	_, err := s.CreateEdge(ctx, EdgeInput{EdgeType: "related_to", SourceID: b.ID, TargetID: a.ID, Directionality: Bidirectional})
	require.NoError(t, err)

	sub, err := s.Traverse(ctx, TraverseOptions{Start: a.ID, Direction: Outgoing, MaxDepth: 1})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, nodeIDs(sub.Nodes))
}

func TestTraverseValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Traverse(ctx, TraverseOptions{Start: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	a := mustNode(t, s, NodeTask, "A")
	_, err = s.Traverse(ctx, TraverseOptions{Start: a.ID, MaxDepth: -1})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.Traverse(ctx, TraverseOptions{Start: a.ID, Direction: "sideways"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFindPathIgnoresEdgeDirection(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a := mustNode(t, s, NodeTask, "A")
	b := mustNode(t, s, NodeTask, "B")
	c := mustNode(t, s, NodeTask, "C")
	lonely := mustNode(t, s, NodeTask, "Lonely")
	mustEdge(t, s, EdgeDependsOn, a.ID, b.ID)
	mustEdge(t, s, EdgeDependsOn, c.ID, b.ID)

	path, err := s.FindPath(ctx, a.ID, c.ID, 5)
	require.NoError(t, err)
	require.NotNil(t, path)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, nodeIDs(path.Nodes))
	assert.Equal(t, 2, path.Len())

	none, err := s.FindPath(ctx, a.ID, lonely.ID, 5)
	require.NoError(t, err)
	assert.Nil(t, none)

	tooShort, err := s.FindPath(ctx, a.ID, c.ID, 1)
	require.NoError(t, err)
	assert.Nil(t, tooShort)

	self, err := s.FindPath(ctx, a.ID, a.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, self.Len())
}

func TestFindImpactExcludesStartAndNonImpactEdges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	req := mustNode(t, s, "requirement", "Requirement")
	comp := mustNode(t, s, "component", "Component")
	test := mustNode(t, s, "test", "Test")
	note := mustNode(t, s, "note", "Note")
	mustEdge(t, s, EdgeAffects, req.ID, comp.ID)
	mustEdge(t, s, EdgeVerifies, comp.ID, test.ID)
	mustEdge(t, s, "mentions", req.ID, note.ID)

	impact, err := s.FindImpact(ctx, req.ID, 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{comp.ID, test.ID}, nodeIDs(impact.Nodes))
	assert.NotContains(t, impact.Depths, req.ID)
	assert.Equal(t, 2, impact.Depths[test.ID])
}

func TestBatchImpactCountsFailures(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustNode(t, s, NodeTask, "A")
	b := mustNode(t, s, NodeTask, "B")
	mustEdge(t, s, EdgeBlocks, a.ID, b.ID)

	result := s.BatchImpact(context.Background(), []string{a.ID, "missing", b.ID}, 2)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Results, 3)

	assert.Equal(t, a.ID, result.Results[0].NodeID)
	assert.Len(t, result.Results[0].Impact.Nodes, 1)
	assert.Equal(t, "missing", result.Results[1].NodeID)
	assert.NotEmpty(t, result.Results[1].Error)
	assert.Empty(t, result.Results[2].Impact.Nodes)
}
