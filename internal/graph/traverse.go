package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultImpactDepth is used by FindImpact when maxDepth is not positive.
	DefaultImpactDepth = 5
	// DefaultPathDepth is used by FindPath when maxDepth is not positive.
	DefaultPathDepth = 10

	batchImpactConcurrency = 4
)

// Traverse expands breadth-first from opts.Start. Each node is visited at most
// once, so the recorded path is the first shortest one. Nodes rejected by the
// NodeTypes filter are neither included nor expanded. MaxDepth 0 yields only
// the start node.
func (s *Store) Traverse(ctx context.Context, opts TraverseOptions) (*Subgraph, error) {
	if opts.Start == "" {
		return nil, fmt.Errorf("%w: start node is required", ErrInvalidInput)
	}
	if opts.MaxDepth < 0 {
		return nil, fmt.Errorf("%w: max depth must not be negative", ErrInvalidInput)
	}
	dir := opts.Direction
	if dir == "" {
		dir = Outgoing
	}
	if dir != Outgoing && dir != Incoming && dir != Both {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidInput, dir)
	}

	start, err := getNode(ctx, s.db, opts.Start, false)
	if err != nil {
		return nil, err
	}

	result := &Subgraph{
		Nodes:  []*Node{start},
		Edges:  []*Edge{},
		Depths: map[string]int{start.ID: 0},
	}
	if opts.IncludePaths {
		result.Paths = map[string]*NodePath{start.ID: {NodeIDs: []string{start.ID}, EdgeIDs: []string{}}}
	}

	visited := map[string]bool{start.ID: true}
	included := map[string]bool{start.ID: true}
	edgeSeen := map[string]bool{}

	frontier := []*Node{start}
	for depth := 1; depth <= opts.MaxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var next []*Node
		for _, n := range frontier {
			edges, err := s.adjacent(ctx, n.ID, dir, opts.EdgeTypes)
			if err != nil {
				return nil, err
			}

			for _, e := range edges {
				otherID := e.Other(n.ID)

				if visited[otherID] {
					if included[otherID] && !edgeSeen[e.ID] {
						edgeSeen[e.ID] = true
						result.Edges = append(result.Edges, e)
					}
					continue
				}
				visited[otherID] = true

				other, err := getNode(ctx, s.db, otherID, false)
				if errors.Is(err, ErrNotFound) {
					continue
				}
				if err != nil {
					return nil, err
				}
				if len(opts.NodeTypes) > 0 && !slices.Contains(opts.NodeTypes, other.NodeType) {
					continue
				}

				included[otherID] = true
				edgeSeen[e.ID] = true
				result.Nodes = append(result.Nodes, other)
				result.Edges = append(result.Edges, e)
				result.Depths[otherID] = depth
				if opts.IncludePaths {
					parent := result.Paths[n.ID]
					result.Paths[otherID] = &NodePath{
						NodeIDs: append(slices.Clone(parent.NodeIDs), otherID),
						EdgeIDs: append(slices.Clone(parent.EdgeIDs), e.ID),
					}
				}
				next = append(next, other)
			}
		}
		frontier = next
	}

	return result, nil
}

// FindPath returns the first shortest path from one node to another treating
// every edge as bidirectional, or nil when none exists within maxDepth hops.
func (s *Store) FindPath(ctx context.Context, from, to string, maxDepth int) (*Path, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultPathDepth
	}

	start, err := getNode(ctx, s.db, from, false)
	if err != nil {
		return nil, err
	}
	goal, err := getNode(ctx, s.db, to, false)
	if err != nil {
		return nil, err
	}
	if start.ID == goal.ID {
		return &Path{Nodes: []*Node{start}, Edges: []*Edge{}}, nil
	}

	type step struct {
		prev string
		edge *Edge
	}
	cameFrom := map[string]step{start.ID: {}}

	frontier := []string{start.ID}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var next []string
		for _, id := range frontier {
			edges, err := s.adjacent(ctx, id, Both, nil)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				other := e.Other(id)
				if _, seen := cameFrom[other]; seen {
					continue
				}
				cameFrom[other] = step{prev: id, edge: e}
				if other == goal.ID {
					return s.buildPath(ctx, start.ID, goal.ID, func(id string) (string, *Edge) {
						st := cameFrom[id]
						return st.prev, st.edge
					})
				}
				next = append(next, other)
			}
		}
		frontier = next
	}

	return nil, nil
}

func (s *Store) buildPath(ctx context.Context, from, to string, back func(string) (string, *Edge)) (*Path, error) {
	var (
		ids   []string
		edges []*Edge
	)
	for cur := to; cur != from; {
		prev, e := back(cur)
		ids = append(ids, cur)
		edges = append(edges, e)
		cur = prev
	}
	ids = append(ids, from)
	slices.Reverse(ids)
	slices.Reverse(edges)

	path := &Path{Edges: edges}
	for _, id := range ids {
		n, err := getNode(ctx, s.db, id, false)
		if err != nil {
			return nil, err
		}
		path.Nodes = append(path.Nodes, n)
	}
	return path, nil
}

// FindImpact returns everything downstream of nodeID along ImpactEdgeTypes.
// The start node is not part of the result.
func (s *Store) FindImpact(ctx context.Context, nodeID string, maxDepth int) (*Subgraph, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultImpactDepth
	}

	sub, err := s.Traverse(ctx, TraverseOptions{
		Start:        nodeID,
		Direction:    Outgoing,
		EdgeTypes:    ImpactEdgeTypes,
		MaxDepth:     maxDepth,
		IncludePaths: true,
	})
	if err != nil {
		return nil, err
	}

	sub.Nodes = slices.DeleteFunc(sub.Nodes, func(n *Node) bool { return n.ID == nodeID })
	delete(sub.Depths, nodeID)
	delete(sub.Paths, nodeID)
	return sub, nil
}

// BatchImpact runs FindImpact for each id independently. A failure for one id
// is recorded in its result and does not stop the others.
func (s *Store) BatchImpact(ctx context.Context, ids []string, maxDepth int) *BatchImpactResult {
	items := make([]BatchImpactItem, len(ids))

	var g errgroup.Group
	g.SetLimit(batchImpactConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			items[i].NodeID = id
			impact, err := s.FindImpact(ctx, id, maxDepth)
			if err != nil {
				items[i].Error = err.Error()
				return nil
			}
			items[i].Impact = impact
			return nil
		})
	}
	_ = g.Wait()

	result := &BatchImpactResult{Results: items}
	for _, item := range items {
		if item.Error != "" {
			result.Failed++
		} else {
			result.Succeeded++
		}
	}
	s.logger.Debug("batch impact finished", "succeeded", result.Succeeded, "failed", result.Failed)
	return result
}
