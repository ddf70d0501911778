package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/machPoint/pm-net/internal/events"
	"github.com/machPoint/pm-net/internal/store"
)

const edgeColumns = `id, edge_type, source_node_id, target_node_id, weight, directionality, metadata, created_by, created_at, updated_at, deleted_at, version`

func scanEdge(row rowScanner) (*Edge, error) {
	var (
		e                    Edge
		metadata             string
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	if err := row.Scan(&e.ID, &e.EdgeType, &e.SourceID, &e.TargetID, &e.Weight, &e.Directionality,
		&metadata, &e.CreatedBy, &createdAt, &updatedAt, &deletedAt, &e.Version); err != nil {
		return nil, err
	}

	var err error
	if e.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if e.DeletedAt, err = store.ParseNullTime(deletedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func getEdge(ctx context.Context, q querier, id string, includeDeleted bool) (*Edge, error) {
	query := `SELECT ` + edgeColumns + ` FROM edges WHERE id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	e, err := scanEdge(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read edge %s: %w", id, err)
	}
	return e, nil
}

func writeEdge(ctx context.Context, q querier, e *Edge) error {
	metadata, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}

	if e.Version == 1 {
		_, err := q.ExecContext(ctx, `INSERT INTO edges (`+edgeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.EdgeType, e.SourceID, e.TargetID, e.Weight, e.Directionality, metadata, e.CreatedBy,
			store.FormatTime(e.CreatedAt), store.FormatTime(e.UpdatedAt), store.NullTime(e.DeletedAt), e.Version)
		if err != nil {
			if store.IsUniqueViolation(err) {
				return fmt.Errorf("%s %s -> %s: %w", e.EdgeType, e.SourceID, e.TargetID, ErrEdgeExists)
			}
			return fmt.Errorf("failed to insert edge: %w", err)
		}
		return nil
	}

	res, err := q.ExecContext(ctx, `UPDATE edges SET weight = ?, directionality = ?, metadata = ?,
			updated_at = ?, deleted_at = ?, version = ?
		WHERE id = ? AND version = ?`,
		e.Weight, e.Directionality, metadata,
		store.FormatTime(e.UpdatedAt), store.NullTime(e.DeletedAt), e.Version,
		e.ID, e.Version-1)
	if err != nil {
		return fmt.Errorf("failed to update edge: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update edge: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("edge %s: %w", e.ID, ErrVersionConflict)
	}
	return nil
}

func validateWeight(w float64) error {
	if w < 0 || w > 1 {
		return fmt.Errorf("%w: weight %v outside [0,1]", ErrInvalidInput, w)
	}
	return nil
}

func validateDirectionality(d string) error {
	if d != Directed && d != Bidirectional {
		return fmt.Errorf("%w: directionality must be %q or %q, got %q", ErrInvalidInput, Directed, Bidirectional, d)
	}
	return nil
}

// CreateEdge links two active nodes. Self-loops fail with ErrSelfLoop and a
// second active edge of the same type between the same ordered pair fails with
// ErrEdgeExists.
func (s *Store) CreateEdge(ctx context.Context, in EdgeInput) (*Edge, error) {
	if strings.TrimSpace(in.EdgeType) == "" {
		return nil, fmt.Errorf("%w: edge_type is required", ErrInvalidInput)
	}
	if in.SourceID == "" || in.TargetID == "" {
		return nil, fmt.Errorf("%w: source and target are required", ErrInvalidInput)
	}
	if in.SourceID == in.TargetID {
		return nil, fmt.Errorf("%s on %s: %w", in.EdgeType, in.SourceID, ErrSelfLoop)
	}

	weight := 1.0
	if in.Weight != nil {
		weight = *in.Weight
	}
	if err := validateWeight(weight); err != nil {
		return nil, err
	}
	directionality := in.Directionality
	if directionality == "" {
		directionality = Directed
	}
	if err := validateDirectionality(directionality); err != nil {
		return nil, err
	}

	now := s.now()
	e := &Edge{
		ID:             in.ID,
		EdgeType:       in.EdgeType,
		SourceID:       in.SourceID,
		TargetID:       in.TargetID,
		Weight:         weight,
		Directionality: directionality,
		Metadata:       cloneMetadata(in.Metadata),
		CreatedBy:      in.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := getNode(ctx, tx, e.SourceID, false); err != nil {
			return fmt.Errorf("source: %w", err)
		}
		if _, err := getNode(ctx, tx, e.TargetID, false); err != nil {
			return fmt.Errorf("target: %w", err)
		}

		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM edges
			WHERE edge_type = ? AND source_node_id = ? AND target_node_id = ? AND deleted_at IS NULL`,
			e.EdgeType, e.SourceID, e.TargetID).Scan(&existing)
		switch {
		case err == nil:
			return fmt.Errorf("%s %s -> %s: %w", e.EdgeType, e.SourceID, e.TargetID, ErrEdgeExists)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to check for duplicate edge: %w", err)
		}

		if err := writeEdge(ctx, tx, e); err != nil {
			return err
		}
		return insertHistory(ctx, tx, "edge_history", e.ID, 1, OpCreate, e.CreatedBy, now, nil, e)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create edge: %w", err)
	}

	s.emit(events.Event{
		Type:       events.EdgeCreated,
		EntityType: e.EdgeType,
		EntityID:   e.ID,
		Actor:      e.CreatedBy,
		Summary:    fmt.Sprintf("Linked %s -%s-> %s", e.SourceID, e.EdgeType, e.TargetID),
		Data:       map[string]any{"source_node_id": e.SourceID, "target_node_id": e.TargetID},
	})
	return e, nil
}

// GetEdge returns the edge with id.
func (s *Store) GetEdge(ctx context.Context, id string, opts GetOptions) (*Edge, error) {
	return getEdge(ctx, s.db, id, opts.IncludeDeleted)
}

// ListEdges returns edges matching filter ordered by created_at then id.
func (s *Store) ListEdges(ctx context.Context, filter EdgeFilter) ([]*Edge, error) {
	return listEdges(ctx, s.db, filter)
}

func listEdges(ctx context.Context, q querier, filter EdgeFilter) ([]*Edge, error) {
	var (
		where []string
		args  []any
	)
	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if filter.NodeID != "" {
		switch filter.Direction {
		case Outgoing:
			where = append(where, "source_node_id = ?")
			args = append(args, filter.NodeID)
		case Incoming:
			where = append(where, "target_node_id = ?")
			args = append(args, filter.NodeID)
		case Both, "":
			where = append(where, "(source_node_id = ? OR target_node_id = ?)")
			args = append(args, filter.NodeID, filter.NodeID)
		default:
			return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidInput, filter.Direction)
		}
	}
	if len(filter.Types) > 0 {
		where = append(where, "edge_type IN ("+placeholders(len(filter.Types))+")")
		args = append(args, stringArgs(filter.Types)...)
	}

	query := `SELECT ` + edgeColumns + ` FROM edges`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// UpdateEdge changes weight, directionality or metadata of an active edge.
func (s *Store) UpdateEdge(ctx context.Context, id string, upd EdgeUpdate, changedBy string) (*Edge, error) {
	if upd.Weight != nil {
		if err := validateWeight(*upd.Weight); err != nil {
			return nil, err
		}
	}
	if upd.Directionality != nil {
		if err := validateDirectionality(*upd.Directionality); err != nil {
			return nil, err
		}
	}

	var after *Edge
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := getEdge(ctx, tx, id, false)
		if err != nil {
			return err
		}

		next := *current
		next.Metadata = cloneMetadata(current.Metadata)
		if upd.Weight != nil {
			next.Weight = *upd.Weight
		}
		if upd.Directionality != nil {
			next.Directionality = *upd.Directionality
		}
		if upd.Metadata != nil {
			next.Metadata = mergeMetadata(current.Metadata, upd.Metadata)
		}
		next.Version = current.Version + 1
		next.UpdatedAt = s.now()

		if err := writeEdge(ctx, tx, &next); err != nil {
			return err
		}
		after = &next
		return insertHistory(ctx, tx, "edge_history", id, next.Version, OpUpdate, changedBy, next.UpdatedAt, current, &next)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update edge: %w", err)
	}
	return after, nil
}

// DeleteEdge soft-deletes an active edge.
func (s *Store) DeleteEdge(ctx context.Context, id, changedBy string) error {
	var deleted *Edge
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := getEdge(ctx, tx, id, false)
		if err != nil {
			return err
		}
		deleted, err = s.softDeleteEdge(ctx, tx, current, changedBy, s.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete edge: %w", err)
	}

	s.emitEdgeDeleted(deleted, changedBy)
	return nil
}

func (s *Store) softDeleteEdge(ctx context.Context, tx *sql.Tx, current *Edge, changedBy string, now time.Time) (*Edge, error) {
	next := *current
	next.Version = current.Version + 1
	next.UpdatedAt = now
	next.DeletedAt = &now
	if err := writeEdge(ctx, tx, &next); err != nil {
		return nil, err
	}
	if err := insertHistory(ctx, tx, "edge_history", current.ID, next.Version, OpDelete, changedBy, now, current, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

func (s *Store) emitEdgeDeleted(e *Edge, changedBy string) {
	s.emit(events.Event{
		Type:       events.EdgeDeleted,
		EntityType: e.EdgeType,
		EntityID:   e.ID,
		Actor:      changedBy,
		Summary:    fmt.Sprintf("Unlinked %s -%s-> %s", e.SourceID, e.EdgeType, e.TargetID),
		Data:       map[string]any{"source_node_id": e.SourceID, "target_node_id": e.TargetID},
	})
}

// GetEdgeHistory returns every history record for id ordered by version.
func (s *Store) GetEdgeHistory(ctx context.Context, id string) ([]HistoryRecord, error) {
	return s.history(ctx, "edge_history", id)
}

// Neighbors returns the active nodes adjacent to id along edges of the given
// types in direction dir. Bidirectional edges are followed either way.
func (s *Store) Neighbors(ctx context.Context, id string, dir Direction, edgeTypes ...string) ([]*Node, error) {
	edges, err := s.adjacent(ctx, id, dir, edgeTypes)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var nodes []*Node
	for _, e := range edges {
		other := e.Other(id)
		if seen[other] {
			continue
		}
		seen[other] = true

		n, err := getNode(ctx, s.db, other, false)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// adjacent returns active edges incident to id that a traversal in dir may
// follow.
func (s *Store) adjacent(ctx context.Context, id string, dir Direction, edgeTypes []string) ([]*Edge, error) {
	if dir == "" {
		dir = Outgoing
	}
	edges, err := listEdges(ctx, s.db, EdgeFilter{NodeID: id, Direction: Both, Types: edgeTypes})
	if err != nil {
		return nil, err
	}

	out := edges[:0]
	for _, e := range edges {
		if follows(e, id, dir) {
			out = append(out, e)
		}
	}
	return out, nil
}

func follows(e *Edge, from string, dir Direction) bool {
	if dir == Both || e.Directionality == Bidirectional {
		return true
	}
	if dir == Outgoing {
		return e.SourceID == from
	}
	return e.TargetID == from
}
