package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/machPoint/pm-net/internal/events"
	"github.com/machPoint/pm-net/internal/store"
)

const nodeColumns = `id, node_type, title, description, status, metadata, created_by, created_at, updated_at, deleted_at, version`

func scanNode(row rowScanner) (*Node, error) {
	var (
		n                    Node
		description          sql.NullString
		metadata             string
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	if err := row.Scan(&n.ID, &n.NodeType, &n.Title, &description, &n.Status, &metadata,
		&n.CreatedBy, &createdAt, &updatedAt, &deletedAt, &n.Version); err != nil {
		return nil, err
	}

	n.Description = description.String
	var err error
	if n.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	if n.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if n.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if n.DeletedAt, err = store.ParseNullTime(deletedAt); err != nil {
		return nil, err
	}
	return &n, nil
}

func getNode(ctx context.Context, q querier, id string, includeDeleted bool) (*Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	n, err := scanNode(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read node %s: %w", id, err)
	}
	return n, nil
}

// writeNode stores n over the row at n.Version-1 (or inserts when Version is 1).
func writeNode(ctx context.Context, q querier, n *Node) error {
	metadata, err := encodeMetadata(n.Metadata)
	if err != nil {
		return err
	}
	description := sql.NullString{String: n.Description, Valid: n.Description != ""}

	if n.Version == 1 {
		_, err := q.ExecContext(ctx, `INSERT INTO nodes (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.NodeType, n.Title, description, n.Status, metadata, n.CreatedBy,
			store.FormatTime(n.CreatedAt), store.FormatTime(n.UpdatedAt), store.NullTime(n.DeletedAt), n.Version)
		if err != nil {
			if store.IsUniqueViolation(err) {
				return fmt.Errorf("%w: node %s already exists", ErrInvalidInput, n.ID)
			}
			return fmt.Errorf("failed to insert node: %w", err)
		}
		return nil
	}

	res, err := q.ExecContext(ctx, `UPDATE nodes SET title = ?, description = ?, status = ?, metadata = ?,
			updated_at = ?, deleted_at = ?, version = ?
		WHERE id = ? AND version = ?`,
		n.Title, description, n.Status, metadata,
		store.FormatTime(n.UpdatedAt), store.NullTime(n.DeletedAt), n.Version,
		n.ID, n.Version-1)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("node %s: %w", n.ID, ErrVersionConflict)
	}
	return nil
}

// CreateNode inserts a node at version 1 and records a create history entry.
func (s *Store) CreateNode(ctx context.Context, in NodeInput) (*Node, error) {
	if strings.TrimSpace(in.NodeType) == "" {
		return nil, fmt.Errorf("%w: node_type is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}

	now := s.now()
	n := &Node{
		ID:          in.ID,
		NodeType:    in.NodeType,
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		Metadata:    cloneMetadata(in.Metadata),
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := writeNode(ctx, tx, n); err != nil {
			return err
		}
		return insertHistory(ctx, tx, "node_history", n.ID, 1, OpCreate, n.CreatedBy, now, nil, n)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	s.logger.Debug("node created", "node_id", n.ID, "node_type", n.NodeType)
	s.emit(events.Event{
		Type:       events.NodeCreated,
		EntityType: n.NodeType,
		EntityID:   n.ID,
		Actor:      n.CreatedBy,
		Summary:    fmt.Sprintf("Created %s %q", n.NodeType, n.Title),
		Data:       map[string]any{"status": n.Status, "version": n.Version},
	})
	return n, nil
}

// GetNode returns the node with id. Soft-deleted nodes are ErrNotFound unless
// opts.IncludeDeleted is set.
func (s *Store) GetNode(ctx context.Context, id string, opts GetOptions) (*Node, error) {
	return getNode(ctx, s.db, id, opts.IncludeDeleted)
}

// ListNodes returns nodes matching filter ordered by created_at then id.
func (s *Store) ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	var (
		where []string
		args  []any
	)
	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if len(filter.Types) > 0 {
		where = append(where, "node_type IN ("+placeholders(len(filter.Types))+")")
		args = append(args, stringArgs(filter.Types)...)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		args = append(args, stringArgs(filter.Statuses)...)
	}
	if filter.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, filter.CreatedBy)
	}
	if filter.TitleContains != "" {
		where = append(where, "LOWER(title) LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(strings.ToLower(filter.TitleContains))+"%")
	}

	query := `SELECT ` + nodeColumns + ` FROM nodes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	// Metadata equality is checked in Go, so paging has to follow it.
	pageInSQL := len(filter.Metadata) == 0
	if pageInSQL && (filter.Limit > 0 || filter.Offset > 0) {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		if !pageInSQL && !metadataMatches(n.Metadata, filter.Metadata) {
			continue
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	if !pageInSQL {
		nodes = page(nodes, filter.Offset, filter.Limit)
	}
	return nodes, nil
}

// UpdateNode applies a partial update, bumps the version and records an
// update history entry with before and after states.
func (s *Store) UpdateNode(ctx context.Context, id string, upd NodeUpdate, changedBy string) (*Node, error) {
	if upd.Title != nil && strings.TrimSpace(*upd.Title) == "" {
		return nil, fmt.Errorf("%w: title cannot be empty", ErrInvalidInput)
	}

	var before, after *Node
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := getNode(ctx, tx, id, false)
		if err != nil {
			return err
		}
		before = current

		next := *current
		next.Metadata = cloneMetadata(current.Metadata)
		if upd.Title != nil {
			next.Title = *upd.Title
		}
		if upd.Description != nil {
			next.Description = *upd.Description
		}
		if upd.Status != nil {
			next.Status = *upd.Status
		}
		if upd.Metadata != nil {
			next.Metadata = mergeMetadata(current.Metadata, upd.Metadata)
		}
		next.Version = current.Version + 1
		next.UpdatedAt = s.now()

		if err := writeNode(ctx, tx, &next); err != nil {
			return err
		}
		after = &next
		return insertHistory(ctx, tx, "node_history", id, next.Version, OpUpdate, changedBy, next.UpdatedAt, before, after)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update node: %w", err)
	}

	data := map[string]any{"version": after.Version}
	if before.Status != after.Status {
		data["previous_status"] = before.Status
		data["status"] = after.Status
	}
	s.emit(events.Event{
		Type:       events.NodeUpdated,
		EntityType: after.NodeType,
		EntityID:   after.ID,
		Actor:      changedBy,
		Summary:    fmt.Sprintf("Updated %s %q", after.NodeType, after.Title),
		Data:       data,
	})
	return after, nil
}

// DeleteNode soft-deletes the node and every active edge touching it. Each
// entity gets its own delete history entry.
func (s *Store) DeleteNode(ctx context.Context, id, changedBy string) error {
	var (
		deleted      *Node
		deletedEdges []*Edge
	)
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := getNode(ctx, tx, id, false)
		if err != nil {
			return err
		}

		now := s.now()
		next := *current
		next.Version = current.Version + 1
		next.UpdatedAt = now
		next.DeletedAt = &now
		if err := writeNode(ctx, tx, &next); err != nil {
			return err
		}
		if err := insertHistory(ctx, tx, "node_history", id, next.Version, OpDelete, changedBy, now, current, &next); err != nil {
			return err
		}
		deleted = &next

		edges, err := listEdges(ctx, tx, EdgeFilter{NodeID: id, Direction: Both})
		if err != nil {
			return err
		}
		for _, e := range edges {
			removed, err := s.softDeleteEdge(ctx, tx, e, changedBy, now)
			if err != nil {
				return err
			}
			deletedEdges = append(deletedEdges, removed)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}

	s.emit(events.Event{
		Type:       events.NodeDeleted,
		EntityType: deleted.NodeType,
		EntityID:   deleted.ID,
		Actor:      changedBy,
		Summary:    fmt.Sprintf("Deleted %s %q", deleted.NodeType, deleted.Title),
		Data:       map[string]any{"version": deleted.Version, "edges_removed": len(deletedEdges)},
	})
	for _, e := range deletedEdges {
		s.emitEdgeDeleted(e, changedBy)
	}
	return nil
}

// GetNodeHistory returns every history record for id ordered by version.
func (s *Store) GetNodeHistory(ctx context.Context, id string) ([]HistoryRecord, error) {
	return s.history(ctx, "node_history", id)
}

// NodeAt decodes the after state of a history record into a Node.
func NodeAt(rec HistoryRecord) (*Node, error) {
	if len(rec.AfterState) == 0 {
		return nil, fmt.Errorf("history record %s has no after state", rec.ID)
	}
	var n Node
	if err := json.Unmarshal(rec.AfterState, &n); err != nil {
		return nil, fmt.Errorf("failed to decode node state: %w", err)
	}
	return &n, nil
}

func metadataMatches(have, want map[string]any) bool {
	for k, w := range want {
		h, ok := have[k]
		if !ok {
			return false
		}
		hj, err1 := json.Marshal(h)
		wj, err2 := json.Marshal(w)
		if err1 != nil || err2 != nil || string(hj) != string(wj) {
			return false
		}
	}
	return true
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
