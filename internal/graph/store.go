package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/machPoint/pm-net/internal/events"
	"github.com/machPoint/pm-net/internal/store"
)

// Store is the graph store. All mutations go through it so the version
// counter and the history log stay consistent.
type Store struct {
	db      *store.DB
	emitter events.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Store on db. emitter and logger may be nil.
func New(db *store.DB, emitter events.Emitter, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		db:      db,
		emitter: emitter,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) emit(evt events.Event) {
	events.Emit(s.emitter, evt)
}

func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: metadata is not JSON-serializable: %v", ErrInvalidInput, err)
	}
	return string(data), nil
}

func decodeMetadata(raw string) (map[string]any, error) {
	m := map[string]any{}
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}

// mergeMetadata returns a copy of base with patch applied. Nil values delete.
func mergeMetadata(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func cloneMetadata(m map[string]any) map[string]any {
	return mergeMetadata(m, nil)
}

func insertHistory(ctx context.Context, q querier, table, entityID string, version int, op, changedBy string, changedAt time.Time, before, after any) error {
	var beforeJSON, afterJSON sql.NullString
	if before != nil {
		data, err := json.Marshal(before)
		if err != nil {
			return fmt.Errorf("failed to encode before state: %w", err)
		}
		beforeJSON = sql.NullString{String: string(data), Valid: true}
	}
	if after != nil {
		data, err := json.Marshal(after)
		if err != nil {
			return fmt.Errorf("failed to encode after state: %w", err)
		}
		afterJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, entity_id, version, operation, changed_by, changed_at, before_state, after_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, table)
	if _, err := q.ExecContext(ctx, query,
		uuid.NewString(), entityID, version, op, changedBy, store.FormatTime(changedAt), beforeJSON, afterJSON); err != nil {
		return fmt.Errorf("failed to write %s: %w", table, err)
	}
	return nil
}

func (s *Store) history(ctx context.Context, table, entityID string) ([]HistoryRecord, error) {
	query := fmt.Sprintf(`SELECT id, entity_id, version, operation, changed_by, changed_at, before_state, after_state
		FROM %s WHERE entity_id = ? ORDER BY version ASC`, table)
	rows, err := s.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var (
			rec           HistoryRecord
			changedAt     string
			before, after sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.EntityID, &rec.Version, &rec.Operation, &rec.ChangedBy, &changedAt, &before, &after); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		if rec.ChangedAt, err = store.ParseTime(changedAt); err != nil {
			return nil, err
		}
		if before.Valid {
			rec.BeforeState = json.RawMessage(before.String)
		}
		if after.Valid {
			rec.AfterState = json.RawMessage(after.String)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
