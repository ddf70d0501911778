package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations are applied in order; a version is never edited once released.
var migrations = []migration{
	{
		version: 1,
		name:    "graph",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS nodes (
				id TEXT PRIMARY KEY,
				node_type TEXT NOT NULL,
				title TEXT NOT NULL,
				description TEXT,
				status TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '{}',
				created_by TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				deleted_at TEXT,
				version INTEGER NOT NULL DEFAULT 1
			)`,
			`CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(node_type)`,
			`CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status)`,
			`CREATE TABLE IF NOT EXISTS edges (
				id TEXT PRIMARY KEY,
				edge_type TEXT NOT NULL,
				source_node_id TEXT NOT NULL REFERENCES nodes(id),
				target_node_id TEXT NOT NULL REFERENCES nodes(id),
				weight REAL NOT NULL DEFAULT 1.0,
				directionality TEXT NOT NULL DEFAULT 'directed',
				metadata TEXT NOT NULL DEFAULT '{}',
				created_by TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				deleted_at TEXT,
				version INTEGER NOT NULL DEFAULT 1,
				CHECK (source_node_id <> target_node_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_node_id)`,
			`CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_node_id)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_active_unique
				ON edges(edge_type, source_node_id, target_node_id)
				WHERE deleted_at IS NULL`,
			`CREATE TABLE IF NOT EXISTS node_history (
				id TEXT PRIMARY KEY,
				entity_id TEXT NOT NULL,
				version INTEGER NOT NULL,
				operation TEXT NOT NULL,
				changed_by TEXT NOT NULL DEFAULT '',
				changed_at TEXT NOT NULL,
				before_state TEXT,
				after_state TEXT,
				UNIQUE(entity_id, version)
			)`,
			`CREATE TABLE IF NOT EXISTS edge_history (
				id TEXT PRIMARY KEY,
				entity_id TEXT NOT NULL,
				version INTEGER NOT NULL,
				operation TEXT NOT NULL,
				changed_by TEXT NOT NULL DEFAULT '',
				changed_at TEXT NOT NULL,
				before_state TEXT,
				after_state TEXT,
				UNIQUE(entity_id, version)
			)`,
		},
	},
	{
		version: 2,
		name:    "scheduler",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS schedule_profiles (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL DEFAULT '',
				work_start_hour INTEGER NOT NULL,
				work_end_hour INTEGER NOT NULL,
				max_jobs_per_day INTEGER NOT NULL,
				slot_minutes INTEGER NOT NULL DEFAULT 60,
				timezone TEXT NOT NULL DEFAULT 'UTC',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_profiles_project ON schedule_profiles(project_id)`,
			`CREATE TABLE IF NOT EXISTS scheduled_jobs (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL DEFAULT '',
				task_id TEXT NOT NULL DEFAULT '',
				step_order INTEGER NOT NULL DEFAULT 0,
				title TEXT NOT NULL,
				payload TEXT NOT NULL DEFAULT '{}',
				run_at TEXT NOT NULL,
				status TEXT NOT NULL,
				recurrence_cron TEXT,
				attempt_count INTEGER NOT NULL DEFAULT 0,
				last_error TEXT,
				agent_id TEXT,
				runtime TEXT,
				job_key TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				started_at TEXT,
				completed_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_due ON scheduled_jobs(status, run_at)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_key ON scheduled_jobs(job_key)`,
			`CREATE TABLE IF NOT EXISTS schedule_runs (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL,
				profile_id TEXT NOT NULL DEFAULT '',
				started_at TEXT NOT NULL,
				completed_at TEXT,
				jobs_created INTEGER NOT NULL DEFAULT 0,
				jobs_skipped INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				error TEXT
			)`,
		},
	},
}

// LatestVersion is the schema version a freshly opened database ends up at.
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, FormatTime(time.Now()))
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration version (0 if none).
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
