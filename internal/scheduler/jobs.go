// Package scheduler turns approved plan steps into persisted jobs and
// dispatches them when they fall due. Jobs are claimed atomically, so two
// loops sharing a database never run the same job at once.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/machPoint/pm-net/internal/store"
)

var (
	// ErrJobNotFound is returned when no job has the requested id.
	ErrJobNotFound = errors.New("job not found")
	// ErrProfileNotFound is returned when no schedule profile matches.
	ErrProfileNotFound = errors.New("schedule profile not found")
	// ErrJobState is returned when a job is not in a state that allows the
	// requested transition.
	ErrJobState = errors.New("invalid job state")
)

// Job statuses.
const (
	StatusScheduled = "scheduled"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Job is a persisted unit of deferred or recurring dispatch work.
type Job struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id,omitempty"`
	TaskID         string         `json:"task_id,omitempty"`
	StepOrder      int            `json:"step_order"`
	Title          string         `json:"title"`
	Payload        map[string]any `json:"payload"`
	RunAt          time.Time      `json:"run_at"`
	Status         string         `json:"status"`
	RecurrenceCron string         `json:"recurrence_cron,omitempty"`
	AttemptCount   int            `json:"attempt_count"`
	LastError      string         `json:"last_error,omitempty"`
	AgentID        string         `json:"agent_id,omitempty"`
	Runtime        string         `json:"runtime,omitempty"`
	JobKey         string         `json:"job_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// JobInput describes a job to create.
type JobInput struct {
	ProjectID      string
	TaskID         string
	StepOrder      int
	Title          string
	Payload        map[string]any
	RunAt          time.Time
	RecurrenceCron string
	AgentID        string
	Runtime        string
	JobKey         string
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	ProjectID string
	TaskID    string
	Statuses  []string
	DueBefore *time.Time
	Limit     int
}

// Profile shapes bulk generation: jobs are placed slot_minutes apart inside
// [WorkStartHour, WorkEndHour) with at most MaxJobsPerDay per day.
type Profile struct {
	ID            string    `json:"id" yaml:"id"`
	ProjectID     string    `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	WorkStartHour int       `json:"work_start_hour" yaml:"work_start_hour"`
	WorkEndHour   int       `json:"work_end_hour" yaml:"work_end_hour"`
	MaxJobsPerDay int       `json:"max_jobs_per_day" yaml:"max_jobs_per_day"`
	SlotMinutes   int       `json:"slot_minutes" yaml:"slot_minutes"`
	Timezone      string    `json:"timezone" yaml:"timezone"`
	CreatedAt     time.Time `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"-"`
}

// DefaultProfile is used when a project has no stored profile.
func DefaultProfile() Profile {
	return Profile{
		WorkStartHour: 9,
		WorkEndHour:   17,
		MaxJobsPerDay: 8,
		SlotMinutes:   60,
		Timezone:      "UTC",
	}
}

// Validate checks the window and caps.
func (p Profile) Validate() error {
	if p.WorkStartHour < 0 || p.WorkStartHour > 23 {
		return fmt.Errorf("work_start_hour must be 0-23, got %d", p.WorkStartHour)
	}
	if p.WorkEndHour <= p.WorkStartHour || p.WorkEndHour > 24 {
		return fmt.Errorf("work_end_hour must be after work_start_hour and at most 24, got %d", p.WorkEndHour)
	}
	if p.MaxJobsPerDay <= 0 {
		return fmt.Errorf("max_jobs_per_day must be positive, got %d", p.MaxJobsPerDay)
	}
	if p.SlotMinutes <= 0 {
		return fmt.Errorf("slot_minutes must be positive, got %d", p.SlotMinutes)
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("unknown timezone %q: %w", p.Timezone, err)
	}
	return nil
}

// Run records one bulk generation.
type Run struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	ProfileID   string     `json:"profile_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	JobsCreated int        `json:"jobs_created"`
	JobsSkipped int        `json:"jobs_skipped"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
}

// JobStore persists jobs, profiles and generation runs in SQLite.
type JobStore struct {
	db     *store.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewJobStore creates a job store on an opened database.
func NewJobStore(db *store.DB, logger *slog.Logger) *JobStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &JobStore{db: db, logger: logger, now: time.Now}
}

const jobColumns = `id, project_id, task_id, step_order, title, payload, run_at, status,
	recurrence_cron, attempt_count, last_error, agent_id, runtime, job_key,
	created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                        Job
		payload, runAt           string
		createdAt, updatedAt     string
		cron, lastErr, agent, rt sql.NullString
		startedAt, completedAt   sql.NullString
	)
	if err := row.Scan(&j.ID, &j.ProjectID, &j.TaskID, &j.StepOrder, &j.Title, &payload, &runAt, &j.Status,
		&cron, &j.AttemptCount, &lastErr, &agent, &rt, &j.JobKey,
		&createdAt, &updatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	j.RecurrenceCron = cron.String
	j.LastError = lastErr.String
	j.AgentID = agent.String
	j.Runtime = rt.String

	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of job %s: %w", j.ID, err)
	}

	var err error
	if j.RunAt, err = store.ParseTime(runAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if j.StartedAt, err = store.ParseNullTime(startedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = store.ParseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateJob inserts a scheduled job. A recurrence expression must parse.
func (s *JobStore) CreateJob(ctx context.Context, in JobInput) (*Job, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("job title is required")
	}
	if in.RunAt.IsZero() {
		return nil, fmt.Errorf("job run_at is required")
	}
	if in.RecurrenceCron != "" {
		if _, err := ParseCron(in.RecurrenceCron); err != nil {
			return nil, err
		}
	}

	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	now := s.now().UTC()
	id := uuid.NewString()

	err = store.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO scheduled_jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?, ?, ?, ?, NULL, NULL)`,
			id, in.ProjectID, in.TaskID, in.StepOrder, in.Title, string(data),
			store.FormatTime(in.RunAt), StatusScheduled, nullString(in.RecurrenceCron),
			nullString(in.AgentID), nullString(in.Runtime), in.JobKey,
			store.FormatTime(now), store.FormatTime(now))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	s.logger.Debug("job scheduled", "job_id", id, "title", in.Title, "run_at", in.RunAt)
	return s.GetJob(ctx, id)
}

// GetJob loads one job.
func (s *JobStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs ordered by run_at then id.
func (s *JobStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(filter.Statuses)), ", ")+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.DueBefore != nil {
		where = append(where, "run_at <= ?")
		args = append(args, store.FormatTime(*filter.DueBefore))
	}

	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY run_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimDueJobs moves up to limit scheduled jobs with run_at <= now to running
// in a single statement and returns them ordered by run_at. A job returned
// here is never returned to another caller.
func (s *JobStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	stamp := store.FormatTime(s.now())

	var jobs []*Job
	err := store.RetryOnBusy(ctx, 5, func() error {
		jobs = nil
		rows, err := s.db.QueryContext(ctx, `UPDATE scheduled_jobs
			SET status = ?, started_at = ?, updated_at = ?
			WHERE id IN (
				SELECT id FROM scheduled_jobs
				WHERE status = ? AND run_at <= ?
				ORDER BY run_at, id
				LIMIT ?
			) AND status = ?
			RETURNING `+jobColumns,
			StatusRunning, stamp, stamp,
			StatusScheduled, store.FormatTime(now), limit,
			StatusScheduled)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}

	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].RunAt.Equal(jobs[b].RunAt) {
			return jobs[a].RunAt.Before(jobs[b].RunAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
	return jobs, nil
}

// CompleteJob marks a running job completed and counts the attempt.
func (s *JobStore) CompleteJob(ctx context.Context, id string) (*Job, error) {
	return s.finish(ctx, id, StatusCompleted, "")
}

// FailJob marks a running job failed, counts the attempt and keeps the error.
func (s *JobStore) FailJob(ctx context.Context, id, reason string) (*Job, error) {
	return s.finish(ctx, id, StatusFailed, reason)
}

// finish moves a running job to a terminal status. A job that left running
// in the meantime is not touched and ErrJobState is returned.
func (s *JobStore) finish(ctx context.Context, id, status, reason string) (*Job, error) {
	stamp := store.FormatTime(s.now())
	var affected int64
	err := store.RetryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs
			SET status = ?, attempt_count = attempt_count + 1, last_error = ?,
				completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			status, nullString(reason), stamp, stamp, id, StatusRunning)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark job %s: %w", status, err)
	}
	if affected == 0 {
		current, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		return current, fmt.Errorf("%w: job %s is %s, not %s", ErrJobState, id, current.Status, StatusRunning)
	}
	return s.GetJob(ctx, id)
}

// CancelJob cancels a job that has not started.
func (s *JobStore) CancelJob(ctx context.Context, id string) (*Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusScheduled {
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobState, id, job.Status)
	}

	stamp := store.FormatTime(s.now())
	var affected int64
	err = store.RetryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`, StatusCanceled, stamp, id, StatusScheduled)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	if affected == 0 {
		// Claimed between the read and the update.
		return nil, fmt.Errorf("%w: job %s is no longer scheduled", ErrJobState, id)
	}
	return s.GetJob(ctx, id)
}

// JobExists reports whether any job carries key.
func (s *JobStore) JobExists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM scheduled_jobs WHERE job_key = ?`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check job key: %w", err)
	}
	return n > 0, nil
}

// LiveJobExists reports whether a job carrying key is scheduled, running or
// completed. Failed and canceled jobs do not count, so their step can be
// scheduled again.
func (s *JobStore) LiveJobExists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM scheduled_jobs
		WHERE job_key = ? AND status NOT IN (?, ?)`, key, StatusFailed, StatusCanceled).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check job key: %w", err)
	}
	return n > 0, nil
}

const profileColumns = `id, project_id, work_start_hour, work_end_hour, max_jobs_per_day,
	slot_minutes, timezone, created_at, updated_at`

func scanProfile(row rowScanner) (*Profile, error) {
	var (
		p                    Profile
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.ProjectID, &p.WorkStartHour, &p.WorkEndHour, &p.MaxJobsPerDay,
		&p.SlotMinutes, &p.Timezone, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProfile loads a profile by id.
func (s *JobStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM schedule_profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	return p, nil
}

// ProfileForProject returns the most recently updated profile of a project.
func (s *JobStore) ProfileForProject(ctx context.Context, projectID string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM schedule_profiles
		WHERE project_id = ? ORDER BY updated_at DESC, id LIMIT 1`, projectID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s", ErrProfileNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	return p, nil
}

// UpsertProfile validates p and inserts or replaces it. An empty id is
// assigned.
func (s *JobStore) UpsertProfile(ctx context.Context, p Profile) (*Profile, error) {
	if p.SlotMinutes == 0 {
		p.SlotMinutes = 60
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schedule profile: %w", err)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	stamp := store.FormatTime(s.now())
	err := store.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO schedule_profiles (`+profileColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				project_id = excluded.project_id,
				work_start_hour = excluded.work_start_hour,
				work_end_hour = excluded.work_end_hour,
				max_jobs_per_day = excluded.max_jobs_per_day,
				slot_minutes = excluded.slot_minutes,
				timezone = excluded.timezone,
				updated_at = excluded.updated_at`,
			p.ID, p.ProjectID, p.WorkStartHour, p.WorkEndHour, p.MaxJobsPerDay,
			p.SlotMinutes, p.Timezone, stamp, stamp)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	return s.GetProfile(ctx, p.ID)
}

// CreateRun opens a generation run record.
func (s *JobStore) CreateRun(ctx context.Context, projectID, profileID string) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		ProfileID: profileID,
		StartedAt: s.now().UTC(),
		Status:    StatusRunning,
	}
	err := store.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO schedule_runs
			(id, project_id, profile_id, started_at, status) VALUES (?, ?, ?, ?, ?)`,
			run.ID, run.ProjectID, run.ProfileID, store.FormatTime(run.StartedAt), run.Status)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create schedule run: %w", err)
	}
	return run, nil
}

// FinishRun closes a run with its counts. A non-nil runErr marks it failed.
func (s *JobStore) FinishRun(ctx context.Context, run *Run, runErr error) error {
	now := s.now().UTC()
	run.CompletedAt = &now
	run.Status = StatusCompleted
	if runErr != nil {
		run.Status = StatusFailed
		run.Error = runErr.Error()
	}
	return store.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE schedule_runs
			SET completed_at = ?, jobs_created = ?, jobs_skipped = ?, status = ?, error = ?
			WHERE id = ?`,
			store.FormatTime(now), run.JobsCreated, run.JobsSkipped, run.Status, nullString(run.Error), run.ID)
		if err != nil {
			return fmt.Errorf("failed to finish schedule run: %w", err)
		}
		return nil
	})
}

// ListRuns returns the generation runs of a project, newest first.
func (s *JobStore) ListRuns(ctx context.Context, projectID string) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, profile_id, started_at, completed_at,
		jobs_created, jobs_skipped, status, error FROM schedule_runs
		WHERE project_id = ? ORDER BY started_at DESC, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			r           Run
			startedAt   string
			completedAt sql.NullString
			runErr      sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.ProfileID, &startedAt, &completedAt,
			&r.JobsCreated, &r.JobsSkipped, &r.Status, &runErr); err != nil {
			return nil, err
		}
		if r.StartedAt, err = store.ParseTime(startedAt); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = store.ParseNullTime(completedAt); err != nil {
			return nil, err
		}
		r.Error = runErr.String
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
