package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var monday9 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestJobStore(t *testing.T) *JobStore {
	t.Helper()
	jobs := NewJobStore(openTestDB(t), nil)
	fixedClock(jobs, monday9)
	return jobs
}

func mustJob(t *testing.T, jobs *JobStore, title string, runAt time.Time) *Job {
	t.Helper()
	j, err := jobs.CreateJob(context.Background(), JobInput{Title: title, RunAt: runAt, Payload: map[string]any{"action": title}})
	require.NoError(t, err)
	return j
}

func TestCreateAndGetJob(t *testing.T) {
	jobs := newTestJobStore(t)
	ctx := context.Background()

	created, err := jobs.CreateJob(ctx, JobInput{
		ProjectID:      "proj-1",
		TaskID:         "task-1",
		StepOrder:      2,
		Title:          "Draft release notes",
		Payload:        map[string]any{"action": "Draft release notes", "tool": "editor"},
		RunAt:          monday9.Add(time.Hour),
		RecurrenceCron: "0 9 * * 1-5",
		AgentID:        "writer",
		Runtime:        "cli",
		JobKey:         "job:abc",
	})
	require.NoError(t, err)

	got, err := jobs.GetJob(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusScheduled, got.Status)
	assert.Equal(t, "proj-1", got.ProjectID)
	assert.Equal(t, 2, got.StepOrder)
	assert.Equal(t, "editor", got.Payload["tool"])
	assert.True(t, got.RunAt.Equal(monday9.Add(time.Hour)))
	assert.Equal(t, "0 9 * * 1-5", got.RecurrenceCron)
	assert.Equal(t, "writer", got.AgentID)
	assert.Equal(t, "cli", got.Runtime)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestCreateJobValidation(t *testing.T) {
	jobs := newTestJobStore(t)
	ctx := context.Background()

	_, err := jobs.CreateJob(ctx, JobInput{RunAt: monday9})
	assert.Error(t, err, "title is required")

	_, err = jobs.CreateJob(ctx, JobInput{Title: "x"})
	assert.Error(t, err, "run_at is required")

	_, err = jobs.CreateJob(ctx, JobInput{Title: "x", RunAt: monday9, RecurrenceCron: "every day"})
	assert.ErrorIs(t, err, ErrInvalidCron)
}

func TestGetJobNotFound(t *testing.T) {
	jobs := newTestJobStore(t)
	_, err := jobs.GetJob(context.Background(), "missing")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestClaimDueJobs(t *testing.T) {
	jobs := newTestJobStore(t)
	ctx := context.Background()

	late := mustJob(t, jobs, "late", monday9.Add(-time.Hour))
	onTime := mustJob(t, jobs, "on time", monday9)
	future := mustJob(t, jobs, "future", monday9.Add(time.Minute))

	claimed, err := jobs.ClaimDueJobs(ctx, monday9, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, late.ID, claimed[0].ID, "oldest run_at first")
	assert.Equal(t, onTime.ID, claimed[1].ID)
	for _, j := range claimed {
		assert.Equal(t, StatusRunning, j.Status)
		require.NotNil(t, j.StartedAt)
	}

	again, err := jobs.ClaimDueJobs(ctx, monday9, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed jobs are not handed out twice")

	f, err := jobs.GetJob(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, f.Status)
}

func TestClaimDueJobsRespectsLimit(t *testing.T) {
	jobs := newTestJobStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustJob(t, jobs, "job", monday9.Add(-time.Duration(i)*time.Minute))
	}

	first, err := jobs.ClaimDueJobs(ctx, monday9, 3)
	require.NoError(t, err)
	assert.Len(t, first, 3)

	rest, err := jobs.ClaimDueJobs(ctx, monday9, 3)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	jobs := newTestJobStore(t)
	ctx := context.Background()
	const total = 20
	for i := 0; i < total; i++ {
		mustJob(t, jobs, "job", monday9.Add(-time.Duration(i)*time.Second))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := jobs.ClaimDueJobs(ctx, monday9, 3)
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, j := range claimed {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

func TestCompleteAndFailJob(t *testing.T) {
	jobs := newTestJobStore(t)
	ctx := context.Background()

	a := mustJob(t, jobs, "a", monday9)
	b := mustJob(t, jobs, "b", monday9)
	markRunning(t, jobs, a.ID)
	markRunning(t, jobs, b.ID)

	done, err := jobs.CompleteJob(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 1, done.AttemptCount)
	assert.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.LastError)

	failed, err := jobs.FailJob(ctx, b.ID, "All agent runtimes failed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.AttemptCount)
	assert.Equal(t, "All agent runtimes failed", failed.LastError)

	_, err = jobs.CompleteJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestFinishOnlyMovesRunningJobs(t *testing.T) {
	jobs := newTestJobStore(t)
	ctx := context.Background()

	scheduled := mustJob(t, jobs, "scheduled", monday9.Add(time.Hour))
	_, err := jobs.CompleteJob(ctx, scheduled.ID)
	require.ErrorIs(t, err, ErrJobState)

	canceled := mustJob(t, jobs, "canceled", monday9.Add(time.Hour))
	_, err = jobs.CancelJob(ctx, canceled.ID)
	require.NoError(t, err)
	current, err := jobs.FailJob(ctx, canceled.ID, "late failure")
	require.ErrorIs(t, err, ErrJobState)
	assert.Equal(t, StatusCanceled, current.Status)

	done := mustJob(t, jobs, "done", monday9)
	markRunning(t, jobs, done.ID)
	_, err = jobs.CompleteJob(ctx, done.ID)
	require.NoError(t, err)
	_, err = jobs.FailJob(ctx, done.ID, "second writer")
	require.ErrorIs(t, err, ErrJobState)

	got, err := jobs.GetJob(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Empty(t, got.LastError)
}

func TestLiveJobExistsIgnoresFailedAndCanceled(t *testing.T) {
	jobs := newTestJobStore(t)
	ctx := context.Background()

	j, err := jobs.CreateJob(ctx, JobInput{Title: "step", RunAt: monday9, JobKey: "job:step"})
	require.NoError(t, err)

	live, err := jobs.LiveJobExists(ctx, "job:step")
	require.NoError(t, err)
	assert.True(t, live)

	markRunning(t, jobs, j.ID)
	_, err = jobs.FailJob(ctx, j.ID, "boom")
	require.NoError(t, err)

	live, err = jobs.LiveJobExists(ctx, "job:step")
	require.NoError(t, err)
	assert.False(t, live)
	exists, err := jobs.JobExists(ctx, "job:step")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCancelJob(t *testing.T) {
	jobs := newTestJobStore(t)
	ctx := context.Background()

	j := mustJob(t, jobs, "a", monday9.Add(time.Hour))
	canceled, err := jobs.CancelJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, canceled.Status)

	_, err = jobs.CancelJob(ctx, j.ID)
	assert.ErrorIs(t, err, ErrJobState)

	claimed, err := jobs.ClaimDueJobs(ctx, monday9.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "canceled jobs are never claimed")
}

func TestListJobsFilters(t *testing.T) {
	jobs := newTestJobStore(t)
	ctx := context.Background()

	_, err := jobs.CreateJob(ctx, JobInput{Title: "p1", ProjectID: "p1", TaskID: "t1", RunAt: monday9})
	require.NoError(t, err)
	_, err = jobs.CreateJob(ctx, JobInput{Title: "p1 later", ProjectID: "p1", TaskID: "t2", RunAt: monday9.Add(time.Hour)})
	require.NoError(t, err)
	other, err := jobs.CreateJob(ctx, JobInput{Title: "p2", ProjectID: "p2", RunAt: monday9})
	require.NoError(t, err)
	markRunning(t, jobs, other.ID)
	_, err = jobs.CompleteJob(ctx, other.ID)
	require.NoError(t, err)

	byProject, err := jobs.ListJobs(ctx, JobFilter{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, byProject, 2)
	assert.Equal(t, "p1", byProject[0].Title)

	byTask, err := jobs.ListJobs(ctx, JobFilter{TaskID: "t2"})
	require.NoError(t, err)
	require.Len(t, byTask, 1)

	completed, err := jobs.ListJobs(ctx, JobFilter{Statuses: []string{StatusCompleted}})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, other.ID, completed[0].ID)

	due := monday9
	dueJobs, err := jobs.ListJobs(ctx, JobFilter{DueBefore: &due, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, dueJobs, 1)
}

func TestJobExists(t *testing.T) {
	jobs := newTestJobStore(t)
	ctx := context.Background()

	exists, err := jobs.JobExists(ctx, "job:k")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = jobs.CreateJob(ctx, JobInput{Title: "x", RunAt: monday9, JobKey: "job:k"})
	require.NoError(t, err)

	exists, err = jobs.JobExists(ctx, "job:k")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestUpsertProfile(t *testing.T) {
	jobs := newTestJobStore(t)
	ctx := context.Background()

	p, err := jobs.UpsertProfile(ctx, Profile{ProjectID: "p1", WorkStartHour: 8, WorkEndHour: 12, MaxJobsPerDay: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, 60, p.SlotMinutes)
	assert.Equal(t, "UTC", p.Timezone)

	p.MaxJobsPerDay = 5
	updated, err := jobs.UpsertProfile(ctx, *p)
	require.NoError(t, err)
	assert.Equal(t, p.ID, updated.ID)
	assert.Equal(t, 5, updated.MaxJobsPerDay)

	forProject, err := jobs.ProfileForProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, forProject.ID)

	_, err = jobs.ProfileForProject(ctx, "p2")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestProfileValidation(t *testing.T) {
	jobs := newTestJobStore(t)
	ctx := context.Background()

	bad := []Profile{
		{WorkStartHour: 17, WorkEndHour: 9, MaxJobsPerDay: 1},
		{WorkStartHour: 9, WorkEndHour: 25, MaxJobsPerDay: 1},
		{WorkStartHour: 9, WorkEndHour: 17, MaxJobsPerDay: 0},
		{WorkStartHour: 9, WorkEndHour: 17, MaxJobsPerDay: 1, Timezone: "Mars/Olympus"},
	}
	for _, p := range bad {
		_, err := jobs.UpsertProfile(ctx, p)
		assert.Error(t, err, "%+v", p)
	}
}

func TestScheduleRuns(t *testing.T) {
	jobs := newTestJobStore(t)
	ctx := context.Background()

	run, err := jobs.CreateRun(ctx, "p1", "")
	require.NoError(t, err)
	run.JobsCreated = 4
	run.JobsSkipped = 1
	require.NoError(t, jobs.FinishRun(ctx, run, nil))

	failed, err := jobs.CreateRun(ctx, "p1", "")
	require.NoError(t, err)
	require.NoError(t, jobs.FinishRun(ctx, failed, errors.New("graph unavailable")))

	runs, err := jobs.ListRuns(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byID := map[string]*Run{}
	for _, r := range runs {
		byID[r.ID] = r
	}
	assert.Equal(t, StatusCompleted, byID[run.ID].Status)
	assert.Equal(t, 4, byID[run.ID].JobsCreated)
	assert.Equal(t, 1, byID[run.ID].JobsSkipped)
	assert.Equal(t, StatusFailed, byID[failed.ID].Status)
	assert.Equal(t, "graph unavailable", byID[failed.ID].Error)
}
