package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(name, value string) Strategy[string] {
	return Strategy[string]{Name: name, Run: func(context.Context) (string, error) { return value, nil }}
}

func failing(name string, err error) Strategy[string] {
	return Strategy[string]{Name: name, Run: func(context.Context) (string, error) { return "", err }}
}

func TestRunFirstSuccessWins(t *testing.T) {
	out, err := Run(context.Background(), []Strategy[string]{ok("a", "from-a"), ok("b", "from-b")}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "from-a", out.Value)
	assert.Equal(t, "a", out.Winner)
	assert.Len(t, out.Attempts, 1)
}

func TestRunFallsThroughFailuresAndUnavailable(t *testing.T) {
	calledUnavailable := false
	unavailable := Strategy[string]{
		Name:      "offline",
		Available: func(context.Context) bool { return false },
		Run: func(context.Context) (string, error) {
			calledUnavailable = true
			return "", nil
		},
	}

	out, err := Run(context.Background(), []Strategy[string]{
		failing("broken", errors.New("exit status 1")),
		unavailable,
		ok("backup", "done"),
	}, Options{Label: "test"})
	require.NoError(t, err)

	assert.Equal(t, "backup", out.Winner)
	assert.False(t, calledUnavailable)
	require.Len(t, out.Attempts, 3)
	assert.EqualError(t, out.Attempts[0].Err, "exit status 1")
	assert.True(t, out.Attempts[1].Skipped())
	assert.NoError(t, out.Attempts[2].Err)
}

func TestRunExhausted(t *testing.T) {
	_, err := Run(context.Background(), []Strategy[string]{
		failing("a", errors.New("boom")),
		{Name: "b", Available: func(context.Context) bool { return false }},
	}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllFailed)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, "a: boom; b: unavailable", err.Error())
}

func TestRunNoStrategies(t *testing.T) {
	_, err := Run[string](context.Background(), nil, Options{})
	assert.ErrorIs(t, err, ErrAllFailed)
	assert.Equal(t, "no strategies configured", err.Error())
}

func TestRunPerAttemptTimeout(t *testing.T) {
	slow := Strategy[string]{
		Name: "slow",
		Run: func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}

	start := time.Now()
	out, err := Run(context.Background(), []Strategy[string]{slow, ok("fast", "ok")}, Options{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "fast", out.Winner)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, out.Attempts[0].Err, context.DeadlineExceeded)
	assert.Contains(t, out.Attempts[0].Err.Error(), "timed out")
}

func TestRunRecoversPanics(t *testing.T) {
	bad := Strategy[string]{Name: "bad", Run: func(context.Context) (string, error) { panic("nil map") }}
	out, err := Run(context.Background(), []Strategy[string]{bad, ok("good", "v")}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "good", out.Winner)
	assert.Contains(t, out.Attempts[0].Err.Error(), "panic")
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, []Strategy[string]{ok("a", "v")}, Options{})
	assert.ErrorIs(t, err, ErrAllFailed)
	assert.Contains(t, err.Error(), "context canceled")
}
