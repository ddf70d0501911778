package intake

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSessionStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	st, err := NewFileSessionStore(dir)
	require.NoError(t, err)

	_, err = st.Get("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = st.Get("../escape")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	older := &Session{ID: "b", Stage: StageClarify, TaskID: "t1", CreatedAt: base, UpdatedAt: base,
		Messages: []Message{{Role: "user", Content: "hi", At: base}}}
	newer := &Session{ID: "a", Stage: StagePlan, TaskID: "t2", CreatedAt: base.Add(time.Minute), UpdatedAt: base}
	require.NoError(t, st.Put(newer))
	require.NoError(t, st.Put(older))

	got, err := st.Get("b")
	require.NoError(t, err)
	if diff := cmp.Diff(older, got); diff != "" {
		t.Errorf("session mismatch (-want +got):\n%s", diff)
	}

	info, err := os.Stat(filepath.Join(dir, "b.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	list, err := st.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)

	require.NoError(t, st.Delete("b"))
	assert.ErrorIs(t, st.Delete("b"), ErrSessionNotFound)
	assert.Error(t, st.Put(&Session{ID: "x/y"}))
}

func TestFileSessionStoreSurvivesEngineRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	open := func() *Engine {
		st, err := NewFileSessionStore(dir)
		require.NoError(t, err)
		eng, err := NewEngine(Deps{Graph: f.graph, LLM: f.llm, Dispatcher: f.dispatcher, Emitter: f.events, Sessions: st})
		require.NoError(t, err)
		return eng
	}

	s, err := open().Start(ctx, StartInput{Title: "Write changelog", CreatedBy: "pm"})
	require.NoError(t, err)

	f.llm.plans = append(f.llm.plans, planJSON(t, false, step("Draft")))
	res, err := open().GeneratePlan(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StageApprove, res.Session.Stage)

	got, err := open().GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Session.PlanID, got.PlanID)
	assert.Equal(t, StageApprove, got.Stage)
}
