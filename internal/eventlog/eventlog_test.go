package eventlog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machPoint/pm-net/internal/events"
)

func TestEventLogWriteRead(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "events", "events.ndjson")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eventLog, err := NewEventLog(logPath, logger)
	if err != nil {
		t.Fatalf("failed to create event log: %v", err)
	}

	started := events.Event{ID: "e1", Type: events.IntakeStarted, EntityID: "task-1", SessionID: "s1", Summary: "Write changelog", OccurredAt: time.Now().UTC()}
	dispatched := events.Event{ID: "e2", Type: events.AgentDispatched, Summary: "step 1", OccurredAt: time.Now().UTC()}

	if err := eventLog.Write(started); err != nil {
		t.Fatalf("failed to write event: %v", err)
	}
	if err := eventLog.Write(dispatched); err != nil {
		t.Fatalf("failed to write event: %v", err)
	}
	if err := eventLog.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	info, err := os.Stat(logPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	ledger, err := ReadLedger(logPath)
	require.NoError(t, err)
	require.Len(t, ledger.Events, 2)
	assert.Equal(t, "e1", ledger.Events[0].ID)
	assert.Equal(t, events.AgentDispatched, ledger.Events[1].Type)
	assert.Zero(t, ledger.Skipped)
}

func TestEventLogAppendsAcrossReopen(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.ndjson")

	for i := 0; i < 2; i++ {
		l, err := NewEventLog(logPath, nil)
		require.NoError(t, err)
		require.NoError(t, l.Write(events.Event{Type: events.SchedulerCycle}))
		require.NoError(t, l.Close())
	}

	ledger, err := ReadLedger(logPath)
	require.NoError(t, err)
	assert.Len(t, ledger.Events, 2)
}

func TestEventLogWriteAfterClose(t *testing.T) {
	l, err := NewEventLog(filepath.Join(t.TempDir(), "events.ndjson"), nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	assert.Error(t, l.Write(events.Event{Type: events.NodeCreated}))
	assert.NoError(t, l.Close(), "double close is a no-op")
}

func TestAttachPersistsBusEvents(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.ndjson")
	l, err := NewEventLog(logPath, nil)
	require.NoError(t, err)

	bus := events.NewBus(nil)
	detach := l.Attach(bus)

	bus.Emit(events.Event{Type: events.NodeCreated, EntityID: "n1"})
	detach()
	bus.Emit(events.Event{Type: events.NodeCreated, EntityID: "n2"})
	require.NoError(t, l.Close())

	ledger, err := ReadLedger(logPath)
	require.NoError(t, err)
	require.Len(t, ledger.Events, 1)
	assert.Equal(t, "n1", ledger.Events[0].EntityID)
	assert.NotEmpty(t, ledger.Events[0].ID)
}

func TestReadLedgerSkipsTornLines(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.ndjson")
	content := `{"id":"e1","type":"graph.node.created","summary":"","occurred_at":"2026-01-02T03:04:05Z"}` + "\n" + `{"id":"e2","ty`
	require.NoError(t, os.WriteFile(logPath, []byte(content), 0600))

	ledger, err := ReadLedger(logPath)
	require.NoError(t, err)
	assert.Len(t, ledger.Events, 1)
	assert.Equal(t, 1, ledger.Skipped)
}

func TestReadLedgerSkipsOversizedLines(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.ndjson")
	content := `{"id":"e1","type":"graph.node.created","summary":"","occurred_at":"2026-01-02T03:04:05Z"}` + "\n" +
		`{"id":"big","type":"graph.node.updated","summary":"` + strings.Repeat("s", 300*1024) + `"}` + "\n" +
		`{"id":"e3","type":"graph.node.deleted","summary":"","occurred_at":"2026-01-02T03:04:06Z"}` + "\n"
	require.NoError(t, os.WriteFile(logPath, []byte(content), 0600))

	ledger, err := ReadLedger(logPath)
	require.NoError(t, err)
	require.Len(t, ledger.Events, 2)
	assert.Equal(t, "e3", ledger.Events[1].ID)
	assert.Equal(t, 1, ledger.Skipped)
}

func TestLedgerSelectAndTail(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ledger := &Ledger{Events: []events.Event{
		{ID: "1", Type: events.IntakeStarted, SessionID: "s1", OccurredAt: base},
		{ID: "2", Type: events.NodeCreated, EntityID: "n1", OccurredAt: base.Add(time.Minute)},
		{ID: "3", Type: events.IntakeStageChanged, SessionID: "s1", OccurredAt: base.Add(2 * time.Minute)},
		{ID: "4", Type: events.NodeCreated, EntityID: "n2", OccurredAt: base.Add(3 * time.Minute)},
	}}

	ids := func(evts []events.Event) []string {
		var out []string
		for _, e := range evts {
			out = append(out, e.ID)
		}
		return out
	}

	assert.Equal(t, []string{"2", "4"}, ids(ledger.Select(Filter{Types: []string{events.NodeCreated}})))
	assert.Equal(t, []string{"1", "3"}, ids(ledger.Select(Filter{SessionID: "s1"})))
	assert.Equal(t, []string{"4"}, ids(ledger.Select(Filter{EntityID: "n2"})))
	assert.Equal(t, []string{"3", "4"}, ids(ledger.Select(Filter{Since: base.Add(2 * time.Minute)})))
	assert.Equal(t, []string{"3", "4"}, ids(ledger.Tail(2)))
	assert.Len(t, ledger.Tail(0), 4)
	assert.Equal(t, 2, ledger.CountByType()[events.NodeCreated])
}
