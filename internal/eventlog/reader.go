package eventlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/machPoint/pm-net/internal/events"
	"github.com/machPoint/pm-net/internal/ndjson"
)

// Ledger is a parsed event log.
type Ledger struct {
	Events []events.Event
	// Skipped counts lines that could not be decoded (for example a torn
	// final write).
	Skipped int
}

// Filter narrows Ledger.Select. Zero fields match everything.
type Filter struct {
	Types     []string
	EntityID  string
	SessionID string
	Since     time.Time
}

// ReadLedger reads and parses an NDJSON event log
func ReadLedger(path string) (*Ledger, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	ledger := &Ledger{Events: make([]events.Event, 0)}
	decoder := ndjson.NewDecoder(file, nil)

	for {
		var evt events.Event
		err := decoder.Decode(&evt)
		if errors.Is(err, io.EOF) {
			break
		}
		if ndjson.Skippable(err) {
			ledger.Skipped++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event log: %w", err)
		}
		ledger.Events = append(ledger.Events, evt)
	}

	return ledger, nil
}

// Select returns events matching f in log order.
func (l *Ledger) Select(f Filter) []events.Event {
	out := make([]events.Event, 0, len(l.Events))
	for _, evt := range l.Events {
		if len(f.Types) > 0 && !slices.Contains(f.Types, evt.Type) {
			continue
		}
		if f.EntityID != "" && evt.EntityID != f.EntityID {
			continue
		}
		if f.SessionID != "" && evt.SessionID != f.SessionID {
			continue
		}
		if !f.Since.IsZero() && evt.OccurredAt.Before(f.Since) {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// Tail returns the last n events (all when n <= 0).
func (l *Ledger) Tail(n int) []events.Event {
	if n <= 0 || n >= len(l.Events) {
		return l.Events
	}
	return l.Events[len(l.Events)-n:]
}

// CountByType tallies events per type.
func (l *Ledger) CountByType() map[string]int {
	counts := make(map[string]int)
	for _, evt := range l.Events {
		counts[evt.Type]++
	}
	return counts
}
