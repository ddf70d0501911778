// Package eventlog persists bus events to an append-only NDJSON file and reads
// them back for the events command.
package eventlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/machPoint/pm-net/internal/events"
	"github.com/machPoint/pm-net/internal/ndjson"
)

// EventLog writes events to an NDJSON file
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewEventLog creates a new event log
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// Write appends one event
func (l *EventLog) Write(evt events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("event log is closed")
	}
	return l.encoder.Encode(evt)
}

// Attach registers the log as a listener on bus and returns the function that
// detaches it. Write failures are logged, never propagated to the emitter.
func (l *EventLog) Attach(bus *events.Bus) func() {
	return bus.On(func(evt events.Event) {
		if err := l.Write(evt); err != nil {
			l.logger.Warn("failed to persist event", "event_type", evt.Type, "error", err)
		}
	})
}

// Close closes the event log file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
