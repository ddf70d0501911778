package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Directory names inside a pm-net data directory.
const (
	EventsDir      = "events"
	TranscriptsDir = "transcripts"
	SessionsDir    = "sessions"
)

// RequiredDirectories returns the directories Initialize creates under the
// data directory.
func RequiredDirectories() []string {
	return []string{
		EventsDir,      // events.ndjson ledger
		TranscriptsDir, // <session_id>.jsonl agent transcripts
		SessionsDir,    // <session_id>.json intake sessions
	}
}

// Layout resolves well-known paths under a data directory.
type Layout struct {
	Root string
}

// Sessions is the directory holding persisted intake sessions.
func (l Layout) Sessions() string { return filepath.Join(l.Root, SessionsDir) }

// Transcripts is the default directory for agent transcripts.
func (l Layout) Transcripts() string { return filepath.Join(l.Root, TranscriptsDir) }

// Events is the directory holding the event ledger.
func (l Layout) Events() string { return filepath.Join(l.Root, EventsDir) }

// Initialize creates the data directory and its subdirectories with 0700
// permissions. It is safe to call repeatedly.
func Initialize(dataDir string) (Layout, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return Layout{}, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	for _, dir := range RequiredDirectories() {
		path := filepath.Join(dataDir, dir)
		if err := os.MkdirAll(path, 0700); err != nil {
			return Layout{}, fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return Layout{Root: dataDir}, nil
}

// IsInitialized reports whether every required directory exists.
func IsInitialized(dataDir string) (bool, error) {
	for _, dir := range RequiredDirectories() {
		path := filepath.Join(dataDir, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}
