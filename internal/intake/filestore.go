package intake

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/machPoint/pm-net/internal/fsutil"
)

// maxSessionFileBytes caps a single session file read.
const maxSessionFileBytes = 4 << 20

// FileSessionStore keeps one <id>.json file per session so sessions survive
// between CLI invocations. Lock serializes callers within one process only.
type FileSessionStore struct {
	dir   string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileSessionStore stores sessions under dir, creating it if needed.
func NewFileSessionStore(dir string) (*FileSessionStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &FileSessionStore{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (f *FileSessionStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return "", ErrSessionNotFound
	}
	p, err := fsutil.ResolveWithin(f.dir, id+".json")
	if err != nil {
		return "", ErrSessionNotFound
	}
	return p, nil
}

func (f *FileSessionStore) Get(id string) (*Session, error) {
	p, err := f.path(id)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := fsutil.ReadJSON(p, maxSessionFileBytes, &s); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return &s, nil
}

func (f *FileSessionStore) Put(s *Session) error {
	p, err := f.path(s.ID)
	if err != nil {
		return fmt.Errorf("invalid session id %q: %w", s.ID, err)
	}
	if err := fsutil.AtomicWriteJSON(p, s); err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	return nil
}

func (f *FileSessionStore) Delete(id string) error {
	p, err := f.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// List returns all sessions, oldest first. Unreadable files are skipped.
func (f *FileSessionStore) List() ([]*Session, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]*Session, 0, len(matches))
	for _, m := range matches {
		var s Session
		if err := fsutil.ReadJSON(m, maxSessionFileBytes, &s); err != nil || s.ID == "" {
			continue
		}
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *FileSessionStore) Lock(id string) func() {
	f.mu.Lock()
	l, ok := f.locks[id]
	if !ok {
		l = &sync.Mutex{}
		f.locks[id] = l
	}
	f.mu.Unlock()

	l.Lock()
	return l.Unlock
}
