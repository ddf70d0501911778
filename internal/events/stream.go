package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// KeepaliveInterval is how often an idle stream writes a comment line.
const KeepaliveInterval = 15 * time.Second

var errStreamClosed = errors.New("stream closed")

// StreamHandler serves the bus as a text/event-stream. Each connection becomes
// a subscriber for as long as the client stays connected.
type StreamHandler struct {
	bus       *Bus
	logger    *slog.Logger
	keepalive time.Duration
}

// NewStreamHandler returns an SSE handler for bus.
func NewStreamHandler(bus *Bus, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &StreamHandler{bus: bus, logger: logger, keepalive: KeepaliveInterval}
}

// sseSubscriber writes events to one HTTP response. Writes from Emit and from
// the keepalive ticker are serialized by mu.
type sseSubscriber struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
	failed  chan struct{}
	once    sync.Once
}

func (s *sseSubscriber) Send(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.write(fmt.Sprintf("data: %s\n\n", data))
}

func (s *sseSubscriber) write(chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errStreamClosed
	}
	if _, err := io.WriteString(s.w, chunk); err != nil {
		s.fail()
		return err
	}
	s.flusher.Flush()
	return nil
}

// fail must be called with mu held.
func (s *sseSubscriber) fail() {
	s.closed = true
	s.once.Do(func() { close(s.failed) })
}

func (s *sseSubscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := &sseSubscriber{w: w, flusher: flusher, failed: make(chan struct{})}
	unsubscribe := h.bus.Subscribe(sub)
	defer func() {
		unsubscribe()
		sub.close()
	}()

	h.logger.Debug("event stream connected", "remote", r.RemoteAddr)

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("event stream disconnected", "remote", r.RemoteAddr)
			return
		case <-sub.failed:
			return
		case <-ticker.C:
			if err := sub.write(": keepalive\n\n"); err != nil {
				return
			}
		}
	}
}
