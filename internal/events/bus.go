package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Listener is an in-process callback invoked synchronously for every event.
type Listener func(Event)

// Subscriber is a long-lived connection (for example an SSE client). A
// subscriber whose Send fails is dropped from the bus.
type Subscriber interface {
	Send(evt Event) error
}

// Bus fans events out synchronously to listeners and subscribers. There is no
// buffering and no replay: a subscriber only sees events emitted after it
// registered.
type Bus struct {
	mu          sync.RWMutex
	nextID      uint64
	listeners   map[uint64]Listener
	subscribers map[uint64]Subscriber
	logger      *slog.Logger
	now         func() time.Time
}

// NewBus creates an empty bus. A nil logger discards log output.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		listeners:   make(map[uint64]Listener),
		subscribers: make(map[uint64]Subscriber),
		logger:      logger,
		now:         time.Now,
	}
}

// On registers fn and returns a function that unregisters it.
func (b *Bus) On(fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// Subscribe registers sub and returns a function that unregisters it.
func (b *Bus) Subscribe(sub Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscribers[id] = sub

	return func() { b.removeSubscriber(id) }
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Emit delivers evt to every listener and subscriber before returning. Missing
// ID and OccurredAt are filled in. A panicking listener is recovered and
// logged; a failing subscriber is removed.
func (b *Bus) Emit(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = b.now().UTC()
	}

	// Snapshot under the lock so listeners may emit or unsubscribe re-entrantly.
	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	subs := make(map[uint64]Subscriber, len(b.subscribers))
	for id, sub := range b.subscribers {
		subs[id] = sub
	}
	b.mu.RUnlock()

	for _, fn := range listeners {
		b.callListener(fn, evt)
	}

	for id, sub := range subs {
		if err := sub.Send(evt); err != nil {
			b.logger.Debug("dropping subscriber", "event_type", evt.Type, "error", err)
			b.removeSubscriber(id)
		}
	}
}

func (b *Bus) callListener(fn Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked", "event_type", evt.Type, "panic", fmt.Sprint(r))
		}
	}()
	fn(evt)
}

func (b *Bus) removeSubscriber(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}
