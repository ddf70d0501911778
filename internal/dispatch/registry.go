package dispatch

import (
	"fmt"
	"sync"
)

// Registry holds the runtimes known to a Dispatcher in priority order. It is
// built once at startup and passed in explicitly.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	runtimes map[string]Runtime
}

// NewRegistry registers runtimes in the given priority order.
func NewRegistry(runtimes ...Runtime) (*Registry, error) {
	r := &Registry{runtimes: make(map[string]Runtime)}
	for _, rt := range runtimes {
		if err := r.Register(rt); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends rt at the lowest priority.
func (r *Registry) Register(rt Runtime) error {
	if rt == nil || rt.Name() == "" {
		return fmt.Errorf("runtime must have a name")
	}
	if rt.Name() == RuntimeNone {
		return fmt.Errorf("runtime name %q is reserved", RuntimeNone)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runtimes[rt.Name()]; exists {
		return fmt.Errorf("runtime %q already registered", rt.Name())
	}
	r.runtimes[rt.Name()] = rt
	r.order = append(r.order, rt.Name())
	return nil
}

// Get returns the runtime registered under name.
func (r *Registry) Get(name string) (Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[name]
	return rt, ok
}

// Ordered returns the runtimes in priority order.
func (r *Registry) Ordered() []Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Runtime, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.runtimes[name])
	}
	return out
}

// Names returns runtime names in priority order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// SetOrder reorders the registry. Every name must be registered; runtimes not
// named keep their relative order after the named ones.
func (r *Registry) SetOrder(names []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(names))
	order := make([]string, 0, len(r.order))
	for _, name := range names {
		if _, ok := r.runtimes[name]; !ok {
			return fmt.Errorf("unknown runtime %q", name)
		}
		if seen[name] {
			return fmt.Errorf("runtime %q listed twice", name)
		}
		seen[name] = true
		order = append(order, name)
	}
	for _, name := range r.order {
		if !seen[name] {
			order = append(order, name)
		}
	}
	r.order = order
	return nil
}
