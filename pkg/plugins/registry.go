package plugins

import (
	"fmt"
	"sync"
)

// Factory builds a fresh plugin instance.
type Factory func() (Plugin, error)

// Registry remembers plugin factories in the order they were registered.
// That order breaks ties between plugins of equal priority.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(id string, factory Factory) error {
	if id == "" {
		return fmt.Errorf("plugin id is empty")
	}
	if factory == nil {
		return fmt.Errorf("plugin %s: nil factory", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("plugin %s already registered", id)
	}
	r.factories[id] = factory
	r.order = append(r.order, id)
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(id string, factory Factory) {
	if err := r.Register(id, factory); err != nil {
		panic(err)
	}
}

// IDs returns the registered ids in discovery order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) lookup(id string) (Factory, int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[id]
	if !ok {
		return nil, 0, false
	}
	for i, existing := range r.order {
		if existing == id {
			return factory, i, true
		}
	}
	return factory, len(r.order), true
}
