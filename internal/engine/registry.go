package engine

import (
	"fmt"
	"sort"
	"sync"

	"trackd/internal/track"
)

// Factory constructs an engine instance from its configuration. Factories
// must be cheap; engines that load heavy assets do so lazily on first Detect.
type Factory func(cfg *track.EngineConfig) (Engine, error)

// Registry maps engine identifiers to factories
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty engine registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds an engine factory to the registry
func (r *Registry) Register(id string, factory Factory) error {
	if id == "" {
		return fmt.Errorf("engine id cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("engine factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("engine %q already registered", id)
	}
	r.factories[id] = factory
	return nil
}

// New constructs an engine by identifier
func (r *Registry) New(cfg *track.EngineConfig) (Engine, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.EngineID]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown engine %q", cfg.EngineID)
	}
	return factory(cfg)
}

// Has reports whether an engine identifier is registered
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

// IDs returns the registered engine identifiers, sorted
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
