package scoring

import (
	"sync"

	"github.com/vitaliisemenov/content-quality/internal/core"
)

// Registry stores scorer factories and enumerates them deterministically.
// It performs no execution and no I/O; iteration follows insertion order.
// Registries are process-scoped and written only at startup.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under id. Duplicate ids conflict.
func (r *Registry) Register(id string, factory Factory) error {
	if id == "" {
		return core.NewError(core.KindValidation, "registry.register", "scorer id cannot be empty")
	}
	if factory == nil {
		return core.NewError(core.KindValidation, "registry.register", "scorer factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[id]; exists {
		return core.NewError(core.KindConflict, "registry.register", "scorer id already registered: "+id)
	}
	r.factories[id] = factory
	r.order = append(r.order, id)
	return nil
}

// Unregister removes a factory; unknown ids are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[id]; !exists {
		return
	}
	delete(r.factories, id)
	for i, known := range r.order {
		if known == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// IsRegistered reports whether id has a factory.
func (r *Registry) IsRegistered(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[id]
	return exists
}

// ListRegistered returns ids in insertion order.
func (r *Registry) ListRegistered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// GetFactory returns the factory for id.
func (r *Registry) GetFactory(id string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, exists := r.factories[id]
	if !exists {
		return nil, core.NewError(core.KindNotFound, "registry.get_factory", "unknown scorer id: "+id)
	}
	return factory, nil
}

// Active instantiates the scorers named by enabled, in the given order.
// Unknown ids are a validation error. A nil or empty list yields no scorers;
// there are no hidden defaults.
func (r *Registry) Active(enabled []string) ([]Scorer, error) {
	if len(enabled) == 0 {
		return []Scorer{}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	scorers := make([]Scorer, 0, len(enabled))
	for _, id := range enabled {
		factory, exists := r.factories[id]
		if !exists {
			return nil, core.NewError(core.KindValidation, "registry.active", "unknown scorer id in config: "+id)
		}
		scorers = append(scorers, factory())
	}
	return scorers, nil
}

// GetMetadata returns the name and version of a registered scorer.
func (r *Registry) GetMetadata(id string) (*Metadata, error) {
	factory, err := r.GetFactory(id)
	if err != nil {
		return nil, err
	}
	instance := factory()
	return &Metadata{Name: instance.ID(), Version: instance.Version()}, nil
}
