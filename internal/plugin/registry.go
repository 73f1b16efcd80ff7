package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrFactoryNotRegistered is returned when a manifest names a plugin with
// no compiled-in factory.
var ErrFactoryNotRegistered = errors.New("plugin factory not registered")

// FactoryRegistry maps plugin names to factories. Implementations must be
// safe for concurrent use: factories register at program start while the
// manager looks them up from its scan loop.
type FactoryRegistry interface {
	// Register records a factory under a name. Duplicate names error.
	Register(name string, factory Factory) error

	// Lookup returns the factory for a name, or ErrFactoryNotRegistered.
	Lookup(name string) (Factory, error)

	// Names returns all registered names, sorted.
	Names() []string
}

// DefaultFactoryRegistry implements FactoryRegistry.
type DefaultFactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var _ FactoryRegistry = (*DefaultFactoryRegistry)(nil)

// NewFactoryRegistry creates an empty DefaultFactoryRegistry.
func NewFactoryRegistry() *DefaultFactoryRegistry {
	return &DefaultFactoryRegistry{
		factories: make(map[string]Factory),
	}
}

// Register records a factory under a name
func (r *DefaultFactoryRegistry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("plugin %s: factory cannot be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("plugin %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Lookup returns the factory for a name
func (r *DefaultFactoryRegistry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.factories[name]
	if !exists {
		return nil, fmt.Errorf("plugin %s: %w", name, ErrFactoryNotRegistered)
	}
	return factory, nil
}

// Names returns all registered names, sorted
func (r *DefaultFactoryRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
