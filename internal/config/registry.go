package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/murmur/pkg/memory"
)

// ErrBackendNotRegistered is returned by [Registry.CreateMemory] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: memory backend not registered")

// MemoryFactory builds a store from its configuration entry.
type MemoryFactory func(MemoryBackend) (memory.Store, error)

// Registry maps memory backend names to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	memory map[string]MemoryFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{memory: make(map[string]MemoryFactory)}
}

// RegisterMemory registers a memory backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterMemory(name string, factory MemoryFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memory[name] = factory
}

// MemoryNames returns the registered backend names in sorted order.
func (r *Registry) MemoryNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.memory))
	for name := range r.memory {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateMemory instantiates a store using the factory registered under
// entry.Name. Returns [ErrBackendNotRegistered] if no factory matches.
func (r *Registry) CreateMemory(entry MemoryBackend) (memory.Store, error) {
	r.mu.RLock()
	factory, ok := r.memory[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry)
}
