// Package registry maps names to values, such as build steps looked up
// from a configuration file.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Registry is a concurrency-safe name to value map.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

// New returns an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]T)}
}

// Register adds v under name. Names are registered once.
func (r *Registry[T]) Register(name string, v T) error {
	if name == "" {
		return errors.New("cannot register an empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%q is already registered", name)
	}
	r.entries[name] = v
	return nil
}

// MustRegister is Register for init-time registration; it panics on conflict.
func (r *Registry[T]) MustRegister(name string, v T) {
	if err := r.Register(name, v); err != nil {
		panic(err)
	}
}

// Get returns the value registered under name.
func (r *Registry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[name]
	return v, ok
}

// Names returns every registered name in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
