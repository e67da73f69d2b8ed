package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownAdapter is returned when a name resolves to nothing.
var ErrUnknownAdapter = errors.New("unknown adapter")

// Resolver maps adapter names to registered implementations.
type Resolver struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name. Registering the same name
// twice is a programming error.
func (r *Resolver) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Resolve returns the adapter registered under name.
func (r *Resolver) Resolve(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, name)
	}
	return a, nil
}

// Names returns the registered adapter names, sorted.
func (r *Resolver) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown shuts every registered adapter down, joining their errors.
func (r *Resolver) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.adapters = make(map[string]Adapter)
	r.mu.Unlock()

	var errs []error
	for _, a := range adapters {
		if err := a.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("adapter %s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}
