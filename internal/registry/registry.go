// Package registry holds the process-wide map of registered Python data
// sources. It is the only structure unrelated queries mutate concurrently:
// registrations are last-write-wins and readers never observe a
// half-written entry. Nothing here survives process restart.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/nucleus/pybridge/pkg/datasource"
)

// Registration is one named handler definition.
type Registration struct {
	Name         string
	Definition   datasource.Definition
	RegisteredAt time.Time
}

// Registry maps source names to registrations.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register adds or atomically replaces the definition under name.
// Re-registering an existing name is not an error; the last completed
// write wins and is visible to all subsequent planning calls.
func (r *Registry) Register(name string, def datasource.Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = Registration{
		Name:         name,
		Definition:   def,
		RegisteredAt: time.Now(),
	}
}

// Resolve returns the registration for name, or NOT_FOUND.
func (r *Registry) Resolve(name string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	if !ok {
		return Registration{}, &datasource.Error{
			Code:   datasource.CodeNotFound,
			Params: map[string]string{"name": name},
			Err:    fmt.Errorf("data source %q is not registered", name),
		}
	}
	return reg, nil
}

// Exists reports whether name is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns the registered source names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Clear drops every registration. Called at session shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]Registration)
}
