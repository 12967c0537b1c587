// Package registry tracks the distributed services an engine depends on: the
// current instance per service type, the set of known alternative endpoints,
// and the discovery loop that keeps both fresh.
package registry

import (
	"sync"

	"github.com/integratedmodelling/klab-go/internal/service"
)

// Registry is the typed service registry. One current instance per service
// type plus any number of known alternatives, all guarded by a single lock.
// Lookups are hot (every scope resolution lands here); writes happen only
// from the discovery loop and explicit registration.
type Registry struct {
	mu      sync.RWMutex
	current map[service.Type]service.Service
	known   map[service.Type]map[string]service.Service // keyed by URL
}

func New() *Registry {
	return &Registry{
		current: make(map[service.Type]service.Service),
		known:   make(map[service.Type]map[string]service.Service),
	}
}

// Register adds a service to the known set and promotes it to current when no
// current instance exists for its type.
func (r *Registry) Register(svc service.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := svc.ServiceType()
	set, ok := r.known[t]
	if !ok {
		set = make(map[string]service.Service)
		r.known[t] = set
	}
	set[svc.URL()] = svc

	if _, ok := r.current[t]; !ok {
		r.current[t] = svc
	}
}

// SetCurrent promotes a service to current for its type, registering it if
// needed.
func (r *Registry) SetCurrent(svc service.Service) {
	r.Register(svc)
	r.mu.Lock()
	r.current[svc.ServiceType()] = svc
	r.mu.Unlock()
}

// Current returns the current instance for the type, or nil.
func (r *Registry) Current(t service.Type) service.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current[t]
}

// Known returns every known instance of the type, current included.
func (r *Registry) Known(t service.Type) []service.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]service.Service, 0, len(r.known[t]))
	for _, svc := range r.known[t] {
		out = append(out, svc)
	}
	return out
}

// All returns the current instance of every type that has one.
func (r *Registry) All() []service.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]service.Service, 0, len(r.current))
	for _, svc := range r.current {
		out = append(out, svc)
	}
	return out
}

// AvailableCount returns how many of the given types have an available
// current instance.
func (r *Registry) AvailableCount(types []service.Type) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range types {
		if svc, ok := r.current[t]; ok && svc.Available() {
			n++
		}
	}
	return n
}
