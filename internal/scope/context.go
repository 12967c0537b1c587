package scope

import (
	"sync"

	"github.com/integratedmodelling/klab-go/internal/model"
)

// Observation is one entry in a context's observation catalog.
type Observation struct {
	ID       string            `json:"id"`
	Semantic string            `json:"semantic"`
	Observer model.IdentityRef `json:"observer,omitzero"`
}

// observationCatalog is shared by reference across every scope derived from
// the same context: an observation made through any derived view belongs to
// the one underlying context.
type observationCatalog struct {
	mu      sync.RWMutex
	entries map[string]Observation
}

func (c *observationCatalog) add(o Observation) {
	c.mu.Lock()
	c.entries[o.ID] = o
	c.mu.Unlock()
}

func (c *observationCatalog) get(id string) (Observation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.entries[id]
	return o, ok
}

func (c *observationCatalog) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ContextScope holds one modeling context: its observation catalog plus the
// perspective (observer, scenarios) observations are made under. Derived
// views share the catalog but carry their own perspective.
type ContextScope struct {
	*baseScope
	user         *model.Identity
	observations *observationCatalog

	observer  model.IdentityRef
	scenarios []string
}

// Observer returns the observer perspective of this view, zero when unset.
func (c *ContextScope) Observer() model.IdentityRef { return c.observer }

// Scenarios returns the scenarios active in this view.
func (c *ContextScope) Scenarios() []string { return c.scenarios }

// WithObserver derives a view of the same context observed by a different
// identity. The catalog is shared; the original view is untouched.
func (c *ContextScope) WithObserver(observer model.IdentityRef) (*ContextScope, error) {
	child := c.deriveView()
	child.observer = observer
	if err := child.subscribe(); err != nil {
		return nil, err
	}
	return child, nil
}

// WithScenarios derives a view with the given scenarios active. The slice is
// copied so later mutation by the caller cannot alter the view.
func (c *ContextScope) WithScenarios(scenarios ...string) (*ContextScope, error) {
	child := c.deriveView()
	child.scenarios = append([]string(nil), scenarios...)
	if err := child.subscribe(); err != nil {
		return nil, err
	}
	return child, nil
}

func (c *ContextScope) deriveView() *ContextScope {
	child := &ContextScope{
		baseScope:    c.deriveBase(c.name),
		user:         c.user,
		observations: c.observations,
		observer:     c.observer,
		scenarios:    append([]string(nil), c.scenarios...),
	}
	child.SetStatus(StatusStarted)
	return child
}

// AddObservation records an observation in the context catalog and announces
// it. Every view of the context sees it immediately.
func (c *ContextScope) AddObservation(o Observation) {
	if o.Observer == (model.IdentityRef{}) {
		o.Observer = c.observer
	}
	c.observations.add(o)
	c.SetStatus(StatusChanged)
	c.Send(model.ClassObservationLifecycle, model.TypeObservationAdded, o)
}

// Observation looks up a catalog entry by id.
func (c *ContextScope) Observation(id string) (Observation, bool) {
	return c.observations.get(id)
}

// ObservationCount returns the catalog size.
func (c *ContextScope) ObservationCount() int {
	return c.observations.len()
}

// Close implements Scope.
func (c *ContextScope) Close() error {
	return c.closeWith(model.ClassUserContextChange)
}
