package scope

import (
	"github.com/integratedmodelling/klab-go/internal/model"
)

// SessionScope groups the interactive work of one user session. Contexts are
// created under it; closing the session closes nothing broker-side except the
// session's own subscription.
type SessionScope struct {
	*baseScope
	user *model.Identity
}

// User returns the identity the session belongs to.
func (s *SessionScope) User() *model.Identity { return s.user }

// CreateContext opens a modeling context within the session. The context
// starts with an empty observation catalog, no scenarios, and the session's
// user as observer; it stays WAITING until work starts in it.
func (s *SessionScope) CreateContext(name string) (*ContextScope, error) {
	c := &ContextScope{
		baseScope:    s.deriveBase(name),
		user:         s.user,
		observations: &observationCatalog{entries: make(map[string]Observation)},
		observer:     s.user.Ref(),
	}
	if err := c.subscribe(); err != nil {
		return nil, err
	}
	c.Send(model.ClassUserContextChange, model.TypeScopeCreated, name)
	return c, nil
}

// Close implements Scope.
func (s *SessionScope) Close() error {
	return s.closeWith(model.ClassSessionLifecycle)
}
