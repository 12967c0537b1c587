package scope

import (
	"context"
	"fmt"

	"github.com/integratedmodelling/klab-go/internal/model"
	"github.com/integratedmodelling/klab-go/internal/service"
)

// UserScope belongs to one authenticated identity. Sessions are created under
// it; everything a session does is attributed to this user.
type UserScope struct {
	*baseScope
	user *model.Identity
}

// User returns the owning identity.
func (u *UserScope) User() *model.Identity { return u.user }

// RunSession opens a session for interactive work. A session needs a runtime
// to execute in, so the call fails with ErrNoService when no runtime is
// resolvable, and with an unavailability error when the runtime is known but
// offline. Availability is the flag the discovery loop maintains; sessions
// never probe the network themselves.
func (u *UserScope) RunSession(ctx context.Context, name string) (*SessionScope, error) {
	rt, err := u.Service(service.Runtime)
	if err != nil {
		return nil, err
	}
	if !rt.Available() {
		return nil, fmt.Errorf("scope: runtime %s unavailable", rt.URL())
	}

	s := &SessionScope{baseScope: u.deriveBase(name), user: u.user}
	if err := s.subscribe(); err != nil {
		return nil, err
	}
	s.SetStatus(StatusStarted)
	s.Send(model.ClassSessionLifecycle, model.TypeScopeCreated, name)
	return s, nil
}

// Close implements Scope.
func (u *UserScope) Close() error {
	return u.closeWith(model.ClassAuthorization)
}
