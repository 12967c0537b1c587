package scope

import (
	"log/slog"
	"sync/atomic"

	"github.com/integratedmodelling/klab-go/internal/messaging"
	"github.com/integratedmodelling/klab-go/internal/model"
	"github.com/integratedmodelling/klab-go/internal/service"
)

// ServiceScope is the root scope a running service operates in. It tracks the
// availability the service advertises to clients: unavailable while
// initializing or in maintenance, busy while serving an exclusive request.
type ServiceScope struct {
	*baseScope

	locality  service.Locality
	available atomic.Bool
	busy      atomic.Bool
	exclusive atomic.Bool
}

// NewServiceScope creates the root scope for a service identity. The scope is
// subscribed to the bus when one is given, so federation messages addressed
// to it are delivered.
func NewServiceScope(identity *model.Identity, locality service.Locality, bus messaging.Bus, logger *slog.Logger) (*ServiceScope, error) {
	s := &ServiceScope{
		baseScope: newBaseScope(identity, identity.Username, bus, logger),
		locality:  locality,
	}
	if err := s.subscribe(); err != nil {
		return nil, err
	}
	s.SetStatus(StatusStarted)
	return s, nil
}

// Locality reports how the service is reachable from its clients.
func (s *ServiceScope) Locality() service.Locality { return s.locality }

// SetDirectory attaches the service directory every scope in this tree falls
// back to when the ancestor chain resolves nothing. Discovery keeps the
// directory current, so resolution converges without per-scope registration.
func (s *ServiceScope) SetDirectory(d Directory) {
	s.mu.Lock()
	s.directory = d
	s.mu.Unlock()
}

// Available reports whether the service accepts requests.
func (s *ServiceScope) Available() bool { return s.available.Load() }

// SetAvailable flips availability and broadcasts the transition so clients
// can react without polling.
func (s *ServiceScope) SetAvailable(v bool) {
	if s.available.Swap(v) == v {
		return
	}
	typ := model.TypeServiceUnavailable
	if v {
		typ = model.TypeServiceAvailable
	}
	s.Send(model.ClassServiceLifecycle, typ, s.Identity().Ref())
}

// Busy reports whether the service is serving an exclusive request.
func (s *ServiceScope) Busy() bool { return s.busy.Load() }

// SetBusy flips the busy flag.
func (s *ServiceScope) SetBusy(v bool) { s.busy.Store(v) }

// Exclusive reports whether the service only serves one client at a time.
func (s *ServiceScope) Exclusive() bool { return s.exclusive.Load() }

// SetExclusive marks the service single-client.
func (s *ServiceScope) SetExclusive(v bool) { s.exclusive.Store(v) }

// SetMaintenanceMode toggles maintenance: the service stays up but advertises
// itself unavailable until maintenance ends.
func (s *ServiceScope) SetMaintenanceMode(on bool) {
	s.SetAvailable(!on)
	if on {
		s.SetStatus(StatusWaiting)
	} else {
		s.SetStatus(StatusStarted)
	}
}

// CreateUser derives the scope for an authenticated user. The user scope
// resolves services through this scope unless it registers its own.
func (s *ServiceScope) CreateUser(user *model.Identity) (*UserScope, error) {
	base := s.deriveBase(user.Username)
	base.log = messaging.NewLogChannel(user, s.logger)
	base.Channel = channelFor(base.log, s.bus, base.id)

	u := &UserScope{baseScope: base, user: user}
	if err := u.subscribe(); err != nil {
		return nil, err
	}
	u.SetStatus(StatusStarted)
	u.Send(model.ClassAuthorization, model.TypeUserAuthorized, user.Ref())
	return u, nil
}

// Close implements Scope.
func (s *ServiceScope) Close() error {
	s.SetAvailable(false)
	return s.closeWith(model.ClassServiceLifecycle)
}
