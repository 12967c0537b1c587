// Package scope implements the nested runtime contexts that all platform
// operations execute in. A scope is a Channel plus addressable identity:
// service scopes own a running service, user scopes belong to an
// authenticated identity, session scopes group interactive work and context
// scopes hold the observations of one modeling context. Child scopes derive
// from their parent, share its interruption and error flags, and fall back to
// it for service resolution.
package scope

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/integratedmodelling/klab-go/internal/messaging"
	"github.com/integratedmodelling/klab-go/internal/model"
	"github.com/integratedmodelling/klab-go/internal/service"
)

// ErrNoService reports that no service of the requested type is reachable
// from the scope or any of its ancestors.
var ErrNoService = errors.New("scope: no service available")

// Status is the lifecycle state of a scope. A scope starts WAITING, moves to
// STARTED when work begins and ends FINISHED on an explicit Close, or ABORTED
// when errors were reported on its channel before the Close. INTERRUPTED is
// never stored: it is derived from the channel's interruption flag, which is
// shared down the derivation tree.
type Status string

const (
	StatusWaiting     Status = "WAITING"
	StatusStarted     Status = "STARTED"
	StatusChanged     Status = "CHANGED"
	StatusFinished    Status = "FINISHED"
	StatusAborted     Status = "ABORTED"
	StatusInterrupted Status = "INTERRUPTED"
	// StatusEmpty is the sentinel for "no scope". Nothing in the lifecycle
	// transitions to it.
	StatusEmpty Status = "EMPTY"
)

// Directory resolves services no scope has explicitly bound. The root scope
// consults it after the ancestor chain is exhausted, so services found by
// discovery are visible everywhere without per-scope registration.
type Directory interface {
	Current(t service.Type) service.Service
	Known(t service.Type) []service.Service
}

// Scope is the common surface of every scope level. It extends Channel with
// identity-addressable delivery, a mutable data bag and service resolution.
type Scope interface {
	messaging.Channel

	// ID is the scope's dispatch id: messages addressed to it carry this value.
	ID() string
	Name() string
	Status() Status
	SetStatus(Status)

	// Data and SetData access the scope-local data bag. Writes never propagate
	// to the parent scope.
	Data(key string) (any, bool)
	SetData(key string, value any)

	// Service resolves a service of the given type, falling back to the parent
	// chain and finally to the root scope's directory. Returns ErrNoService
	// when nothing is registered anywhere.
	Service(t service.Type) (service.Service, error)

	// Services returns every known instance of the type for fan-out calls:
	// the bindings along the ancestor chain, nearest first, then whatever
	// else the root directory knows. Empty when none is registered.
	Services(t service.Type) []service.Service

	// OnMessage registers a handler invoked for every message delivered to
	// this scope's dispatch id.
	OnMessage(handler func(model.Message))

	// Close releases the scope: announces closure, unsubscribes from the bus
	// and marks the status Finished, or Aborted when errors were reported.
	// Closing twice is harmless.
	Close() error
}

// baseScope carries the state shared by all scope levels. It implements
// messaging.Receiver so the bus can deliver addressed messages to it.
type baseScope struct {
	messaging.Channel

	id     string
	name   string
	log    *messaging.LogChannel
	bus    messaging.Bus
	logger *slog.Logger
	parent *baseScope

	mu        sync.RWMutex
	status    Status
	data      map[string]any
	services  map[service.Type]service.Service
	directory Directory // root scope only
	handlers  []func(model.Message)
	closed    bool
}

func newBaseScope(identity *model.Identity, name string, bus messaging.Bus, logger *slog.Logger) *baseScope {
	id := uuid.NewString()
	log := messaging.NewLogChannel(identity, logger)
	s := &baseScope{
		id:       id,
		name:     name,
		log:      log,
		bus:      bus,
		logger:   logger,
		status:   StatusWaiting,
		data:     make(map[string]any),
		services: make(map[service.Type]service.Service),
	}
	s.Channel = channelFor(log, bus, id)
	return s
}

// deriveBase creates a child scope. The channel shares the parent's
// interruption and error flags; the data bag starts empty so child writes
// stay invisible to the parent.
func (s *baseScope) deriveBase(name string) *baseScope {
	id := uuid.NewString()
	log := s.log.Derive()
	child := &baseScope{
		id:       id,
		name:     name,
		log:      log,
		bus:      s.bus,
		logger:   s.logger,
		parent:   s,
		status:   StatusWaiting,
		data:     make(map[string]any),
		services: make(map[service.Type]service.Service),
	}
	child.Channel = channelFor(log, s.bus, id)
	return child
}

func channelFor(log *messaging.LogChannel, bus messaging.Bus, dispatchID string) messaging.Channel {
	if bus == nil {
		return log
	}
	return messaging.NewMessagingChannel(log, bus, dispatchID)
}

// ID implements Scope.
func (s *baseScope) ID() string { return s.id }

// Name implements Scope.
func (s *baseScope) Name() string { return s.name }

// Status implements Scope. Interruption wins over the stored status until the
// scope is closed, so every scope sharing an interrupted channel reports it.
func (s *baseScope) Status() Status {
	s.mu.RLock()
	st := s.status
	closed := s.closed
	s.mu.RUnlock()
	if !closed && s.IsInterrupted() {
		return StatusInterrupted
	}
	return st
}

// SetStatus implements Scope.
func (s *baseScope) SetStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Data implements Scope: reads fall back to the parent chain, so a child sees
// inherited values until it shadows them locally.
func (s *baseScope) Data(key string) (any, bool) {
	s.mu.RLock()
	v, ok := s.data[key]
	s.mu.RUnlock()
	if ok {
		return v, true
	}
	if s.parent != nil {
		return s.parent.Data(key)
	}
	return nil, false
}

// SetData implements Scope.
func (s *baseScope) SetData(key string, value any) {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
}

// RegisterService makes a service resolvable from this scope and its
// descendants.
func (s *baseScope) RegisterService(svc service.Service) {
	s.mu.Lock()
	s.services[svc.ServiceType()] = svc
	s.mu.Unlock()
}

// Service implements Scope.
func (s *baseScope) Service(t service.Type) (service.Service, error) {
	s.mu.RLock()
	svc, ok := s.services[t]
	s.mu.RUnlock()
	if ok {
		return svc, nil
	}
	if s.parent != nil {
		return s.parent.Service(t)
	}
	s.mu.RLock()
	dir := s.directory
	s.mu.RUnlock()
	if dir != nil {
		if svc := dir.Current(t); svc != nil {
			return svc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoService, t)
}

// Services implements Scope.
func (s *baseScope) Services(t service.Type) []service.Service {
	var out []service.Service
	seen := make(map[service.Service]bool)
	root := s
	for sc := s; sc != nil; sc = sc.parent {
		root = sc
		sc.mu.RLock()
		svc, ok := sc.services[t]
		sc.mu.RUnlock()
		if ok && !seen[svc] {
			seen[svc] = true
			out = append(out, svc)
		}
	}
	root.mu.RLock()
	dir := root.directory
	root.mu.RUnlock()
	if dir != nil {
		for _, svc := range dir.Known(t) {
			if !seen[svc] {
				seen[svc] = true
				out = append(out, svc)
			}
		}
	}
	return out
}

// OnMessage implements Scope.
func (s *baseScope) OnMessage(handler func(model.Message)) {
	s.mu.Lock()
	s.handlers = append(s.handlers, handler)
	s.mu.Unlock()
}

// IdentityID implements messaging.Receiver.
func (s *baseScope) IdentityID() string { return s.id }

// Deliver implements messaging.Receiver: the message goes to every registered
// handler. Runs on the bus worker pool.
func (s *baseScope) Deliver(msg model.Message) {
	s.mu.RLock()
	handlers := make([]func(model.Message), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

// subscribe registers the scope with the bus so addressed messages reach it.
func (s *baseScope) subscribe() error {
	if s.bus == nil {
		return nil
	}
	if err := s.bus.Subscribe(s); err != nil {
		return fmt.Errorf("scope: subscribe %s: %w", s.id, err)
	}
	return nil
}

// closeWith announces closure with the given message class, then detaches the
// scope from the bus. An error-free run ends Finished; errors reported on the
// channel before the close end it Aborted.
func (s *baseScope) closeWith(class model.MessageClass) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Send(class, model.TypeScopeClosed, s.id)
	if s.bus != nil {
		s.bus.Unsubscribe(s)
	}
	if s.HasErrors() {
		s.SetStatus(StatusAborted)
	} else {
		s.SetStatus(StatusFinished)
	}
	return nil
}

// Close implements Scope.
func (s *baseScope) Close() error {
	return s.closeWith(model.ClassSessionLifecycle)
}
