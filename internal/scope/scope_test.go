package scope

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/integratedmodelling/klab-go/internal/messaging"
	"github.com/integratedmodelling/klab-go/internal/model"
	"github.com/integratedmodelling/klab-go/internal/service"
	"github.com/integratedmodelling/klab-go/internal/testutil"
)

// fakeService satisfies service.Service without any network.
type fakeService struct {
	typ       service.Type
	id        string
	available atomic.Bool
	checks    atomic.Int64
}

func newFakeService(typ service.Type, id string, available bool) *fakeService {
	s := &fakeService{typ: typ, id: id}
	s.available.Store(available)
	return s
}

func (s *fakeService) ServiceType() service.Type { return s.typ }
func (s *fakeService) ServiceID() string         { return s.id }
func (s *fakeService) URL() string               { return "http://test/" + s.id }
func (s *fakeService) Locality() service.Locality {
	return service.Embedded
}
func (s *fakeService) Available() bool { return s.available.Load() }
func (s *fakeService) Busy() bool      { return false }
func (s *fakeService) Capabilities(context.Context) (service.Capabilities, error) {
	return service.Capabilities{Type: s.typ, ServiceID: s.id}, nil
}
func (s *fakeService) CheckOnline(context.Context) bool {
	s.checks.Add(1)
	return s.available.Load()
}

// fakeDirectory is a canned service directory.
type fakeDirectory struct {
	current map[service.Type]service.Service
	known   map[service.Type][]service.Service
}

func (d *fakeDirectory) Current(t service.Type) service.Service { return d.current[t] }
func (d *fakeDirectory) Known(t service.Type) []service.Service { return d.known[t] }

func newTestTree(t *testing.T) (*ServiceScope, *UserScope) {
	t.Helper()
	root, err := NewServiceScope(model.NewIdentity(model.IdentityService, "engine"), service.Embedded, nil, testutil.TestLogger())
	require.NoError(t, err)
	user, err := root.CreateUser(model.NewIdentity(model.IdentityUser, "alice"))
	require.NoError(t, err)
	return root, user
}

func TestServiceResolutionFallsBackToAncestors(t *testing.T) {
	root, user := newTestTree(t)

	rt := newFakeService(service.Runtime, "rt.1", true)
	root.RegisterService(rt)

	got, err := user.Service(service.Runtime)
	require.NoError(t, err)
	assert.Equal(t, "rt.1", got.ServiceID())

	_, err = user.Service(service.Reasoner)
	assert.ErrorIs(t, err, ErrNoService)

	// A service registered on the child shadows the ancestor's.
	user.RegisterService(newFakeService(service.Runtime, "rt.2", true))
	got, err = user.Service(service.Runtime)
	require.NoError(t, err)
	assert.Equal(t, "rt.2", got.ServiceID())

	got, err = root.Service(service.Runtime)
	require.NoError(t, err)
	assert.Equal(t, "rt.1", got.ServiceID(), "child registration stays invisible to the parent")

	// Fan-out sees every binding along the chain, nearest first.
	all := user.Services(service.Runtime)
	require.Len(t, all, 2)
	assert.Equal(t, "rt.2", all[0].ServiceID())
	assert.Empty(t, user.Services(service.Resolver))
}

func TestDirectoryResolvesUndeclaredServices(t *testing.T) {
	root, user := newTestTree(t)

	rt := newFakeService(service.Runtime, "rt.dir", true)
	extra := newFakeService(service.Runtime, "rt.alt", true)
	root.SetDirectory(&fakeDirectory{
		current: map[service.Type]service.Service{service.Runtime: rt},
		known:   map[service.Type][]service.Service{service.Runtime: {rt, extra}},
	})

	// Nothing was registered on any scope, yet resolution succeeds from the
	// deepest scope and sessions can run.
	got, err := user.Service(service.Runtime)
	require.NoError(t, err)
	assert.Equal(t, "rt.dir", got.ServiceID())

	sess, err := user.RunSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, sess.Status())

	_, err = user.Service(service.Reasoner)
	assert.ErrorIs(t, err, ErrNoService)

	// An explicit scope binding shadows the directory's current instance.
	user.RegisterService(newFakeService(service.Runtime, "rt.mine", true))
	got, err = user.Service(service.Runtime)
	require.NoError(t, err)
	assert.Equal(t, "rt.mine", got.ServiceID())

	// Fan-out merges scope bindings with the directory's known set.
	all := user.Services(service.Runtime)
	require.Len(t, all, 3)
	assert.Equal(t, "rt.mine", all[0].ServiceID())
}

func TestRunSessionRequiresRuntime(t *testing.T) {
	_, user := newTestTree(t)

	_, err := user.RunSession(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNoService)

	offline := newFakeService(service.Runtime, "rt.off", false)
	user.RegisterService(offline)
	_, err = user.RunSession(context.Background(), "s1")
	assert.Error(t, err)

	offline.available.Store(true)
	sess, err := user.RunSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, sess.Status())
	assert.Equal(t, "alice", sess.User().Username)

	// Health is the discovery loop's job; opening sessions never probes.
	assert.Zero(t, offline.checks.Load())
}

func TestDerivationIsolatesDataBags(t *testing.T) {
	_, user := newTestTree(t)
	user.RegisterService(newFakeService(service.Runtime, "rt.1", true))

	sess, err := user.RunSession(context.Background(), "s1")
	require.NoError(t, err)

	user.SetData("project", "alpine-watersheds")
	sess.SetData("active", true)

	v, ok := sess.Data("project")
	require.True(t, ok, "child reads inherited data")
	assert.Equal(t, "alpine-watersheds", v)

	_, ok = user.Data("active")
	assert.False(t, ok, "child writes never reach the parent")

	// Shadowing is local to the child.
	sess.SetData("project", "coastal")
	v, _ = user.Data("project")
	assert.Equal(t, "alpine-watersheds", v)
}

func TestScopeIDsAreUnique(t *testing.T) {
	_, user := newTestTree(t)
	user.RegisterService(newFakeService(service.Runtime, "rt.1", true))

	seen := map[string]bool{user.ID(): true}
	for i := 0; i < 20; i++ {
		sess, err := user.RunSession(context.Background(), "s")
		require.NoError(t, err)
		require.False(t, seen[sess.ID()], "duplicate scope id %s", sess.ID())
		seen[sess.ID()] = true
	}
}

func TestInterruptionReachesDerivedScopes(t *testing.T) {
	_, user := newTestTree(t)
	user.RegisterService(newFakeService(service.Runtime, "rt.1", true))

	sess, err := user.RunSession(context.Background(), "s1")
	require.NoError(t, err)
	ctxScope, err := sess.CreateContext("c1")
	require.NoError(t, err)

	user.Interrupt()
	assert.True(t, sess.IsInterrupted())
	assert.True(t, ctxScope.IsInterrupted())
	assert.Equal(t, StatusInterrupted, sess.Status())
	assert.Equal(t, StatusInterrupted, ctxScope.Status())
}

func TestContextViewsShareCatalog(t *testing.T) {
	_, user := newTestTree(t)
	user.RegisterService(newFakeService(service.Runtime, "rt.1", true))

	sess, err := user.RunSession(context.Background(), "s1")
	require.NoError(t, err)
	base, err := sess.CreateContext("c1")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, base.Status())

	observed, err := base.WithObserver(model.NewIdentity(model.IdentityUser, "bob").Ref())
	require.NoError(t, err)
	scenario, err := base.WithScenarios("drought")
	require.NoError(t, err)

	observed.AddObservation(Observation{ID: "obs.1", Semantic: "geography:Watershed"})

	// All views see the observation; it carries the deriving view's observer.
	o, ok := base.Observation("obs.1")
	require.True(t, ok)
	assert.Equal(t, "bob", o.Observer.Username)
	assert.Equal(t, 1, scenario.ObservationCount())

	// Perspectives stay per-view; the base view keeps the session's user.
	assert.Empty(t, base.Scenarios())
	assert.Equal(t, []string{"drought"}, scenario.Scenarios())
	assert.Equal(t, "alice", base.Observer().Username)
}

func TestScenarioSliceIsCopied(t *testing.T) {
	_, user := newTestTree(t)
	user.RegisterService(newFakeService(service.Runtime, "rt.1", true))

	sess, err := user.RunSession(context.Background(), "s1")
	require.NoError(t, err)
	base, err := sess.CreateContext("c1")
	require.NoError(t, err)

	scenarios := []string{"baseline"}
	view, err := base.WithScenarios(scenarios...)
	require.NoError(t, err)
	scenarios[0] = "mutated"
	assert.Equal(t, []string{"baseline"}, view.Scenarios())
}

func TestCloseAnnouncesAndUnsubscribes(t *testing.T) {
	bus := messaging.NewBus(testutil.TestLogger())
	root, err := NewServiceScope(model.NewIdentity(model.IdentityService, "engine"), service.Embedded, bus, testutil.TestLogger())
	require.NoError(t, err)
	root.RegisterService(newFakeService(service.Runtime, "rt.1", true))

	user, err := root.CreateUser(model.NewIdentity(model.IdentityUser, "alice"))
	require.NoError(t, err)
	sess, err := user.RunSession(context.Background(), "s1")
	require.NoError(t, err)

	require.Len(t, bus.Receivers(sess.ID()), 1)
	require.NoError(t, sess.Close())
	assert.Empty(t, bus.Receivers(sess.ID()))
	assert.Equal(t, StatusFinished, sess.Status())

	// Closing twice is a no-op.
	require.NoError(t, sess.Close())
	assert.Equal(t, StatusFinished, sess.Status())
}

func TestCloseAfterErrorsAborts(t *testing.T) {
	_, user := newTestTree(t)
	user.RegisterService(newFakeService(service.Runtime, "rt.1", true))

	sess, err := user.RunSession(context.Background(), "s1")
	require.NoError(t, err)

	sess.Error("resolution failed")
	require.NoError(t, sess.Close())
	assert.Equal(t, StatusAborted, sess.Status())
}

func TestScopeReceivesAddressedMessages(t *testing.T) {
	bus := messaging.NewBus(testutil.TestLogger())
	root, err := NewServiceScope(model.NewIdentity(model.IdentityService, "engine"), service.Embedded, bus, testutil.TestLogger())
	require.NoError(t, err)

	got := make(chan model.Message, 1)
	root.OnMessage(func(m model.Message) { got <- m })

	msg, err := model.NewMessage(model.NewIdentity(model.IdentityService, "peer").Ref(),
		model.ClassNotification, model.TypeInfo, "ping")
	require.NoError(t, err)
	require.NoError(t, bus.Post(context.Background(), msg.WithDispatch(root.ID())))

	select {
	case m := <-got:
		assert.Equal(t, msg.ID, m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("scope never received the addressed message")
	}
}
