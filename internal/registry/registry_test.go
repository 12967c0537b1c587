package registry

import (
	"context"
	"sync"
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

type fakeService struct {
	typ       service.Type
	id        string
	url       string
	available atomic.Bool
	checks    atomic.Int64
}

func newFakeService(typ service.Type, id string, available bool) *fakeService {
	s := &fakeService{typ: typ, id: id, url: "http://test/" + id}
	s.available.Store(available)
	return s
}

func (s *fakeService) ServiceType() service.Type  { return s.typ }
func (s *fakeService) ServiceID() string          { return s.id }
func (s *fakeService) URL() string                { return s.url }
func (s *fakeService) Locality() service.Locality { return service.LAN }
func (s *fakeService) Available() bool            { return s.available.Load() }
func (s *fakeService) Busy() bool                 { return false }
func (s *fakeService) Capabilities(context.Context) (service.Capabilities, error) {
	return service.Capabilities{Type: s.typ, ServiceID: s.id}, nil
}
func (s *fakeService) CheckOnline(context.Context) bool {
	s.checks.Add(1)
	return s.available.Load()
}

func testChannel() messaging.Channel {
	return messaging.NewLogChannel(model.NewIdentity(model.IdentityService, "engine"), testutil.TestLogger())
}

func TestRegistryCurrentAndKnown(t *testing.T) {
	reg := New()

	first := newFakeService(service.Reasoner, "r.1", true)
	second := newFakeService(service.Reasoner, "r.2", true)
	reg.Register(first)
	reg.Register(second)

	assert.Equal(t, "r.1", reg.Current(service.Reasoner).ServiceID(), "first registration stays current")
	assert.Len(t, reg.Known(service.Reasoner), 2)
	assert.Nil(t, reg.Current(service.Runtime))

	reg.SetCurrent(second)
	assert.Equal(t, "r.2", reg.Current(service.Reasoner).ServiceID())
	assert.Len(t, reg.All(), 1)
}

func TestAvailableCount(t *testing.T) {
	reg := New()
	reg.Register(newFakeService(service.Reasoner, "r.1", true))
	reg.Register(newFakeService(service.Runtime, "rt.1", false))

	types := []service.Type{service.Reasoner, service.Runtime}
	assert.Equal(t, 1, reg.AvailableCount(types))
}

func TestCatalogRoundTrip(t *testing.T) {
	cat, err := OpenCatalog(":memory:")
	require.NoError(t, err)
	defer cat.Close()

	ctx := context.Background()
	require.NoError(t, cat.Save(ctx, Endpoint{Type: service.Runtime, URL: "http://10.0.0.5:8094", ServiceID: "rt.9"}))
	require.NoError(t, cat.Save(ctx, Endpoint{Type: service.Runtime, URL: "http://10.0.0.5:8094", ServiceID: "rt.9"}), "upsert is idempotent")
	require.NoError(t, cat.Save(ctx, Endpoint{Type: service.Reasoner, URL: "http://10.0.0.6:8091"}))

	endpoints, err := cat.Load(ctx)
	require.NoError(t, err)
	require.Len(t, endpoints, 2)

	require.NoError(t, cat.Remove(ctx, service.Reasoner, "http://10.0.0.6:8091"))
	endpoints, err = cat.Load(ctx)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "rt.9", endpoints[0].ServiceID)
}

// startLoop runs a fast discovery loop restricted to the runtime type so no
// well-known local ports are probed for the others.
func startLoop(t *testing.T, reg *Registry, hooks Hooks) *Loop {
	t.Helper()
	loop := NewLoop(reg, nil, testChannel(), Config{
		Interval:  20 * time.Millisecond,
		Essential: []service.Type{service.Runtime},
	}, hooks, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
		loop.Drain(drainCtx)
		drainCancel()
		cancel()
	})
	loop.Start(ctx)
	return loop
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestInitializeRunsExactlyOnceAcrossFlaps(t *testing.T) {
	reg := New()
	rt := newFakeService(service.Runtime, "rt.1", true)
	reg.Register(rt)

	var inits, opers atomic.Int64
	loop := startLoop(t, reg, Hooks{
		Initialize:     func(context.Context) error { inits.Add(1); return nil },
		Operationalize: func(context.Context) error { opers.Add(1); return nil },
	})

	waitFor(t, loop.Operational, "engine never became operational")
	assert.True(t, loop.Available())
	assert.True(t, loop.Initialized())

	// Flap: offline for a few rounds, then back.
	rt.available.Store(false)
	waitFor(t, func() bool { return !loop.Available() }, "engine never degraded")
	rt.available.Store(true)
	waitFor(t, loop.Available, "engine never recovered")

	assert.Equal(t, int64(1), inits.Load(), "initialization must not repeat on recovery")
	assert.Equal(t, int64(1), opers.Load())
}

func TestFlappingServiceIsNotEvicted(t *testing.T) {
	reg := New()
	rt := newFakeService(service.Runtime, "rt.1", false)
	reg.Register(rt)

	loop := startLoop(t, reg, Hooks{})

	waitFor(t, func() bool { return rt.checks.Load() >= 3 },
		"offline service must keep being re-probed")
	assert.False(t, loop.Available())
	assert.Same(t, rt, reg.Current(service.Runtime).(*fakeService), "offline service stays registered")

	rt.available.Store(true)
	waitFor(t, loop.Available, "engine never saw the service recover")
}

func TestAvailabilityCallbackTracksTransitions(t *testing.T) {
	reg := New()
	rt := newFakeService(service.Runtime, "rt.1", true)
	reg.Register(rt)

	var mu sync.Mutex
	var transitions []bool
	loop := startLoop(t, reg, Hooks{
		AvailabilityChanged: func(available bool) {
			mu.Lock()
			transitions = append(transitions, available)
			mu.Unlock()
		},
	})

	seen := func(n int) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(transitions) >= n
		}
	}

	waitFor(t, seen(1), "engine never came up")
	rt.available.Store(false)
	waitFor(t, seen(2), "engine never degraded")
	rt.available.Store(true)
	waitFor(t, seen(3), "engine never recovered")

	assert.True(t, loop.Available())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, transitions,
		"callback fires once per transition, not per round")
}

func TestFailedInitializeIsNotRetried(t *testing.T) {
	reg := New()
	reg.Register(newFakeService(service.Runtime, "rt.1", true))

	var inits atomic.Int64
	loop := startLoop(t, reg, Hooks{
		Initialize: func(context.Context) error {
			inits.Add(1)
			return assert.AnError
		},
	})

	waitFor(t, func() bool { return inits.Load() == 1 }, "initialize never attempted")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), inits.Load(), "failed initialization must not be retried")
	assert.True(t, loop.Available(), "availability is independent of initialization")
	assert.False(t, loop.Initialized())
	assert.False(t, loop.Operational())
}

func TestWaitOnline(t *testing.T) {
	reg := New()
	rt := newFakeService(service.Runtime, "rt.1", false)
	reg.Register(rt)

	loop := startLoop(t, reg, Hooks{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	err := loop.WaitOnline(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	rt.available.Store(true)
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, loop.WaitOnline(ctx))
}

func TestStartIsIdempotent(t *testing.T) {
	reg := New()
	loop := NewLoop(reg, nil, testChannel(), Config{
		Interval:  time.Hour,
		Essential: []service.Type{service.Runtime},
	}, Hooks{}, testutil.TestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)
	loop.Start(ctx) // no-op

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
	defer drainCancel()
	loop.Drain(drainCtx)
}
