package klab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/integratedmodelling/klab-go/internal/config"
	"github.com/integratedmodelling/klab-go/internal/messaging"
	"github.com/integratedmodelling/klab-go/internal/model"
	"github.com/integratedmodelling/klab-go/internal/service"
	"github.com/integratedmodelling/klab-go/internal/testutil"
)

func newTestEngine(t *testing.T, port int, opts ...Option) *Engine {
	t.Helper()
	t.Setenv("KLAB_CATALOG_PATH", ":memory:")
	t.Setenv("KLAB_CERTIFICATE", "")

	opts = append([]Option{
		WithLogger(testutil.TestLogger()),
		WithPort(port),
		WithDiscoveryInterval(50 * time.Millisecond),
	}, opts...)
	engine, err := New(opts...)
	require.NoError(t, err)
	return engine
}

func TestNewAnonymousEngine(t *testing.T) {
	engine := newTestEngine(t, 18283, WithVersion("9.9.9"))

	st := engine.Status()
	assert.Equal(t, service.Engine, st.Type)
	assert.False(t, st.Available)

	caps := engine.Capabilities()
	assert.Equal(t, "9.9.9", caps.Version)
	assert.Equal(t, model.LocalFederationID, caps.FederationID)

	require.NotNil(t, engine.UserScope())
	assert.True(t, engine.UserScope().User().IsAnonymous())
	assert.NotEmpty(t, engine.ServiceSecret())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, engine.Shutdown(ctx))
	// Idempotent.
	require.NoError(t, engine.Shutdown(ctx))
}

// registryRuntime satisfies service.Service as an always-available runtime.
type registryRuntime struct{}

func (registryRuntime) ServiceType() service.Type   { return service.Runtime }
func (registryRuntime) ServiceID() string           { return "rt.test" }
func (registryRuntime) URL() string                 { return "http://test/rt" }
func (registryRuntime) Locality() service.Locality  { return service.LAN }
func (registryRuntime) Available() bool             { return true }
func (registryRuntime) Busy() bool                  { return false }
func (registryRuntime) CheckOnline(context.Context) bool {
	return true
}
func (registryRuntime) Capabilities(context.Context) (service.Capabilities, error) {
	return service.Capabilities{Type: service.Runtime, ServiceID: "rt.test"}, nil
}

func TestSessionsUseRegistryServices(t *testing.T) {
	engine := newTestEngine(t, 18285)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	}()

	// A runtime known only to the registry, never bound to any scope, must be
	// enough to open sessions.
	engine.Registry().SetCurrent(registryRuntime{})

	sess, err := engine.UserScope().RunSession(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, "work", sess.Name())

	rt, err := sess.Service(service.Runtime)
	require.NoError(t, err)
	assert.Equal(t, "rt.test", rt.ServiceID())
	require.NoError(t, sess.Close())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	engine := newTestEngine(t, 18284)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("engine did not stop after context cancellation")
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Config{Port: 8283, Version: "1.0.0"}
	applyOverrides(&cfg, resolvedOptions{
		port:              9000,
		brokerURL:         "amqp://broker:5672/",
		discoveryInterval: time.Minute,
		version:           "2.0.0",
	})

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "amqp://broker:5672/", cfg.BrokerURL)
	assert.Equal(t, time.Minute, cfg.DiscoveryInterval)
	assert.Equal(t, "2.0.0", cfg.Version)
	// Untouched options leave config alone.
	assert.Empty(t, cfg.NotifyURL)
}

func TestLocalFederationStaysEmbedded(t *testing.T) {
	bus := messaging.NewBus(testutil.TestLogger())
	err := attachTransport(context.Background(), bus, config.Config{}, model.LocalFederation(), testutil.TestLogger())
	require.NoError(t, err)
	// No transport attached: closing the bus has nothing to tear down.
	require.NoError(t, bus.Close())
}

func TestExplicitBrokerFailureIsFatal(t *testing.T) {
	bus := messaging.NewBus(testutil.TestLogger())
	fed := &model.Federation{ID: "fed", Broker: "amqp://127.0.0.1:1/"}
	cfg := config.Config{BrokerURL: fed.Broker}

	err := attachTransport(context.Background(), bus, cfg, fed, testutil.TestLogger())
	require.Error(t, err)
}

func TestHubAssignedBrokerFailureDegradesToEmbedded(t *testing.T) {
	bus := messaging.NewBus(testutil.TestLogger())
	fed := &model.Federation{ID: "fed", Broker: "amqp://127.0.0.1:1/"}

	err := attachTransport(context.Background(), bus, config.Config{}, fed, testutil.TestLogger())
	require.NoError(t, err)
}
