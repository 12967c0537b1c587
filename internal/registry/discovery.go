package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/integratedmodelling/klab-go/internal/messaging"
	"github.com/integratedmodelling/klab-go/internal/model"
	"github.com/integratedmodelling/klab-go/internal/service"
	"github.com/integratedmodelling/klab-go/internal/telemetry"
)

const (
	// defaultInterval is the period of the discovery round.
	defaultInterval = 15 * time.Second
	// waitPoll is how often WaitOnline re-checks the aggregate state.
	waitPoll = 150 * time.Millisecond
	// tickTimeout bounds one discovery round.
	tickTimeout = 10 * time.Second
)

// EssentialTypes are the services an engine cannot operate without.
var EssentialTypes = []service.Type{
	service.Reasoner, service.Resources, service.Resolver, service.Runtime,
}

// Hooks are the one-shot lifecycle callbacks of the discovery loop.
// Initialize runs exactly once, the first time every essential service is
// available. Operationalize runs exactly once after a successful Initialize,
// for work that needs an initialized engine (loading worldview, warming
// caches). Either hook failing leaves the engine available but not
// operational; the loop does not retry a failed hook.
type Hooks struct {
	Initialize     func(ctx context.Context) error
	Operationalize func(ctx context.Context) error

	// AvailabilityChanged runs on every aggregate availability transition,
	// after the EngineStatusChanged broadcast. Unlike the hooks above it is
	// not one-shot; owners use it to enter and leave maintenance mode.
	AvailabilityChanged func(available bool)
}

// Config tunes the discovery loop.
type Config struct {
	Interval      time.Duration
	Essential     []service.Type
	ServiceSecret string // sent to localhost services for privileged status
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if len(c.Essential) == 0 {
		c.Essential = EssentialTypes
	}
	return c
}

// Loop is the periodic discovery and health worker. Each round it probes for
// missing essential services at their well-known local endpoints, refreshes
// the health of registered ones and recomputes the aggregate availability.
// Services that go offline stay registered and keep being re-probed; nothing
// is ever evicted for flapping.
type Loop struct {
	registry *Registry
	catalog  *Catalog // optional
	channel  messaging.Channel
	logger   *slog.Logger
	cfg      Config
	hooks    Hooks

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once

	available     atomic.Bool
	initAttempted atomic.Bool
	initialized   atomic.Bool
	operAttempted atomic.Bool
	operational   atomic.Bool

	rounds metric.Int64Counter
}

// NewLoop builds a discovery loop over the registry. catalog may be nil;
// channel carries lifecycle events and may be a pure log channel.
func NewLoop(reg *Registry, catalog *Catalog, channel messaging.Channel, cfg Config, hooks Hooks, logger *slog.Logger) *Loop {
	meter := telemetry.Meter("klab/registry")
	rounds, _ := meter.Int64Counter("klab.discovery.rounds",
		metric.WithDescription("Completed discovery rounds"))

	return &Loop{
		registry: reg,
		catalog:  catalog,
		channel:  channel,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		hooks:    hooks,
		done:     make(chan struct{}),
		rounds:   rounds,
	}
}

// Start begins the background discovery loop. Safe to call only once;
// subsequent calls are no-ops and log a warning. The first round runs
// immediately so a fully local deployment comes up without waiting a period.
func (l *Loop) Start(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		l.logger.Warn("discovery: Start called more than once, ignoring")
		return
	}
	l.registerMetrics()
	l.seedFromCatalog(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	go l.run(loopCtx)
}

// Drain stops the loop and blocks until it has exited or ctx expires.
// A no-op when the loop was never started.
func (l *Loop) Drain(ctx context.Context) {
	if !l.started.Load() {
		return
	}
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	select {
	case <-l.done:
	case <-ctx.Done():
		l.logger.Warn("discovery: drain timed out")
	}
}

// Available reports the aggregate state: every essential service online.
func (l *Loop) Available() bool { return l.available.Load() }

// Initialized reports whether the one-shot initialization has run.
func (l *Loop) Initialized() bool { return l.initialized.Load() }

// Operational reports whether the engine finished operationalization.
func (l *Loop) Operational() bool { return l.operational.Load() }

// WaitOnline blocks until the aggregate state is available or ctx expires.
func (l *Loop) WaitOnline(ctx context.Context) error {
	if l.available.Load() {
		return nil
	}
	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if l.available.Load() {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("registry: wait online: %w", ctx.Err())
		}
	}
}

func (l *Loop) run(ctx context.Context) {
	defer l.once.Do(func() { close(l.done) })

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick runs one discovery round.
func (l *Loop) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, tickTimeout)
	defer cancel()

	for _, t := range l.cfg.Essential {
		svc := l.registry.Current(t)
		if svc == nil {
			l.createDefaultService(ctx, t)
			continue
		}
		was := svc.Available()
		now := svc.CheckOnline(ctx)
		if was != now {
			l.announceService(t, now)
		}
	}

	l.recompute(ctx)
	if l.rounds != nil {
		l.rounds.Add(ctx, 1)
	}
}

// createDefaultService probes the well-known local endpoint for the type and
// registers a client when something answers. Silence is normal: the service
// may simply not be deployed here yet.
func (l *Loop) createDefaultService(ctx context.Context, t service.Type) {
	url := t.LocalServiceURL()
	if url == "" {
		return
	}
	if _, err := service.Probe(ctx, url); err != nil {
		return
	}

	client := service.NewClient(t, url, service.Localhost, l.cfg.ServiceSecret, l.logger)
	online := client.CheckOnline(ctx)
	l.registry.Register(client)
	l.logger.Info("discovery: found local service", "type", t, "url", url, "available", online)
	if online {
		l.announceService(t, true)
	}

	if l.catalog != nil {
		if err := l.catalog.Save(ctx, Endpoint{Type: t, URL: url, ServiceID: client.ServiceID()}); err != nil {
			l.logger.Warn("discovery: catalog save failed", "type", t, "error", err)
		}
	}
}

// seedFromCatalog registers clients for endpoints persisted by earlier runs.
// They start offline; the first round probes them.
func (l *Loop) seedFromCatalog(ctx context.Context) {
	if l.catalog == nil {
		return
	}
	endpoints, err := l.catalog.Load(ctx)
	if err != nil {
		l.logger.Warn("discovery: catalog load failed", "error", err)
		return
	}
	for _, e := range endpoints {
		if !e.Type.Valid() {
			continue
		}
		locality := service.WAN
		if e.URL == e.Type.LocalServiceURL() {
			locality = service.Localhost
		}
		l.registry.Register(service.NewClient(e.Type, e.URL, locality, l.cfg.ServiceSecret, l.logger))
	}
	if len(endpoints) > 0 {
		l.logger.Info("discovery: seeded from catalog", "endpoints", len(endpoints))
	}
}

// recompute derives the aggregate availability and runs the one-shot
// lifecycle hooks on the offline-to-online transition.
func (l *Loop) recompute(ctx context.Context) {
	allOnline := l.registry.AvailableCount(l.cfg.Essential) == len(l.cfg.Essential)

	if l.available.Swap(allOnline) != allOnline {
		l.channel.Send(model.ClassEngineLifecycle, model.TypeEngineStatusChanged, allOnline)
		if allOnline {
			l.logger.Info("discovery: all essential services available")
		} else {
			l.logger.Warn("discovery: engine degraded, essential service offline")
		}
		if l.hooks.AvailabilityChanged != nil {
			l.hooks.AvailabilityChanged(allOnline)
		}
	}

	if !allOnline {
		return
	}

	// Each hook is attempted at most once per process, even across
	// availability flaps: flapping must never re-initialize the engine.
	if l.initAttempted.CompareAndSwap(false, true) {
		if err := l.runHook(ctx, "initialize", l.hooks.Initialize); err != nil {
			return
		}
		l.initialized.Store(true)
	}
	if l.initialized.Load() && l.operAttempted.CompareAndSwap(false, true) {
		if err := l.runHook(ctx, "operationalize", l.hooks.Operationalize); err != nil {
			return
		}
		l.operational.Store(true)
	}
}

func (l *Loop) runHook(ctx context.Context, name string, hook func(context.Context) error) error {
	if hook == nil {
		return nil
	}
	if err := hook(ctx); err != nil {
		l.logger.Error("discovery: lifecycle hook failed", "hook", name, "error", err)
		l.channel.Error("discovery ", name, " failed: ", err)
		return err
	}
	l.logger.Info("discovery: lifecycle hook completed", "hook", name)
	return nil
}

func (l *Loop) announceService(t service.Type, available bool) {
	typ := model.TypeServiceUnavailable
	if available {
		typ = model.TypeServiceAvailable
	}
	l.channel.Send(model.ClassServiceLifecycle, typ, string(t))
}

// registerMetrics exposes the aggregate state as an observable gauge.
func (l *Loop) registerMetrics() {
	meter := telemetry.Meter("klab/registry")
	_, _ = meter.Int64ObservableGauge("klab.engine.available",
		metric.WithDescription("1 when every essential service is available"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if l.available.Load() {
				o.Observe(1)
			} else {
				o.Observe(0)
			}
			return nil
		}),
	)
}
