// Package klab is the embeddable orchestration core of a klab engine: the
// client-side process that authenticates a user, discovers the distributed
// semantic services, joins a federation's messaging fabric and hands out the
// scopes that all semantic work runs in.
//
// Typical embedding:
//
//	engine, err := klab.New(klab.WithVersion(version))
//	if err != nil {
//		log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := engine.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// Run blocks until ctx is cancelled and shuts the engine down in order:
// HTTP server, discovery loop, scopes, messaging, telemetry.
package klab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/integratedmodelling/klab-go/internal/auth"
	"github.com/integratedmodelling/klab-go/internal/config"
	"github.com/integratedmodelling/klab-go/internal/messaging"
	"github.com/integratedmodelling/klab-go/internal/model"
	"github.com/integratedmodelling/klab-go/internal/registry"
	"github.com/integratedmodelling/klab-go/internal/scope"
	"github.com/integratedmodelling/klab-go/internal/server"
	"github.com/integratedmodelling/klab-go/internal/service"
	"github.com/integratedmodelling/klab-go/internal/telemetry"
)

// federationQueue is the logical broadcast channel every engine of a
// federation subscribes to.
const federationQueue = "engine.events"

// startupTimeout bounds authentication and transport setup in New.
const startupTimeout = 30 * time.Second

// shutdownTimeout bounds the automatic shutdown Run performs when its context
// is cancelled.
const shutdownTimeout = 15 * time.Second

// roleToType maps the public service-role enum to the internal one.
var roleToType = map[ServiceRole]service.Type{
	RoleReasoner:  service.Reasoner,
	RoleResources: service.Resources,
	RoleResolver:  service.Resolver,
	RoleRuntime:   service.Runtime,
	RoleCommunity: service.Community,
}

// Engine is a running klab engine instance. Create with New, start with Run.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	identity   *model.Identity // service identity of this process
	user       *model.Identity // authenticated or anonymous user
	federation *model.Federation

	tokens        *auth.TokenManager
	serviceSecret string

	bus        *messaging.MessageBus
	registry   *registry.Registry
	catalog    *registry.Catalog // nil when the endpoint catalog is disabled
	loop       *registry.Loop
	scope      *scope.ServiceScope
	userScope  *scope.UserScope
	httpServer *server.Server

	otelShutdown telemetry.Shutdown
	started      time.Time
	closed       atomic.Bool
}

// New builds an engine from environment configuration and options.
// Options override the corresponding environment variables.
//
// New authenticates (against the hub when a certificate is present, anonymous
// otherwise), connects the federation transport, seeds the service registry
// and constructs all components. Nothing runs until Run is called.
func New(opts ...Option) (*Engine, error) {
	var resolved resolvedOptions
	for _, opt := range opts {
		opt(&resolved)
	}

	// Load .env if present; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("klab: load config: %w", err)
	}
	applyOverrides(&cfg, resolved)

	logger := resolved.logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, cfg.Version, true)
	if err != nil {
		return nil, fmt.Errorf("klab: init telemetry: %w", err)
	}

	fail := func(err error) (*Engine, error) {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Identity. A missing certificate means anonymous local operation; a
	// present but broken or rejected one is fatal, never silently degraded.
	var cert *auth.Certificate
	if cfg.CertificatePath != "" {
		cert, err = auth.LoadCertificate(cfg.CertificatePath)
		if err != nil {
			return fail(fmt.Errorf("klab: certificate %s: %w", cfg.CertificatePath, err))
		}
	}
	user, granted, err := auth.NewAuthenticator(logger).Authenticate(ctx, cert)
	if err != nil {
		return fail(fmt.Errorf("klab: authenticate: %w", err))
	}
	tokens, err := auth.NewTokenManager(cert, cfg.TokenExpiration)
	if err != nil {
		return fail(err)
	}

	federation := user.Federation()
	if federation == nil {
		federation = model.LocalFederation()
	}
	if cfg.BrokerURL != "" {
		f := *federation
		f.Broker = cfg.BrokerURL
		if cfg.FederationID != "" {
			f.ID = cfg.FederationID
		}
		federation = &f
		user.SetData(model.FederationKey, federation)
	}

	serviceSecret := cfg.ServiceSecret
	if serviceSecret == "" {
		serviceSecret = uuid.NewString()
	}
	secretHash, err := auth.HashSecret(serviceSecret)
	if err != nil {
		return fail(fmt.Errorf("klab: hash service secret: %w", err))
	}

	// Messaging. The bus always works embedded; a transport binds it to the
	// federation when one is reachable.
	bus := messaging.NewBus(logger)
	if err := attachTransport(ctx, bus, cfg, federation, logger); err != nil {
		return fail(err)
	}

	// Scopes.
	identity := model.NewIdentity(model.IdentityService, cfg.ServiceName)
	identity.SetData(model.FederationKey, federation)
	serviceScope, err := scope.NewServiceScope(identity, service.Localhost, bus, logger)
	if err != nil {
		_ = bus.Close()
		return fail(fmt.Errorf("klab: create service scope: %w", err))
	}
	userScope, err := serviceScope.CreateUser(user)
	if err != nil {
		_ = serviceScope.Close()
		_ = bus.Close()
		return fail(fmt.Errorf("klab: create user scope: %w", err))
	}

	// Registry, seeded with hub-granted and caller-supplied endpoints. The
	// discovery loop fills in whatever runs locally. The scope tree resolves
	// services through the registry, so whatever discovery finds is usable
	// from every scope immediately.
	reg := registry.New()
	serviceScope.SetDirectory(reg)
	for _, g := range granted {
		registerEndpoint(reg, g.Type, g.URL, g.Primary, logger)
	}
	for _, e := range resolved.endpoints {
		t, ok := roleToType[e.Role]
		if !ok {
			logger.Warn("klab: ignoring endpoint with unknown role", "role", e.Role, "url", e.URL)
			continue
		}
		registerEndpoint(reg, t, e.URL, e.Primary, logger)
	}

	var catalog *registry.Catalog
	if cfg.CatalogPath != "" {
		catalog, err = registry.OpenCatalog(cfg.CatalogPath)
		if err != nil {
			logger.Warn("klab: endpoint catalog unavailable, discovery starts cold", "path", cfg.CatalogPath, "error", err)
		}
	}

	loop := registry.NewLoop(reg, catalog, serviceScope,
		registry.Config{Interval: cfg.DiscoveryInterval, ServiceSecret: serviceSecret},
		registry.Hooks{
			Initialize:     resolved.initialize,
			Operationalize: resolved.operationalize,
			AvailabilityChanged: func(available bool) {
				serviceScope.SetMaintenanceMode(!available)
			},
		},
		logger)

	e := &Engine{
		cfg:           cfg,
		logger:        logger,
		identity:      identity,
		user:          user,
		federation:    federation,
		tokens:        tokens,
		serviceSecret: serviceSecret,
		bus:           bus,
		registry:      reg,
		catalog:       catalog,
		loop:          loop,
		scope:         serviceScope,
		userScope:     userScope,
		started:       time.Now(),
	}
	e.otelShutdown = otelShutdown

	e.httpServer = server.New(server.ServerConfig{
		Source:              e,
		Bus:                 bus,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		ServiceSecretHash:   secretHash,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	logger.Info("klab: engine created",
		"user", user.Username,
		"federation", federation.ID,
		"port", cfg.Port,
		"version", cfg.Version,
	)
	return e, nil
}

// applyOverrides folds option values over the environment configuration.
func applyOverrides(cfg *config.Config, o resolvedOptions) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.brokerURL != "" {
		cfg.BrokerURL = o.brokerURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.certificatePath != "" {
		cfg.CertificatePath = o.certificatePath
	}
	if o.catalogPath != "" {
		cfg.CatalogPath = o.catalogPath
	}
	if o.discoveryInterval != 0 {
		cfg.DiscoveryInterval = o.discoveryInterval
	}
	if o.serviceSecret != "" {
		cfg.ServiceSecret = o.serviceSecret
	}
	if o.version != "" {
		cfg.Version = o.version
	}
}

// attachTransport binds the bus to the federation. Postgres LISTEN/NOTIFY
// wins when configured; otherwise AMQP is attempted for explicitly configured
// brokers and for hub-assigned federations. The default local federation
// stays embedded: a developer machine does not need a broker.
func attachTransport(ctx context.Context, bus *messaging.MessageBus, cfg config.Config, federation *model.Federation, logger *slog.Logger) error {
	if cfg.NotifyURL != "" {
		pg, err := messaging.NewPGBus(ctx, cfg.NotifyURL, federation.ID, federationQueue, bus.Dispatch, logger)
		if err != nil {
			return fmt.Errorf("klab: connect notify transport: %w", err)
		}
		bus.SetTransport(pg)
		return nil
	}

	explicit := cfg.BrokerURL != ""
	if !explicit && federation.ID == model.LocalFederationID {
		return nil
	}
	bc, err := messaging.NewBrokerChannel(federation, federationQueue, bus.Dispatch, logger)
	if err != nil {
		if explicit {
			return fmt.Errorf("klab: connect broker: %w", err)
		}
		logger.Warn("klab: federation broker unreachable, running embedded",
			"broker", federation.Broker, "error", err)
		return nil
	}
	bus.SetTransport(bc)
	return nil
}

// registerEndpoint adds a remote service client to the registry.
func registerEndpoint(reg *registry.Registry, t service.Type, url string, primary bool, logger *slog.Logger) {
	if !t.Valid() {
		logger.Warn("klab: ignoring endpoint with unknown service type", "type", t, "url", url)
		return
	}
	client := service.NewClient(t, url, service.WAN, "", logger)
	if primary {
		reg.SetCurrent(client)
	} else {
		reg.Register(client)
	}
}

// Run starts the discovery loop and the HTTP server, then blocks until ctx is
// cancelled or the server fails. On either the engine shuts itself down with
// a bounded timeout before returning.
func (e *Engine) Run(ctx context.Context) error {
	e.loop.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("klab: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops everything in dependency order: HTTP first so no new work
// arrives, then the discovery loop, then the scopes (their close messages
// still need the bus), then messaging, the catalog and telemetry. Safe to
// call once; subsequent calls are no-ops.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.logger.Info("klab: engine shutting down")

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(e.httpServer.Shutdown(ctx))
	e.loop.Drain(ctx)
	record(e.userScope.Close())
	record(e.scope.Close())
	record(e.bus.Close())
	if e.catalog != nil {
		record(e.catalog.Close())
	}
	record(e.otelShutdown(ctx))

	if firstErr != nil {
		return fmt.Errorf("klab: shutdown: %w", firstErr)
	}
	e.logger.Info("klab: engine stopped")
	return nil
}

// Status implements the discovery status endpoint.
func (e *Engine) Status() service.Status {
	return service.Status{
		Type:        service.Engine,
		ServiceID:   e.identity.ID,
		Available:   e.loop.Available(),
		Busy:        e.scope.Busy(),
		Initialized: e.loop.Initialized(),
		Operational: e.loop.Operational(),
		UptimeMs:    time.Since(e.started).Milliseconds(),
	}
}

// Capabilities implements the discovery capabilities endpoint.
func (e *Engine) Capabilities() service.Capabilities {
	return service.Capabilities{
		Type:         service.Engine,
		ServiceID:    e.identity.ID,
		ServiceName:  e.cfg.ServiceName,
		Version:      e.cfg.Version,
		BrokerURI:    e.federation.Broker,
		FederationID: e.federation.ID,
		ExposedQueues: []string{
			string(model.QueueEvents), string(model.QueueErrors),
			string(model.QueueWarnings), string(model.QueueInfo),
			string(model.QueueUI), string(model.QueueStatus),
		},
	}
}

// UserScope returns the root scope of the authenticated user. Sessions and
// observation contexts are created from it.
func (e *Engine) UserScope() *scope.UserScope { return e.userScope }

// ServiceScope returns the scope of the engine process itself.
func (e *Engine) ServiceScope() *scope.ServiceScope { return e.scope }

// Registry returns the service registry the discovery loop maintains.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// TokenManager returns the JWT issuer/validator bound to this engine's keys.
func (e *Engine) TokenManager() *auth.TokenManager { return e.tokens }

// ServiceSecret returns the secret privileged localhost callers must present.
func (e *Engine) ServiceSecret() string { return e.serviceSecret }

// Online reports whether every essential service is currently available.
func (e *Engine) Online() bool { return e.loop.Available() }

// WaitOnline blocks until every essential service is available or ctx
// expires.
func (e *Engine) WaitOnline(ctx context.Context) error { return e.loop.WaitOnline(ctx) }

// Interrupt raises the cooperative cancellation flag on the user scope tree.
func (e *Engine) Interrupt() { e.userScope.Interrupt() }
