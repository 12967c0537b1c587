package klab

import (
	"log/slog"
	"time"
)

// Option configures an Engine.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers go through the With functions.
type resolvedOptions struct {
	port              int
	brokerURL         string
	notifyURL         string
	certificatePath   string
	catalogPath       string
	discoveryInterval time.Duration
	serviceSecret     string
	logger            *slog.Logger
	version           string
	initialize        Hook
	operationalize    Hook
	endpoints         []ServiceEndpoint
}

// WithPort overrides the TCP port from config (KLAB_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithBrokerURL overrides the federation broker from config (KLAB_BROKER_URL
// env var). When set, a broker connection failure at startup is fatal instead
// of degrading to embedded messaging.
func WithBrokerURL(url string) Option {
	return func(o *resolvedOptions) { o.brokerURL = url }
}

// WithNotifyURL sets a direct Postgres URL and switches the federation
// transport to LISTEN/NOTIFY (KLAB_NOTIFY_URL env var). Useful for
// deployments that already run Postgres but no AMQP broker. The connection
// must be direct; LISTEN/NOTIFY does not survive a pooler like PgBouncer.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithCertificatePath overrides the certificate file location from config
// (KLAB_CERTIFICATE env var).
func WithCertificatePath(path string) Option {
	return func(o *resolvedOptions) { o.certificatePath = path }
}

// WithCatalogPath overrides the sqlite endpoint catalog location from config
// (KLAB_CATALOG_PATH env var). An empty path keeps discovered endpoints in
// memory only.
func WithCatalogPath(path string) Option {
	return func(o *resolvedOptions) { o.catalogPath = path }
}

// WithDiscoveryInterval overrides the period of the service discovery round
// (KLAB_DISCOVERY_INTERVAL env var).
func WithDiscoveryInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.discoveryInterval = d }
}

// WithServiceSecret sets the shared secret for privileged localhost calls
// (KLAB_SERVICE_SECRET env var). If never set, a random secret is generated
// at startup.
func WithServiceSecret(secret string) Option {
	return func(o *resolvedOptions) { o.serviceSecret = secret }
}

// WithLogger sets the structured logger for the Engine.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in capabilities and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithInitializeHook sets the one-shot initialization hook.
// Only the last call wins.
func WithInitializeHook(h Hook) Option {
	return func(o *resolvedOptions) { o.initialize = h }
}

// WithOperationalizeHook sets the one-shot operationalization hook, run after
// a successful initialize. Only the last call wins.
func WithOperationalizeHook(h Hook) Option {
	return func(o *resolvedOptions) { o.operationalize = h }
}

// WithServiceEndpoint registers a known remote service endpoint ahead of
// discovery. Multiple endpoints may be registered; endpoints granted by the
// federation hub at authentication are registered in addition to these.
func WithServiceEndpoint(e ServiceEndpoint) Option {
	return func(o *resolvedOptions) { o.endpoints = append(o.endpoints, e) }
}
