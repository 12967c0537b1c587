// Package config loads and validates engine configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all engine configuration. No global instance exists; the
// loaded value is passed explicitly to every component that needs it.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Identity settings.
	CertificatePath string // JSON certificate file; empty runs anonymously.
	TokenExpiration time.Duration
	ServiceSecret   string // shared secret for privileged localhost calls; generated when empty.

	// Federation settings. BrokerURL and FederationID override what the hub
	// assigns; normally left empty.
	BrokerURL    string
	FederationID string
	NotifyURL    string // direct Postgres URL for the LISTEN/NOTIFY transport; empty disables it.

	// Discovery settings.
	DiscoveryInterval time.Duration
	CatalogPath       string // sqlite endpoint catalog; empty keeps it in memory only.

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel            string
	Version             string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("KLAB_PORT", 8283),
		ReadTimeout:         envDuration("KLAB_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("KLAB_WRITE_TIMEOUT", 30*time.Second),
		CertificatePath:     envStr("KLAB_CERTIFICATE", defaultCertificatePath()),
		TokenExpiration:     envDuration("KLAB_TOKEN_EXPIRATION", 24*time.Hour),
		ServiceSecret:       envStr("KLAB_SERVICE_SECRET", ""),
		BrokerURL:           envStr("KLAB_BROKER_URL", ""),
		FederationID:        envStr("KLAB_FEDERATION_ID", ""),
		NotifyURL:           envStr("KLAB_NOTIFY_URL", ""),
		DiscoveryInterval:   envDuration("KLAB_DISCOVERY_INTERVAL", 15*time.Second),
		CatalogPath:         envStr("KLAB_CATALOG_PATH", defaultCatalogPath()),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "klab-engine"),
		LogLevel:            envStr("KLAB_LOG_LEVEL", "info"),
		Version:             envStr("KLAB_VERSION", "1.0.0"),
		MaxRequestBodyBytes: int64(envInt("KLAB_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: KLAB_PORT out of range: %d", c.Port)
	}
	if c.DiscoveryInterval <= 0 {
		return fmt.Errorf("config: KLAB_DISCOVERY_INTERVAL must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KLAB_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.FederationID != "" && c.BrokerURL == "" {
		return fmt.Errorf("config: KLAB_FEDERATION_ID set without KLAB_BROKER_URL")
	}
	return nil
}

// defaultCertificatePath looks for the certificate in the conventional
// dotfile location; empty when the home directory cannot be resolved, which
// means anonymous operation.
func defaultCertificatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(home, ".klab", "klab.cert")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func defaultCatalogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".klab", "services.db")
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
