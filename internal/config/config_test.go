package config

import (
	"testing"
	"time"
)

func TestEnvStrFallback(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	if v := envStr("TEST_STR", "fallback"); v != "value" {
		t.Fatalf("expected value, got %s", v)
	}
	if v := envStr("TEST_STR_MISSING", "fallback"); v != "fallback" {
		t.Fatalf("expected fallback, got %s", v)
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback on bad value, got %d", v)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	if v := envDuration("TEST_DUR_BAD", time.Minute); v != time.Minute {
		t.Fatalf("expected fallback on bad value, got %s", v)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8283 {
		t.Fatalf("expected default port 8283, got %d", cfg.Port)
	}
	if cfg.DiscoveryInterval != 15*time.Second {
		t.Fatalf("expected default discovery interval 15s, got %s", cfg.DiscoveryInterval)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero port", Config{Port: 0, DiscoveryInterval: time.Second, MaxRequestBodyBytes: 1}},
		{"zero interval", Config{Port: 8283, DiscoveryInterval: 0, MaxRequestBodyBytes: 1}},
		{"zero body limit", Config{Port: 8283, DiscoveryInterval: time.Second, MaxRequestBodyBytes: 0}},
		{"federation without broker", Config{Port: 8283, DiscoveryInterval: time.Second, MaxRequestBodyBytes: 1, FederationID: "fed"}},
	}
	for _, tc := range cases {
		if err := tc.cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadHonorsOverrides(t *testing.T) {
	t.Setenv("KLAB_PORT", "9999")
	t.Setenv("KLAB_BROKER_URL", "amqp://broker:5672/")
	t.Setenv("KLAB_FEDERATION_ID", "fed9")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9999 {
		t.Fatalf("expected 9999, got %d", cfg.Port)
	}
	if cfg.FederationID != "fed9" {
		t.Fatalf("expected fed9, got %s", cfg.FederationID)
	}
}
