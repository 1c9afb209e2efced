package config

import (
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
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

	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
	if v := envDuration("TEST_DUR_MISSING", time.Minute); v != time.Minute {
		t.Fatalf("expected fallback 1m, got %s", v)
	}

	t.Setenv("TEST_STR", "hello")
	if v := envStr("TEST_STR", "x"); v != "hello" {
		t.Fatalf("expected hello, got %s", v)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.PolicyFailMode != "closed" {
		t.Fatalf("expected policy gate to default closed, got %q", cfg.PolicyFailMode)
	}
	if cfg.ConcurrencyFailMode != "open" {
		t.Fatalf("expected concurrency guard to default open, got %q", cfg.ConcurrencyFailMode)
	}
	if cfg.RouterTimeout != 10*time.Second {
		t.Fatalf("expected default router timeout 10s, got %s", cfg.RouterTimeout)
	}
}

func TestLoadRejectsBadFailMode(t *testing.T) {
	t.Setenv("ULTA_POLICY_FAIL_MODE", "maybe")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail with invalid ULTA_POLICY_FAIL_MODE")
	}
}

func TestValidateRejectsNonPositiveTimeout(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	cfg.RouterTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate() to reject zero router timeout")
	}
}
