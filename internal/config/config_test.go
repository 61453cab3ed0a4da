package config

import (
	"testing"
	"time"
)

func TestEnvStrFallback(t *testing.T) {
	// OPAL_TEST_MISSING is not set.
	if v := envStr("OPAL_TEST_MISSING", "fallback"); v != "fallback" {
		t.Fatalf("expected fallback, got %q", v)
	}
}

func TestEnvIntValid(t *testing.T) {
	t.Setenv("OPAL_TEST_INT", "42")
	if v := envInt("OPAL_TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntInvalidFallsBack(t *testing.T) {
	t.Setenv("OPAL_TEST_INT_BAD", "abc")
	if v := envInt("OPAL_TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7, got %d", v)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("OPAL_TEST_DUR", "90s")
	if v := envDuration("OPAL_TEST_DUR", time.Second); v != 90*time.Second {
		t.Fatalf("expected 90s, got %s", v)
	}
}

func TestValidateRejectsAPIKeyWithoutSecret(t *testing.T) {
	cfg := Config{
		DatabaseURL:         "postgres://x",
		MaxIterations:       10,
		EmbeddingDimensions: 768,
		JobQueueSize:        8,
		APIKey:              "key",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when OPAL_API_KEY is set without OPAL_JWT_SECRET")
	}
}

func TestValidateRejectsZeroIterations(t *testing.T) {
	cfg := Config{
		DatabaseURL:         "postgres://x",
		EmbeddingDimensions: 768,
		JobQueueSize:        8,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero tool iterations")
	}
}
