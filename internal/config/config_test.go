package config

import (
	"testing"
	"time"
)

func TestEnvStr(t *testing.T) {
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
	// Unparseable values fall back to the default.
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7, got %d", v)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	if v := envDuration("TEST_DUR_BAD", time.Minute); v != time.Minute {
		t.Fatalf("expected fallback 1m, got %s", v)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.QdrantURL != "http://localhost:6333" {
		t.Fatalf("unexpected default qdrant url: %s", cfg.QdrantURL)
	}
	if cfg.CacheTTL != 60*time.Second {
		t.Fatalf("unexpected default cache ttl: %s", cfg.CacheTTL)
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cfg.QdrantURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for empty QDRANT_URL")
	}

	cfg, _ = Load()
	cfg.CacheTTL = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for zero cache TTL")
	}
}

func TestLoadRespectsOverrides(t *testing.T) {
	t.Setenv("STATEBUS_CACHE_TTL", "2m")
	t.Setenv("STATEBUS_GITHUB_REPOS", "a/b")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CacheTTL != 2*time.Minute {
		t.Fatalf("expected 2m cache ttl, got %s", cfg.CacheTTL)
	}
	if cfg.GitHubRepos != "a/b" {
		t.Fatalf("expected repos override, got %s", cfg.GitHubRepos)
	}
}
