// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Embedding settings.
	EmbeddingProvider   string // "ollama" or "noop"
	EmbeddingModel      string
	EmbeddingDimensions int // Vector dimensions; must match the chosen model's output.
	OllamaURL           string

	// LLM settings for query construction and semantic summaries.
	// An empty model disables the LLM tier; construction runs heuristics-only.
	LLMModel   string
	LLMTimeout time.Duration

	// Qdrant capability index.
	QdrantURL        string
	QdrantCollection string

	// Source stores.
	DatabaseURL       string // Postgres URL for the work-item store; empty disables the source.
	TokensDBPath      string // SQLite path for the token-usage store.
	SchedulePath      string // JSON calendar file.
	WorldSnapshotPath string // World-state rollup snapshot.

	// GitHub stats source. Empty repos disables the source.
	GitHubRepos   string // Comma-separated owner/name list.
	GitHubToken   string
	GitHubBaseURL string // Overridable for tests; empty means api.github.com.

	// Refresh cadence.
	CacheTTL         time.Duration // LAZY sources.
	ScheduleInterval time.Duration // SCHEDULED sources.

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		EmbeddingProvider:   envStr("STATEBUS_EMBEDDING_PROVIDER", "ollama"),
		EmbeddingModel:      envStr("STATEBUS_EMBEDDING_MODEL", "mxbai-embed-large"),
		EmbeddingDimensions: envInt("STATEBUS_EMBEDDING_DIMENSIONS", 1024),
		OllamaURL:           envStr("OLLAMA_URL", "http://localhost:11434"),
		LLMModel:            envStr("STATEBUS_LLM_MODEL", "qwen3:8b"),
		LLMTimeout:          envDuration("STATEBUS_LLM_TIMEOUT", 30*time.Second),
		QdrantURL:           envStr("QDRANT_URL", "http://localhost:6333"),
		QdrantCollection:    envStr("STATEBUS_QDRANT_COLLECTION", "statebus_capabilities"),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		TokensDBPath:        envStr("STATEBUS_TOKENS_DB", "tokens.db"),
		SchedulePath:        envStr("STATEBUS_SCHEDULE_PATH", "schedule.json"),
		WorldSnapshotPath:   envStr("STATEBUS_WORLD_SNAPSHOT", "world_state.json"),
		GitHubRepos:         envStr("STATEBUS_GITHUB_REPOS", ""),
		GitHubToken:         envStr("GITHUB_TOKEN", ""),
		GitHubBaseURL:       envStr("STATEBUS_GITHUB_BASE_URL", ""),
		CacheTTL:            envDuration("STATEBUS_CACHE_TTL", 60*time.Second),
		ScheduleInterval:    envDuration("STATEBUS_SCHEDULE_INTERVAL", 5*time.Minute),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "statebus"),
		LogLevel:            envStr("STATEBUS_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.QdrantURL == "" {
		return fmt.Errorf("config: QDRANT_URL is required")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: STATEBUS_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: STATEBUS_CACHE_TTL must be positive")
	}
	if c.ScheduleInterval <= 0 {
		return fmt.Errorf("config: STATEBUS_SCHEDULE_INTERVAL must be positive")
	}
	return nil
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
