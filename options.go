package statebus

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger            *slog.Logger
	version           string
	databaseURL       string
	tokensDBPath      string
	embeddingProvider EmbeddingProvider
	worldProvider     WorldProvider
	extraMigrations   []fs.FS
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and the MCP handshake.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DATABASE_URL env var). Enables the work-items source.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithTokensDBPath overrides the SQLite path for token usage from config
// (STATEBUS_TOKENS_DB env var).
func WithTokensDBPath(path string) Option {
	return func(o *resolvedOptions) { o.tokensDBPath = path }
}

// WithEmbeddingProvider replaces the config-driven embedding provider
// (Ollama/noop) used by the capability index.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithWorldProvider attaches the host's world engine as the event-driven
// world source. Without it the world source answers from its last snapshot.
func WithWorldProvider(p WorldProvider) Option {
	return func(o *resolvedOptions) { o.worldProvider = p }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the built-in work-items migrations. Multiple filesystems may be
// registered; they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
