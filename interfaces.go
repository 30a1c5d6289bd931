package statebus

import "context"

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the config-driven
// Ollama/noop provider. Uses []float32 (not pgvector.Vector) to avoid
// forcing the pgvector dependency on external consumers; New() wraps it
// in an adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// WorldProvider reports the current world engine state. The host registers
// one via WithWorldProvider and calls App.WorldChanged() after each change
// event; the world source refreshes from it in the background.
type WorldProvider interface {
	WorldState(ctx context.Context) (WorldState, error)
}
