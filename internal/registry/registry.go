// Package registry maintains a semantically searchable index of every metric
// every registered source exposes, so callers can discover what is queryable
// without knowing source or metric names in advance.
//
// Discovery is advisory, never load-bearing: every backend failure here
// degrades to an empty result or a templated fallback. A broken search must
// never block a direct, well-formed query.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/KohlJary/statebus/internal/embedding"
	"github.com/KohlJary/statebus/internal/llm"
	"github.com/KohlJary/statebus/internal/query"
	"github.com/KohlJary/statebus/internal/source"
)

// Summarizer produces a one-line semantic summary for a metric. *llm.Client
// satisfies it; a nil Summarizer disables generation and every metric without
// a supplied summary gets the deterministic template.
type Summarizer interface {
	Generate(ctx context.Context, prompt string, opts llm.Options) (string, error)
}

// Registry owns the capability index. It stores only metadata describing
// metrics (source, name, description, tags) — never metric values.
type Registry struct {
	index      Index
	embedder   embedding.Provider
	summarizer Summarizer
	logger     *slog.Logger

	mu          sync.Mutex
	initialized bool
}

// New creates a Registry. summarizer may be nil.
func New(index Index, embedder embedding.Provider, summarizer Summarizer, logger *slog.Logger) *Registry {
	return &Registry{
		index:      index,
		embedder:   embedder,
		summarizer: summarizer,
		logger:     logger,
	}
}

// Initialize creates or attaches the backing collection. Idempotent and safe
// to call concurrently: only the first successful caller performs the side
// effect.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}
	if err := r.index.Ensure(ctx); err != nil {
		return fmt.Errorf("registry: initialize: %w", err)
	}
	r.initialized = true
	return nil
}

// Initialized reports whether Initialize has succeeded.
func (r *Registry) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

// RegisterSource indexes every metric in the source's schema and returns the
// count indexed. All metrics embed in one batch and land in one upsert; a
// backend failure logs and registers nothing rather than erroring — a broken
// index must not stop the source from serving queries. A source with zero
// metrics registers trivially.
func (r *Registry) RegisterSource(ctx context.Context, src source.Source) (int, error) {
	if err := r.Initialize(ctx); err != nil {
		return 0, err
	}

	schema := src.Schema()
	if len(schema.Metrics) == 0 {
		r.logger.Info("registry: source registered",
			"source", schema.SourceID, "indexed", 0, "declared", 0)
		return 0, nil
	}

	records := make([]Record, 0, len(schema.Metrics))
	texts := make([]string, 0, len(schema.Metrics))
	for _, m := range schema.Metrics {
		rec := Record{
			SourceID:        schema.SourceID,
			MetricName:      m.Name,
			Description:     m.Description,
			SemanticSummary: r.semanticSummary(ctx, schema.SourceID, m),
			DataType:        m.DataType,
			Tags:            m.Tags,
		}
		records = append(records, rec)
		texts = append(texts, embeddingText(rec))
	}

	vecs, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		r.logger.Warn("registry: embed capabilities failed, source not indexed",
			"source", schema.SourceID, "error", err)
		return 0, nil
	}
	if len(vecs) != len(records) {
		r.logger.Warn("registry: embedder returned wrong vector count, source not indexed",
			"source", schema.SourceID, "want", len(records), "got", len(vecs))
		return 0, nil
	}
	for i := range records {
		records[i].Embedding = vecs[i].Slice()
	}

	if err := r.index.Upsert(ctx, records); err != nil {
		r.logger.Warn("registry: index capabilities failed, source not indexed",
			"source", schema.SourceID, "error", err)
		return 0, nil
	}

	r.logger.Info("registry: source registered",
		"source", schema.SourceID, "indexed", len(records), "declared", len(schema.Metrics))
	return len(records), nil
}

// UnregisterSource removes every index entry for the source and returns the
// count removed. Returns 0 without error if the registry was never
// initialized.
func (r *Registry) UnregisterSource(ctx context.Context, sourceID string) (int, error) {
	if !r.Initialized() {
		return 0, nil
	}

	count, err := r.index.CountBySource(ctx, sourceID)
	if err != nil {
		return 0, fmt.Errorf("registry: count capabilities for %q: %w", sourceID, err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := r.index.DeleteBySource(ctx, sourceID); err != nil {
		return 0, fmt.Errorf("registry: unregister %q: %w", sourceID, err)
	}
	return count, nil
}

// FindCapabilities performs a similarity search over the index. sourceFilter
// is applied at the index level; tagFilter is applied after retrieval because
// the backing index doesn't support list-intersection filters directly.
// Returns an empty list (never an error) on any backend failure.
func (r *Registry) FindCapabilities(ctx context.Context, text string, limit int, sourceFilter string, tagFilter []string) []query.CapabilityMatch {
	if limit <= 0 {
		limit = 5
	}

	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		r.logger.Error("registry: embed discovery query failed", "error", err)
		return nil
	}

	// Over-fetch when tag post-filtering will thin the results.
	fetchLimit := limit
	if len(tagFilter) > 0 {
		fetchLimit = limit * 3
	}

	scored, err := r.index.Query(ctx, vec.Slice(), fetchLimit, sourceFilter)
	if err != nil {
		r.logger.Error("registry: capability search failed", "error", err)
		return nil
	}

	matches := make([]query.CapabilityMatch, 0, len(scored))
	for _, s := range scored {
		if len(tagFilter) > 0 && !hasAnyTag(s.Tags, tagFilter) {
			continue
		}
		matches = append(matches, query.CapabilityMatch{
			SourceID:        s.SourceID,
			MetricName:      s.MetricName,
			Description:     s.Description,
			SemanticSummary: s.SemanticSummary,
			SimilarityScore: 1.0 / (1.0 + s.Distance),
			DataType:        s.DataType,
			Tags:            s.Tags,
		})
		if len(matches) == limit {
			break
		}
	}
	return matches
}

// ListAll dumps the whole index grouped by source, for introspection.
func (r *Registry) ListAll(ctx context.Context) (map[string][]query.CapabilityMatch, error) {
	records, err := r.index.Scroll(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list capabilities: %w", err)
	}

	out := make(map[string][]query.CapabilityMatch)
	for _, rec := range records {
		out[rec.SourceID] = append(out[rec.SourceID], query.CapabilityMatch{
			SourceID:        rec.SourceID,
			MetricName:      rec.MetricName,
			Description:     rec.Description,
			SemanticSummary: rec.SemanticSummary,
			DataType:        rec.DataType,
			Tags:            rec.Tags,
		})
	}
	return out, nil
}

// Healthy reports whether the backing index is reachable.
func (r *Registry) Healthy(ctx context.Context) error {
	return r.index.Healthy(ctx)
}

// semanticSummary returns the metric's supplied summary, a generated one, or
// the deterministic template — in that order. Generation failures log at
// warning level and fall through; a metric must never end up unsearchable.
func (r *Registry) semanticSummary(ctx context.Context, sourceID string, m query.MetricDefinition) string {
	if m.SemanticSummary != "" {
		return m.SemanticSummary
	}

	if r.summarizer != nil {
		prompt := fmt.Sprintf(
			"Write one sentence describing what questions the metric %q from the %q subsystem can answer. Metric description: %s\nRespond with the sentence only.",
			m.Name, sourceID, m.Description)
		summary, err := r.summarizer.Generate(ctx, prompt, llm.Options{Temperature: 0.3, MaxTokens: 100})
		if err == nil {
			if s := strings.TrimSpace(summary); s != "" {
				return s
			}
		} else {
			r.logger.Warn("registry: summary generation failed, using template",
				"source", sourceID, "metric", m.Name, "error", err)
		}
	}

	return fmt.Sprintf("%s. Use this to query %s data from %s.", m.Description, m.Name, sourceID)
}

// embeddingText builds the text a capability is indexed under.
func embeddingText(rec Record) string {
	parts := []string{rec.SourceID + " " + rec.MetricName, rec.Description}
	if rec.SemanticSummary != "" {
		parts = append(parts, rec.SemanticSummary)
	}
	if len(rec.Tags) > 0 {
		parts = append(parts, strings.Join(rec.Tags, " "))
	}
	return strings.Join(parts, ". ")
}

func hasAnyTag(tags, wanted []string) bool {
	for _, w := range wanted {
		if slices.Contains(tags, w) {
			return true
		}
	}
	return false
}

// FormatForLLM renders matches as a bulleted block suitable for direct
// inclusion in an LLM prompt.
func FormatForLLM(matches []query.CapabilityMatch) string {
	if len(matches) == 0 {
		return "No matching capabilities found."
	}

	var b strings.Builder
	b.WriteString("Available capabilities:\n")
	for _, m := range matches {
		summary := m.SemanticSummary
		if summary == "" {
			summary = m.Description
		}
		fmt.Fprintf(&b, "- %s:%s — %s (type: %s, relevance: %.2f",
			m.SourceID, m.MetricName, summary, m.DataType, m.SimilarityScore)
		if len(m.Tags) > 0 {
			fmt.Fprintf(&b, ", tags: %s", strings.Join(m.Tags, ", "))
		}
		b.WriteString(")\n")
	}
	return b.String()
}
