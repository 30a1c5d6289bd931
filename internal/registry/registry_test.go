package registry

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KohlJary/statebus/internal/llm"
	"github.com/KohlJary/statebus/internal/query"
	"github.com/KohlJary/statebus/internal/source"
)

// fakeIndex is an in-memory Index keyed like the real collection.
type fakeIndex struct {
	records   map[string]Record
	ensureErr error
	upsertErr error
	queryErr  error
	// queryResults, when set, overrides similarity search output.
	queryResults []Scored
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{records: make(map[string]Record)}
}

func (f *fakeIndex) Ensure(context.Context) error { return f.ensureErr }

func (f *fakeIndex) Upsert(_ context.Context, recs []Record) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	for _, r := range recs {
		f.records[r.Key()] = r
	}
	return nil
}

func (f *fakeIndex) Query(context.Context, []float32, int, string) ([]Scored, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryResults, nil
}

func (f *fakeIndex) Scroll(context.Context) ([]Record, error) {
	out := make([]Record, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeIndex) CountBySource(_ context.Context, sourceID string) (int, error) {
	n := 0
	for _, r := range f.records {
		if r.SourceID == sourceID {
			n++
		}
	}
	return n, nil
}

func (f *fakeIndex) DeleteBySource(_ context.Context, sourceID string) error {
	for k, r := range f.records {
		if r.SourceID == sourceID {
			delete(f.records, k)
		}
	}
	return nil
}

func (f *fakeIndex) Healthy(context.Context) error { return nil }
func (f *fakeIndex) Close() error                  { return nil }

// fakeEmbedder returns a fixed small vector and records batch usage.
type fakeEmbedder struct {
	err        error
	batchCalls int
	batchSizes []int
}

func (e *fakeEmbedder) Embed(context.Context, string) (pgvector.Vector, error) {
	if e.err != nil {
		return pgvector.Vector{}, e.err
	}
	return pgvector.NewVector([]float32{0.1, 0.2, 0.3}), nil
}

func (e *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	e.batchCalls++
	e.batchSizes = append(e.batchSizes, len(texts))
	if e.err != nil {
		return nil, e.err
	}
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector([]float32{0.1, 0.2, 0.3})
	}
	return vecs, nil
}

func (e *fakeEmbedder) Dimensions() int { return 3 }

type fakeSummarizer struct {
	out string
	err error
}

func (s *fakeSummarizer) Generate(context.Context, string, llm.Options) (string, error) {
	return s.out, s.err
}

// stubSource is a minimal Source for registration tests.
type stubSource struct {
	*source.Base
	schema query.SourceSchema
}

func newStubSource(schema query.SourceSchema) *stubSource {
	return &stubSource{
		Base:   source.NewBase(source.Config{}),
		schema: schema,
	}
}

func (s *stubSource) SourceID() string            { return s.schema.SourceID }
func (s *stubSource) Schema() query.SourceSchema  { return s.schema }
func (s *stubSource) ExecuteQuery(_ context.Context, q query.StateQuery) (query.QueryResult, error) {
	return query.NewResult(q, nil, nil), nil
}

func tokensSchema() query.SourceSchema {
	return query.SourceSchema{
		SourceID: "tokens",
		Metrics: []query.MetricDefinition{
			{Name: "cost_usd", Description: "Total API spend in USD", DataType: query.TypeFloat, Tags: []string{"cost"}},
			{Name: "total_tokens", Description: "Total tokens consumed", DataType: query.TypeInt},
		},
	}
}

func newTestRegistry(idx Index, sum Summarizer) *Registry {
	return New(idx, &fakeEmbedder{}, sum, slog.Default())
}

func TestRegisterSource(t *testing.T) {
	idx := newFakeIndex()
	r := newTestRegistry(idx, nil)

	n, err := r.RegisterSource(context.Background(), newStubSource(tokensSchema()))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, ok := idx.records["tokens:cost_usd"]
	require.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, rec.Embedding)
	// No summarizer configured: deterministic template.
	assert.Equal(t, "Total API spend in USD. Use this to query cost_usd data from tokens.", rec.SemanticSummary)
}

// TestRegisterSource_Idempotent verifies upsert semantics: registering twice
// leaves exactly one entry per metric.
func TestRegisterSource_Idempotent(t *testing.T) {
	idx := newFakeIndex()
	r := newTestRegistry(idx, nil)
	src := newStubSource(tokensSchema())

	ctx := context.Background()
	_, err := r.RegisterSource(ctx, src)
	require.NoError(t, err)
	_, err = r.RegisterSource(ctx, src)
	require.NoError(t, err)

	assert.Len(t, idx.records, 2)
}

func TestRegisterSource_ZeroMetrics(t *testing.T) {
	idx := newFakeIndex()
	r := newTestRegistry(idx, nil)

	n, err := r.RegisterSource(context.Background(), newStubSource(query.SourceSchema{SourceID: "empty"}))
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestRegisterSource_OneBatchPerSource verifies that a source's metrics embed
// in a single EmbedBatch call rather than one request per metric.
func TestRegisterSource_OneBatchPerSource(t *testing.T) {
	idx := newFakeIndex()
	emb := &fakeEmbedder{}
	r := New(idx, emb, nil, slog.Default())

	n, err := r.RegisterSource(context.Background(), newStubSource(tokensSchema()))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, emb.batchCalls)
	assert.Equal(t, []int{2}, emb.batchSizes)
}

func TestRegisterSource_BackendFailureDegrades(t *testing.T) {
	t.Run("index down", func(t *testing.T) {
		idx := newFakeIndex()
		idx.upsertErr = errors.New("index down")
		r := newTestRegistry(idx, nil)

		n, err := r.RegisterSource(context.Background(), newStubSource(tokensSchema()))
		require.NoError(t, err, "index failures must not abort registration")
		assert.Zero(t, n)
	})

	t.Run("embedder down", func(t *testing.T) {
		idx := newFakeIndex()
		r := New(idx, &fakeEmbedder{err: errors.New("ollama down")}, nil, slog.Default())

		n, err := r.RegisterSource(context.Background(), newStubSource(tokensSchema()))
		require.NoError(t, err, "embedder failures must not abort registration")
		assert.Zero(t, n)
		assert.Empty(t, idx.records)
	})
}

func TestSemanticSummary_GeneratedAndFallback(t *testing.T) {
	t.Run("llm summary used", func(t *testing.T) {
		idx := newFakeIndex()
		r := newTestRegistry(idx, &fakeSummarizer{out: "Answers questions about spend.\n"})
		_, err := r.RegisterSource(context.Background(), newStubSource(tokensSchema()))
		require.NoError(t, err)
		assert.Equal(t, "Answers questions about spend.", idx.records["tokens:cost_usd"].SemanticSummary)
	})

	t.Run("llm failure falls back to template", func(t *testing.T) {
		idx := newFakeIndex()
		r := newTestRegistry(idx, &fakeSummarizer{err: errors.New("model not loaded")})
		_, err := r.RegisterSource(context.Background(), newStubSource(tokensSchema()))
		require.NoError(t, err)
		assert.Contains(t, idx.records["tokens:cost_usd"].SemanticSummary, "Use this to query cost_usd data from tokens.")
	})

	t.Run("supplied summary wins", func(t *testing.T) {
		idx := newFakeIndex()
		r := newTestRegistry(idx, &fakeSummarizer{out: "generated"})
		schema := tokensSchema()
		schema.Metrics[0].SemanticSummary = "hand-written"
		_, err := r.RegisterSource(context.Background(), newStubSource(schema))
		require.NoError(t, err)
		assert.Equal(t, "hand-written", idx.records["tokens:cost_usd"].SemanticSummary)
	})
}

func TestUnregisterSource(t *testing.T) {
	idx := newFakeIndex()
	r := newTestRegistry(idx, nil)

	t.Run("not initialized returns zero", func(t *testing.T) {
		n, err := r.UnregisterSource(context.Background(), "tokens")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	_, err := r.RegisterSource(context.Background(), newStubSource(tokensSchema()))
	require.NoError(t, err)

	t.Run("removes all entries for source", func(t *testing.T) {
		n, err := r.UnregisterSource(context.Background(), "tokens")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Empty(t, idx.records)
	})
}

// TestFindCapabilities_SimilarityOrdering verifies that results come back
// ordered by descending similarity and that distance converts via 1/(1+d).
func TestFindCapabilities_SimilarityOrdering(t *testing.T) {
	idx := newFakeIndex()
	idx.queryResults = []Scored{
		{Record: Record{SourceID: "tokens", MetricName: "cost_usd", Description: "Total API spend in USD", DataType: query.TypeFloat}, Distance: 0.2},
		{Record: Record{SourceID: "github", MetricName: "stars", Description: "Repository stargazers", DataType: query.TypeInt}, Distance: 0.9},
	}
	r := newTestRegistry(idx, nil)
	require.NoError(t, r.Initialize(context.Background()))

	matches := r.FindCapabilities(context.Background(), "how much have we spent on tokens?", 5, "", nil)
	require.Len(t, matches, 2)

	assert.Equal(t, "tokens", matches[0].SourceID)
	assert.Equal(t, "cost_usd", matches[0].MetricName)
	assert.InDelta(t, 1.0/1.2, matches[0].SimilarityScore, 1e-9)
	assert.Greater(t, matches[0].SimilarityScore, 0.5)
	assert.Greater(t, matches[0].SimilarityScore, matches[1].SimilarityScore)
}

func TestFindCapabilities_TagPostFilter(t *testing.T) {
	idx := newFakeIndex()
	idx.queryResults = []Scored{
		{Record: Record{SourceID: "tokens", MetricName: "cost_usd", Tags: []string{"cost", "money"}}, Distance: 0.1},
		{Record: Record{SourceID: "github", MetricName: "stars", Tags: []string{"social"}}, Distance: 0.2},
	}
	r := newTestRegistry(idx, nil)

	matches := r.FindCapabilities(context.Background(), "spend", 5, "", []string{"money"})
	require.Len(t, matches, 1)
	assert.Equal(t, "cost_usd", matches[0].MetricName)
}

// TestFindCapabilities_NeverRaises verifies graceful degradation: backend
// failures produce an empty result, not an error.
func TestFindCapabilities_NeverRaises(t *testing.T) {
	t.Run("index failure", func(t *testing.T) {
		idx := newFakeIndex()
		idx.queryErr = errors.New("qdrant unreachable")
		r := newTestRegistry(idx, nil)
		assert.Empty(t, r.FindCapabilities(context.Background(), "anything", 5, "", nil))
	})

	t.Run("embedder failure", func(t *testing.T) {
		r := New(newFakeIndex(), &fakeEmbedder{err: errors.New("ollama down")}, nil, slog.Default())
		assert.Empty(t, r.FindCapabilities(context.Background(), "anything", 5, "", nil))
	})
}

func TestListAll(t *testing.T) {
	idx := newFakeIndex()
	r := newTestRegistry(idx, nil)
	_, err := r.RegisterSource(context.Background(), newStubSource(tokensSchema()))
	require.NoError(t, err)

	all, err := r.ListAll(context.Background())
	require.NoError(t, err)
	require.Contains(t, all, "tokens")
	assert.Len(t, all["tokens"], 2)
}

func TestFormatForLLM(t *testing.T) {
	out := FormatForLLM([]query.CapabilityMatch{
		{
			SourceID:        "tokens",
			MetricName:      "cost_usd",
			SemanticSummary: "Total API spend.",
			SimilarityScore: 0.83,
			DataType:        query.TypeFloat,
			Tags:            []string{"cost"},
		},
	})
	assert.Contains(t, out, "tokens:cost_usd")
	assert.Contains(t, out, "Total API spend.")
	assert.Contains(t, out, "0.83")
	assert.Contains(t, out, "cost")

	assert.Equal(t, "No matching capabilities found.", FormatForLLM(nil))
}

func TestPointID_Deterministic(t *testing.T) {
	a := pointID("tokens:cost_usd")
	b := pointID("tokens:cost_usd")
	c := pointID("tokens:total_tokens")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestParseQdrantURL(t *testing.T) {
	host, port, tls, err := parseQdrantURL("https://xyz.cloud.qdrant.io:6333")
	require.NoError(t, err)
	assert.Equal(t, "xyz.cloud.qdrant.io", host)
	assert.Equal(t, 6334, port) // REST 6333 → gRPC 6334
	assert.True(t, tls)

	_, _, _, err = parseQdrantURL("not-a-url")
	require.Error(t, err)
}
