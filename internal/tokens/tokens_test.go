package tokens

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KohlJary/statebus/internal/query"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "tokens.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedUsage(t *testing.T, store *Store, now time.Time) {
	t.Helper()
	ctx := context.Background()
	rows := []Usage{
		{OccurredAt: now.Add(-1 * time.Hour), Model: "qwen3:8b", Provider: "ollama", InputTokens: 1200, OutputTokens: 400, CostUSD: 0.012},
		{OccurredAt: now.Add(-2 * time.Hour), Model: "qwen3:8b", Provider: "ollama", InputTokens: 800, OutputTokens: 300, CostUSD: 0.008},
		{OccurredAt: now.Add(-3 * time.Hour), Model: "gpt-4o-mini", Provider: "openai", InputTokens: 500, OutputTokens: 250, CostUSD: 0.030},
		// Outside "last_24h".
		{OccurredAt: now.Add(-48 * time.Hour), Model: "qwen3:8b", Provider: "ollama", InputTokens: 9000, OutputTokens: 1000, CostUSD: 0.100},
	}
	for _, u := range rows {
		require.NoError(t, store.Record(ctx, u))
	}
}

func TestStore_RoundTrip(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	seedUsage(t, store, now)

	rows, err := store.UsageBetween(context.Background(), now.Add(-24*time.Hour), now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "gpt-4o-mini", rows[0].Model) // oldest first
	assert.Equal(t, int64(1600), rows[2].TotalTokens())
}

func TestStore_Totals(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	seedUsage(t, store, now)

	cost, input, output, count, err := store.Totals(context.Background(), now.Add(-24*time.Hour), now.Add(time.Second))
	require.NoError(t, err)
	assert.InDelta(t, 0.050, cost, 1e-9)
	assert.Equal(t, int64(2500), input)
	assert.Equal(t, int64(950), output)
	assert.Equal(t, int64(3), count)
}

func TestExecuteQuery_SumCost(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	seedUsage(t, store, now)

	src := NewSource(store, time.Minute, slog.Default())
	result, err := src.ExecuteQuery(context.Background(), query.StateQuery{
		Source:      SourceID,
		Metric:      "cost_usd",
		Time:        &query.TimeSpec{Preset: query.PresetLast24h},
		Aggregation: query.AggSum,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.050, result.Data.Value.(float64), 1e-9)
	assert.Equal(t, 3, result.Metadata["row_count"])
}

func TestExecuteQuery_DefaultAggregationIsSum(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	seedUsage(t, store, now)

	src := NewSource(store, time.Minute, slog.Default())
	result, err := src.ExecuteQuery(context.Background(), query.StateQuery{
		Source: SourceID,
		Metric: "total_tokens",
		Time:   &query.TimeSpec{Preset: query.PresetLast24h},
	})
	require.NoError(t, err)
	assert.InDelta(t, 3450, result.Data.Value.(float64), 1e-9)
}

func TestExecuteQuery_MetricAll(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	seedUsage(t, store, now)

	src := NewSource(store, time.Minute, slog.Default())
	result, err := src.ExecuteQuery(context.Background(), query.StateQuery{
		Source: SourceID,
		Metric: query.MetricAll,
		Time:   &query.TimeSpec{Preset: query.PresetLast24h},
	})
	require.NoError(t, err)

	all, ok := result.Data.Value.(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 0.050, all["cost_usd"].(float64), 1e-9)
	assert.InDelta(t, 3, all["request_count"].(float64), 1e-9)
}

func TestExecuteQuery_GroupByModel(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	seedUsage(t, store, now)

	src := NewSource(store, time.Minute, slog.Default())
	result, err := src.ExecuteQuery(context.Background(), query.StateQuery{
		Source:      SourceID,
		Metric:      "cost_usd",
		Time:        &query.TimeSpec{Preset: query.PresetLast24h},
		Aggregation: query.AggSum,
		GroupBy:     "model",
	})
	require.NoError(t, err)

	groups, ok := result.Data.Value.(map[string]any)
	require.True(t, ok)
	require.Len(t, groups, 2)
	assert.InDelta(t, 0.020, groups["qwen3:8b"].(float64), 1e-9)
	assert.InDelta(t, 0.030, groups["gpt-4o-mini"].(float64), 1e-9)
}

func TestExecuteQuery_Filters(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	seedUsage(t, store, now)

	src := NewSource(store, time.Minute, slog.Default())
	result, err := src.ExecuteQuery(context.Background(), query.StateQuery{
		Source:      SourceID,
		Metric:      "request_count",
		Time:        &query.TimeSpec{Preset: query.PresetLast24h},
		Aggregation: query.AggCount,
		Filters:     map[string]string{"provider": "ollama"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Data.Value.(int))
}

func TestExecuteQuery_EmptyWindow(t *testing.T) {
	store := testStore(t)

	src := NewSource(store, time.Minute, slog.Default())
	result, err := src.ExecuteQuery(context.Background(), query.StateQuery{
		Source:      SourceID,
		Metric:      "cost_usd",
		Time:        &query.TimeSpec{Preset: query.PresetToday},
		Aggregation: query.AggSum,
	})
	require.NoError(t, err)
	assert.Nil(t, result.Data.Value)
	assert.Equal(t, 0, result.Metadata["row_count"])
}

func TestRollups(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	seedUsage(t, store, now)

	src := NewSource(store, time.Minute, slog.Default())
	require.NoError(t, src.EnsureFresh(context.Background()))

	rollups := src.PrecomputedRollups()
	require.Contains(t, rollups, "all_time")
	allTime := rollups["all_time"]
	assert.InDelta(t, 0.150, allTime["cost_usd"].(float64), 1e-9)
	assert.Equal(t, int64(4), allTime["request_count"].(int64))
}

func TestSchema_ValidatesOwnQueries(t *testing.T) {
	store := testStore(t)
	src := NewSource(store, time.Minute, slog.Default())

	schema := src.Schema()
	assert.Empty(t, schema.Validate(query.StateQuery{
		Source:      SourceID,
		Metric:      "cost_usd",
		Aggregation: query.AggSum,
		GroupBy:     "model",
		Filters:     map[string]string{"provider": "ollama"},
	}))
	problems := schema.Validate(query.StateQuery{
		Source:  SourceID,
		Metric:  "nope",
		GroupBy: "day_of_week",
	})
	assert.Len(t, problems, 2)
}
