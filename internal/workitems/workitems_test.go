package workitems

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KohlJary/statebus/internal/query"
)

type fakeLister struct {
	items []Item
	err   error
}

func (f *fakeLister) ListItems(context.Context) ([]Item, error) {
	return f.items, f.err
}

func ptr(t time.Time) *time.Time { return &t }

func seedItems(now time.Time) []Item {
	return []Item{
		{ID: uuid.New(), Title: "ship query layer", Status: StatusDone, Priority: "high", Project: "statebus",
			CreatedAt: now.Add(-72 * time.Hour), CompletedAt: ptr(now.Add(-2 * time.Hour))},
		{ID: uuid.New(), Title: "write docs", Status: StatusOpen, Priority: "low", Project: "statebus",
			CreatedAt: now.Add(-3 * time.Hour)},
		{ID: uuid.New(), Title: "fix flaky embed", Status: StatusBlocked, Priority: "high", Project: "cass",
			CreatedAt: now.Add(-30 * time.Hour)},
		{ID: uuid.New(), Title: "tune prompts", Status: StatusInProgress, Priority: "medium", Project: "cass",
			CreatedAt: now.Add(-1 * time.Hour)},
	}
}

func TestExecuteQuery_ItemsCompletedInWindow(t *testing.T) {
	now := time.Now().UTC()
	src := NewSource(&fakeLister{items: seedItems(now)}, time.Minute, slog.Default())

	result, err := src.ExecuteQuery(context.Background(), query.StateQuery{
		Source:      SourceID,
		Metric:      "items_completed",
		Time:        &query.TimeSpec{Preset: query.PresetLast24h},
		Aggregation: query.AggCount,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Data.Value.(int))
}

func TestExecuteQuery_ItemsCreatedInWindow(t *testing.T) {
	now := time.Now().UTC()
	src := NewSource(&fakeLister{items: seedItems(now)}, time.Minute, slog.Default())

	result, err := src.ExecuteQuery(context.Background(), query.StateQuery{
		Source: SourceID,
		Metric: "items_created",
		Time:   &query.TimeSpec{Preset: query.PresetLast24h},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Data.Value.(int))
}

func TestExecuteQuery_OpenItemsIgnoreWindow(t *testing.T) {
	now := time.Now().UTC()
	src := NewSource(&fakeLister{items: seedItems(now)}, time.Minute, slog.Default())

	result, err := src.ExecuteQuery(context.Background(), query.StateQuery{
		Source: SourceID,
		Metric: "open_items",
		Time:   &query.TimeSpec{Preset: query.PresetToday},
	})
	require.NoError(t, err)
	// open + in_progress, regardless of the narrow window.
	assert.Equal(t, 2, result.Data.Value.(int))
}

func TestExecuteQuery_GroupByProject(t *testing.T) {
	now := time.Now().UTC()
	src := NewSource(&fakeLister{items: seedItems(now)}, time.Minute, slog.Default())

	result, err := src.ExecuteQuery(context.Background(), query.StateQuery{
		Source:  SourceID,
		Metric:  "items_created",
		Time:    &query.TimeSpec{Preset: query.PresetLast7d},
		GroupBy: "project",
	})
	require.NoError(t, err)

	groups := result.Data.Value.(map[string]any)
	assert.Equal(t, 2, groups["statebus"].(int))
	assert.Equal(t, 2, groups["cass"].(int))
}

func TestExecuteQuery_FiltersThenCounts(t *testing.T) {
	now := time.Now().UTC()
	src := NewSource(&fakeLister{items: seedItems(now)}, time.Minute, slog.Default())

	result, err := src.ExecuteQuery(context.Background(), query.StateQuery{
		Source:  SourceID,
		Metric:  query.MetricAll,
		Filters: map[string]string{"priority": "high"},
	})
	require.NoError(t, err)

	all := result.Data.Value.(map[string]any)
	assert.Equal(t, 1, all["blocked_items"].(int))
	assert.Equal(t, 0, all["open_items"].(int))
	assert.Equal(t, 2, result.Metadata["item_count"])
}

func TestExecuteQuery_ListerFailure(t *testing.T) {
	src := NewSource(&fakeLister{err: errors.New("connection refused")}, time.Minute, slog.Default())

	_, err := src.ExecuteQuery(context.Background(), query.StateQuery{
		Source: SourceID,
		Metric: "open_items",
	})
	require.Error(t, err)
}

func TestRollups_ByStatus(t *testing.T) {
	now := time.Now().UTC()
	src := NewSource(&fakeLister{items: seedItems(now)}, time.Minute, slog.Default())
	require.NoError(t, src.EnsureFresh(context.Background()))

	rollups := src.PrecomputedRollups()
	byStatus := rollups["by_status"]
	assert.Equal(t, 1, byStatus[StatusOpen].(int))
	assert.Equal(t, 1, byStatus[StatusDone].(int))
	assert.Equal(t, 4, rollups["totals"]["item_count"].(int))
}
