package workitems

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/KohlJary/statebus/internal/query"
	"github.com/KohlJary/statebus/internal/source"
)

// SourceID is the registered identifier for work-item data.
const SourceID = "workitems"

// ItemLister is the slice of the store the source needs.
type ItemLister interface {
	ListItems(ctx context.Context) ([]Item, error)
}

// itemMatch reports whether an item counts toward a metric within the query
// window. Window-scoped metrics key off created/completed timestamps;
// status metrics describe current state and ignore the window.
type itemMatch func(it Item, window query.TimeRange) bool

var metricMatches = map[string]itemMatch{
	"items_created": func(it Item, w query.TimeRange) bool {
		return w.Contains(it.CreatedAt)
	},
	"items_completed": func(it Item, w query.TimeRange) bool {
		return it.CompletedAt != nil && w.Contains(*it.CompletedAt)
	},
	"open_items": func(it Item, _ query.TimeRange) bool {
		return it.Status == StatusOpen || it.Status == StatusInProgress
	},
	"blocked_items": func(it Item, _ query.TimeRange) bool {
		return it.Status == StatusBlocked
	},
}

// ItemSource answers state queries about work items. Refresh is LAZY over
// the item list.
type ItemSource struct {
	*source.Base
	lister ItemLister
	logger *slog.Logger
	now    func() time.Time
}

// NewSource wires an item lister into a LAZY source.
func NewSource(lister ItemLister, cacheTTL time.Duration, logger *slog.Logger) *ItemSource {
	s := &ItemSource{
		lister: lister,
		logger: logger,
		now:    time.Now,
	}
	s.Base = source.NewBase(source.Config{
		Strategy: source.RefreshLazy,
		CacheTTL: cacheTTL,
		Compute:  s.computeRollups,
		Logger:   logger,
	})
	return s
}

func (s *ItemSource) SourceID() string { return SourceID }

func (s *ItemSource) Schema() query.SourceSchema {
	return query.SourceSchema{
		SourceID: SourceID,
		Metrics: []query.MetricDefinition{
			{
				Name:               "items_created",
				Description:        "Work items created in the time window",
				DataType:           query.TypeInt,
				SupportsTimeSeries: true,
				Unit:               "items",
				Tags:               []string{"tasks", "work", "created", "backlog"},
				SemanticSummary:    "Work items created over time. Use this for questions about new tasks or backlog growth.",
			},
			{
				Name:               "items_completed",
				Description:        "Work items completed in the time window",
				DataType:           query.TypeInt,
				SupportsDelta:      true,
				SupportsTimeSeries: true,
				Unit:               "items",
				Tags:               []string{"tasks", "work", "done", "completed", "productivity"},
				SemanticSummary:    "Work items finished over time. Use this for questions about productivity or completed tasks.",
			},
			{
				Name:        "open_items",
				Description: "Work items currently open or in progress",
				DataType:    query.TypeInt,
				Unit:        "items",
				Tags:        []string{"tasks", "work", "open", "todo", "pending"},
			},
			{
				Name:        "blocked_items",
				Description: "Work items currently blocked",
				DataType:    query.TypeInt,
				Unit:        "items",
				Tags:        []string{"tasks", "work", "blocked", "stuck"},
			},
		},
		Aggregations: []query.AggFunc{query.AggCount, query.AggSum},
		GroupBy:      []string{"status", "project", "priority"},
		FilterKeys:   []string{"status", "project", "priority"},
	}
}

// ExecuteQuery counts items matching the requested metric. Counting is the
// natural aggregate for item data, so sum and count behave identically.
func (s *ItemSource) ExecuteQuery(ctx context.Context, q query.StateQuery) (query.QueryResult, error) {
	items, err := s.lister.ListItems(ctx)
	if err != nil {
		return query.QueryResult{}, err
	}
	items = filterItems(items, q.Filters)
	window := q.Window(s.now().UTC())

	var value any
	switch {
	case q.GroupBy != "":
		value = groupedCounts(items, q.MetricOrAll(), q.GroupBy, window)
	case q.MetricOrAll() == query.MetricAll:
		all := make(map[string]any, len(metricMatches))
		for name, match := range metricMatches {
			all[name] = countMatching(items, match, window)
		}
		value = all
	default:
		match, ok := metricMatches[q.Metric]
		if !ok {
			return query.QueryResult{}, fmt.Errorf("workitems: no handler for metric %q", q.Metric)
		}
		value = countMatching(items, match, window)
	}

	result := query.NewResult(q, value, map[string]any{
		"item_count": len(items),
	})
	if age, ok := s.CacheAge(); ok {
		result = result.WithStaleness(age, s.Stale())
	}
	return result, nil
}

// groupedCounts computes the requested metric independently per group.
// Metric "all" degrades to a per-group item count.
func groupedCounts(items []Item, metricName, groupBy string, window query.TimeRange) map[string]any {
	match, ok := metricMatches[metricName]
	if !ok {
		match = func(Item, query.TimeRange) bool { return true }
	}
	out := make(map[string]any)
	for _, it := range items {
		key := itemGroupKey(it, groupBy)
		n, _ := out[key].(int)
		if match(it, window) {
			n++
		}
		out[key] = n
	}
	return out
}

func (s *ItemSource) computeRollups(ctx context.Context) (source.Rollups, error) {
	items, err := s.lister.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	byStatus := map[string]any{
		StatusOpen:       0,
		StatusInProgress: 0,
		StatusBlocked:    0,
		StatusDone:       0,
	}
	for _, it := range items {
		if n, ok := byStatus[it.Status].(int); ok {
			byStatus[it.Status] = n + 1
		}
	}
	return source.Rollups{
		"by_status": byStatus,
		"totals":    map[string]any{"item_count": len(items)},
	}, nil
}

func countMatching(items []Item, match itemMatch, window query.TimeRange) int {
	n := 0
	for _, it := range items {
		if match(it, window) {
			n++
		}
	}
	return n
}

func filterItems(items []Item, filters map[string]string) []Item {
	if len(filters) == 0 {
		return items
	}
	out := items[:0:0]
	for _, it := range items {
		if v, ok := filters["status"]; ok && it.Status != v {
			continue
		}
		if v, ok := filters["project"]; ok && it.Project != v {
			continue
		}
		if v, ok := filters["priority"]; ok && it.Priority != v {
			continue
		}
		out = append(out, it)
	}
	return out
}

func itemGroupKey(it Item, groupBy string) string {
	switch groupBy {
	case "status":
		return it.Status
	case "project":
		return it.Project
	case "priority":
		return it.Priority
	default:
		return ""
	}
}
