package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/KohlJary/statebus/internal/query"
	"github.com/KohlJary/statebus/internal/source"
)

// SourceID is the registered identifier for calendar data.
const SourceID = "schedule"

// EventLister is the slice of the calendar the source needs.
type EventLister interface {
	Events(ctx context.Context) ([]Event, error)
}

// eventSample extracts one sample per event in the query window, or skips
// the event (ok=false).
type eventSample func(e Event, w query.TimeRange) (v float64, ok bool)

var metricSamples = map[string]eventSample{
	"events_scheduled": func(e Event, w query.TimeRange) (float64, bool) {
		return 1, w.Contains(e.Start)
	},
	"events_completed": func(e Event, w query.TimeRange) (float64, bool) {
		return 1, e.Completed && w.Contains(e.Start)
	},
	"hours_scheduled": func(e Event, w query.TimeRange) (float64, bool) {
		return e.Duration().Hours(), w.Contains(e.Start)
	},
}

// EventSource answers state queries about the calendar. Refresh is LAZY
// over the schedule file.
type EventSource struct {
	*source.Base
	lister EventLister
	logger *slog.Logger
	now    func() time.Time
}

// NewSource wires a calendar into a LAZY source.
func NewSource(lister EventLister, cacheTTL time.Duration, logger *slog.Logger) *EventSource {
	s := &EventSource{
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

func (s *EventSource) SourceID() string { return SourceID }

func (s *EventSource) Schema() query.SourceSchema {
	return query.SourceSchema{
		SourceID: SourceID,
		Metrics: []query.MetricDefinition{
			{
				Name:               "events_scheduled",
				Description:        "Calendar events starting in the time window",
				DataType:           query.TypeInt,
				SupportsTimeSeries: true,
				Unit:               "events",
				Tags:               []string{"calendar", "schedule", "events", "appointments"},
				SemanticSummary:    "Calendar events over time. Use this for questions about what is scheduled or how busy a day is.",
			},
			{
				Name:               "events_completed",
				Description:        "Calendar events marked completed in the time window",
				DataType:           query.TypeInt,
				SupportsTimeSeries: true,
				Unit:               "events",
				Tags:               []string{"calendar", "schedule", "completed"},
			},
			{
				Name:               "hours_scheduled",
				Description:        "Total scheduled hours in the time window",
				DataType:           query.TypeFloat,
				SupportsTimeSeries: true,
				Unit:               "hours",
				Tags:               []string{"calendar", "schedule", "time", "busy", "hours"},
			},
		},
		Aggregations: query.AggFuncs(),
		GroupBy:      []string{"category"},
		FilterKeys:   []string{"category"},
	}
}

func (s *EventSource) ExecuteQuery(ctx context.Context, q query.StateQuery) (query.QueryResult, error) {
	events, err := s.lister.Events(ctx)
	if err != nil {
		return query.QueryResult{}, err
	}
	if v, ok := q.Filters["category"]; ok {
		filtered := events[:0:0]
		for _, e := range events {
			if e.Category == v {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	window := q.Window(s.now().UTC())

	agg := q.Aggregation
	if agg == "" {
		agg = query.AggSum
	}

	var value any
	switch {
	case q.GroupBy == "category":
		value = groupedByCategory(events, q.MetricOrAll(), agg, window)
	case q.MetricOrAll() == query.MetricAll:
		all := make(map[string]any, len(metricSamples))
		for name, sample := range metricSamples {
			all[name] = query.Aggregate(agg, collect(events, sample, window))
		}
		value = all
	default:
		sample, ok := metricSamples[q.Metric]
		if !ok {
			return query.QueryResult{}, fmt.Errorf("schedule: no handler for metric %q", q.Metric)
		}
		value = query.Aggregate(agg, collect(events, sample, window))
	}

	result := query.NewResult(q, value, map[string]any{
		"event_count": len(events),
	})
	if age, ok := s.CacheAge(); ok {
		result = result.WithStaleness(age, s.Stale())
	}
	return result, nil
}

func groupedByCategory(events []Event, metricName string, agg query.AggFunc, window query.TimeRange) map[string]any {
	sample, ok := metricSamples[metricName]
	if !ok {
		sample = metricSamples["events_scheduled"]
	}
	groups := make(map[string][]float64)
	for _, e := range events {
		if v, in := sample(e, window); in {
			groups[e.Category] = append(groups[e.Category], v)
		}
	}
	out := make(map[string]any, len(groups))
	for cat, samples := range groups {
		out[cat] = query.Aggregate(agg, samples)
	}
	return out
}

func (s *EventSource) computeRollups(ctx context.Context) (source.Rollups, error) {
	events, err := s.lister.Events(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	today := query.TimeSpec{Preset: query.PresetToday}.Resolve(now)

	var todayCount int
	var todayHours float64
	for _, e := range events {
		if today.Contains(e.Start) {
			todayCount++
			todayHours += e.Duration().Hours()
		}
	}
	return source.Rollups{
		"today": map[string]any{
			"events_scheduled": todayCount,
			"hours_scheduled":  todayHours,
		},
		"totals": map[string]any{"event_count": len(events)},
	}, nil
}

func collect(events []Event, sample eventSample, window query.TimeRange) []float64 {
	var samples []float64
	for _, e := range events {
		if v, ok := sample(e, window); ok {
			samples = append(samples, v)
		}
	}
	return samples
}
