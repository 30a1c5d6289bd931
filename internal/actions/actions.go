// Package actions tracks tool and handler invocations in memory and
// projects them through the state query contract.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/KohlJary/statebus/internal/query"
	"github.com/KohlJary/statebus/internal/source"
)

// SourceID is the registered identifier for action-log data.
const SourceID = "actions"

// maxLogSize bounds the in-memory log; oldest entries drop first.
const maxLogSize = 50000

// Action is one recorded invocation.
type Action struct {
	Name     string
	Category string
	At       time.Time
	Success  bool
	Duration time.Duration
}

// Log is a bounded in-memory action log. Handlers record into it; the
// source reads from it.
type Log struct {
	mu      sync.RWMutex
	entries []Action
	now     func() time.Time
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{now: time.Now}
}

// Record appends one action. A zero At gets the current time.
func (l *Log) Record(a Action) {
	if a.At.IsZero() {
		a.At = l.now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, a)
	if len(l.entries) > maxLogSize {
		l.entries = l.entries[len(l.entries)-maxLogSize:]
	}
}

// Snapshot returns a copy of the log.
func (l *Log) Snapshot() []Action {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Action, len(l.entries))
	copy(out, l.entries)
	return out
}

type actionSample func(a Action) (v float64, ok bool)

var metricSamples = map[string]actionSample{
	"actions_taken":  func(a Action) (float64, bool) { return 1, true },
	"actions_failed": func(a Action) (float64, bool) { return 1, !a.Success },
	"duration_ms": func(a Action) (float64, bool) {
		return float64(a.Duration.Milliseconds()), true
	},
}

// ActionSource answers state queries about recorded actions. The log is in
// memory, so refresh is LAZY with a short TTL.
type ActionSource struct {
	*source.Base
	log    *Log
	logger *slog.Logger
	now    func() time.Time
}

// NewSource wires a log into a LAZY source.
func NewSource(log *Log, cacheTTL time.Duration, logger *slog.Logger) *ActionSource {
	s := &ActionSource{
		log:    log,
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

func (s *ActionSource) SourceID() string { return SourceID }

func (s *ActionSource) Schema() query.SourceSchema {
	return query.SourceSchema{
		SourceID: SourceID,
		Metrics: []query.MetricDefinition{
			{
				Name:               "actions_taken",
				Description:        "Tool and handler invocations in the time window",
				DataType:           query.TypeInt,
				SupportsTimeSeries: true,
				Unit:               "actions",
				Tags:               []string{"actions", "tools", "activity", "usage"},
				SemanticSummary:    "How many actions were taken over time. Use this for questions about activity or tool usage.",
			},
			{
				Name:               "actions_failed",
				Description:        "Failed invocations in the time window",
				DataType:           query.TypeInt,
				SupportsTimeSeries: true,
				Unit:               "actions",
				Tags:               []string{"actions", "failures", "errors"},
			},
			{
				Name:        "duration_ms",
				Description: "Per-action execution time in milliseconds",
				DataType:    query.TypeFloat,
				Unit:        "ms",
				Tags:        []string{"actions", "latency", "duration", "slow"},
			},
		},
		Aggregations: query.AggFuncs(),
		GroupBy:      []string{"name", "category"},
		FilterKeys:   []string{"name", "category"},
	}
}

func (s *ActionSource) ExecuteQuery(ctx context.Context, q query.StateQuery) (query.QueryResult, error) {
	entries := s.log.Snapshot()
	entries = filterActions(entries, q.Filters)
	window := q.Window(s.now().UTC())

	inWindow := entries[:0:0]
	for _, a := range entries {
		if window.Contains(a.At) {
			inWindow = append(inWindow, a)
		}
	}

	agg := q.Aggregation
	if agg == "" {
		agg = query.AggSum
	}

	var value any
	switch {
	case q.GroupBy != "":
		value = grouped(inWindow, q.MetricOrAll(), q.GroupBy, agg)
	case q.MetricOrAll() == query.MetricAll:
		all := make(map[string]any, len(metricSamples))
		for name, sample := range metricSamples {
			all[name] = query.Aggregate(agg, collect(inWindow, sample))
		}
		value = all
	default:
		sample, ok := metricSamples[q.Metric]
		if !ok {
			return query.QueryResult{}, fmt.Errorf("actions: no handler for metric %q", q.Metric)
		}
		value = query.Aggregate(agg, collect(inWindow, sample))
	}

	result := query.NewResult(q, value, map[string]any{
		"action_count": len(inWindow),
	})
	if age, ok := s.CacheAge(); ok {
		result = result.WithStaleness(age, s.Stale())
	}
	return result, nil
}

func grouped(entries []Action, metricName, groupBy string, agg query.AggFunc) map[string]any {
	sample, ok := metricSamples[metricName]
	if !ok {
		sample = metricSamples["actions_taken"]
	}
	groups := make(map[string][]float64)
	for _, a := range entries {
		key := a.Name
		if groupBy == "category" {
			key = a.Category
		}
		if v, in := sample(a); in {
			groups[key] = append(groups[key], v)
		}
	}
	out := make(map[string]any, len(groups))
	for key, samples := range groups {
		out[key] = query.Aggregate(agg, samples)
	}
	return out
}

func (s *ActionSource) computeRollups(ctx context.Context) (source.Rollups, error) {
	entries := s.log.Snapshot()
	now := s.now().UTC()
	today := query.TimeSpec{Preset: query.PresetToday}.Resolve(now)

	var taken, failed int
	for _, a := range entries {
		if !today.Contains(a.At) {
			continue
		}
		taken++
		if !a.Success {
			failed++
		}
	}
	return source.Rollups{
		"today":  map[string]any{"actions_taken": taken, "actions_failed": failed},
		"totals": map[string]any{"action_count": len(entries)},
	}, nil
}

func collect(entries []Action, sample actionSample) []float64 {
	var samples []float64
	for _, a := range entries {
		if v, ok := sample(a); ok {
			samples = append(samples, v)
		}
	}
	return samples
}

func filterActions(entries []Action, filters map[string]string) []Action {
	if len(filters) == 0 {
		return entries
	}
	out := entries[:0:0]
	for _, a := range entries {
		if v, ok := filters["name"]; ok && a.Name != v {
			continue
		}
		if v, ok := filters["category"]; ok && a.Category != v {
			continue
		}
		out = append(out, a)
	}
	return out
}
