package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/KohlJary/statebus/internal/query"
	"github.com/KohlJary/statebus/internal/source"
)

// SourceID is the registered identifier for token spend data.
const SourceID = "tokens"

// metricSample extracts one per-request sample for a metric. Dispatch is a
// plain map lookup so adding a metric means adding a row here and in the
// schema, nothing else.
type metricSample func(u Usage) float64

var metricSamples = map[string]metricSample{
	"cost_usd":      func(u Usage) float64 { return u.CostUSD },
	"input_tokens":  func(u Usage) float64 { return float64(u.InputTokens) },
	"output_tokens": func(u Usage) float64 { return float64(u.OutputTokens) },
	"total_tokens":  func(u Usage) float64 { return float64(u.TotalTokens()) },
	"request_count": func(u Usage) float64 { return 1 },
}

// TokenSource answers state queries about LLM token spend. Refresh is LAZY:
// rollups recompute on demand when the cache outlives its TTL, while query
// execution always reads the store directly.
type TokenSource struct {
	*source.Base
	store  *Store
	logger *slog.Logger
	now    func() time.Time
}

// NewSource wires the store into a LAZY source. cacheTTL <= 0 gets the
// package default.
func NewSource(store *Store, cacheTTL time.Duration, logger *slog.Logger) *TokenSource {
	s := &TokenSource{
		store:  store,
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

func (s *TokenSource) SourceID() string { return SourceID }

func (s *TokenSource) Schema() query.SourceSchema {
	return query.SourceSchema{
		SourceID: SourceID,
		Metrics: []query.MetricDefinition{
			{
				Name:               "cost_usd",
				Description:        "Dollar cost of LLM API calls",
				DataType:           query.TypeFloat,
				SupportsDelta:      true,
				SupportsTimeSeries: true,
				Unit:               "USD",
				Tags:               []string{"cost", "spend", "money", "budget"},
				SemanticSummary:    "Total dollar spend on LLM API calls. Use this to answer questions about cost, spend, or budget.",
			},
			{
				Name:               "input_tokens",
				Description:        "Prompt tokens sent to models",
				DataType:           query.TypeInt,
				SupportsDelta:      true,
				SupportsTimeSeries: true,
				Unit:               "tokens",
				Tags:               []string{"tokens", "usage", "prompt"},
			},
			{
				Name:               "output_tokens",
				Description:        "Completion tokens returned by models",
				DataType:           query.TypeInt,
				SupportsDelta:      true,
				SupportsTimeSeries: true,
				Unit:               "tokens",
				Tags:               []string{"tokens", "usage", "completion"},
			},
			{
				Name:               "total_tokens",
				Description:        "Combined prompt and completion tokens",
				DataType:           query.TypeInt,
				SupportsDelta:      true,
				SupportsTimeSeries: true,
				Unit:               "tokens",
				Tags:               []string{"tokens", "usage"},
			},
			{
				Name:        "request_count",
				Description: "Number of LLM API calls made",
				DataType:    query.TypeInt,
				Unit:        "requests",
				Tags:        []string{"requests", "calls", "volume"},
			},
		},
		Aggregations:  query.AggFuncs(),
		GroupBy:       []string{"model", "provider"},
		FilterKeys:    []string{"model", "provider"},
		RollupPeriods: []string{"today", "last_7d", "last_30d", "all_time"},
	}
}

// ExecuteQuery reads matching usage rows and aggregates them. Assumes the
// query already validated against the schema.
func (s *TokenSource) ExecuteQuery(ctx context.Context, q query.StateQuery) (query.QueryResult, error) {
	window := q.Window(s.now().UTC())
	rows, err := s.store.UsageBetween(ctx, window.From, window.To)
	if err != nil {
		return query.QueryResult{}, err
	}
	rows = filterUsage(rows, q.Filters)

	agg := q.Aggregation
	if agg == "" {
		agg = query.AggSum
	}

	var value any
	switch {
	case q.GroupBy != "":
		value = s.groupedValue(rows, q.MetricOrAll(), q.GroupBy, agg)
	case q.MetricOrAll() == query.MetricAll:
		all := make(map[string]any, len(metricSamples))
		for name, sample := range metricSamples {
			all[name] = query.Aggregate(agg, collect(rows, sample))
		}
		value = all
	default:
		sample, ok := metricSamples[q.Metric]
		if !ok {
			return query.QueryResult{}, fmt.Errorf("tokens: no handler for metric %q", q.Metric)
		}
		value = query.Aggregate(agg, collect(rows, sample))
	}

	result := query.NewResult(q, value, map[string]any{
		"row_count": len(rows),
		"window":    map[string]string{"from": window.From.Format(time.RFC3339), "to": window.To.Format(time.RFC3339)},
	})
	if age, ok := s.CacheAge(); ok {
		result = result.WithStaleness(age, s.Stale())
	}
	return result, nil
}

// groupedValue aggregates the requested metric independently within each
// group. With metric "all" the grouping key maps to a request count, which
// is the only aggregate that is meaningful across heterogeneous metrics.
func (s *TokenSource) groupedValue(rows []Usage, metricName, groupBy string, agg query.AggFunc) map[string]any {
	groups := make(map[string][]Usage)
	for _, u := range rows {
		groups[groupKey(u, groupBy)] = append(groups[groupKey(u, groupBy)], u)
	}

	sample, ok := metricSamples[metricName]
	if !ok {
		sample = metricSamples["request_count"]
		agg = query.AggSum
	}

	out := make(map[string]any, len(groups))
	for key, members := range groups {
		out[key] = query.Aggregate(agg, collect(members, sample))
	}
	return out
}

func (s *TokenSource) computeRollups(ctx context.Context) (source.Rollups, error) {
	now := s.now().UTC()
	rollups := make(source.Rollups, 4)
	for _, preset := range []query.TimePreset{query.PresetToday, query.PresetLast7d, query.PresetLast30d, query.PresetAllTime} {
		window := query.TimeSpec{Preset: preset}.Resolve(now)
		cost, input, output, count, err := s.store.Totals(ctx, window.From, window.To)
		if err != nil {
			return nil, err
		}
		rollups[string(preset)] = map[string]any{
			"cost_usd":      cost,
			"input_tokens":  input,
			"output_tokens": output,
			"total_tokens":  input + output,
			"request_count": count,
		}
	}
	return rollups, nil
}

func filterUsage(rows []Usage, filters map[string]string) []Usage {
	if len(filters) == 0 {
		return rows
	}
	out := rows[:0:0]
	for _, u := range rows {
		if v, ok := filters["model"]; ok && u.Model != v {
			continue
		}
		if v, ok := filters["provider"]; ok && u.Provider != v {
			continue
		}
		out = append(out, u)
	}
	return out
}

func collect(rows []Usage, sample metricSample) []float64 {
	samples := make([]float64, len(rows))
	for i, u := range rows {
		samples[i] = sample(u)
	}
	return samples
}

func groupKey(u Usage, groupBy string) string {
	switch groupBy {
	case "model":
		return u.Model
	case "provider":
		return u.Provider
	default:
		return ""
	}
}
