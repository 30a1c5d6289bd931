package query

import (
	"sort"
	"time"
)

// ResultData wraps the value payload of a QueryResult. The value may be a
// scalar, a list, or a nested object depending on the metric.
type ResultData struct {
	Value any `json:"value"`
}

// QueryResult is the response envelope every source returns.
type QueryResult struct {
	Source    string         `json:"source"`
	Query     StateQuery     `json:"query"`
	Data      ResultData     `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`

	// Staleness indicators let callers reason about freshness without
	// re-deriving it from the source's refresh strategy.
	IsStale         bool    `json:"is_stale"`
	CacheAgeSeconds float64 `json:"cache_age_seconds"`
}

// NewResult builds a result envelope stamped with the current time.
func NewResult(q StateQuery, value any, metadata map[string]any) QueryResult {
	return QueryResult{
		Source:    q.Source,
		Query:     q,
		Data:      ResultData{Value: value},
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
}

// WithStaleness annotates the result with cache-age information.
func (r QueryResult) WithStaleness(age time.Duration, stale bool) QueryResult {
	r.CacheAgeSeconds = age.Seconds()
	r.IsStale = stale
	return r
}

// CapabilityMatch is one semantic-search hit from the capability registry.
// Created transiently per discovery call; never persisted.
type CapabilityMatch struct {
	SourceID        string   `json:"source_id"`
	MetricName      string   `json:"metric_name"`
	Description     string   `json:"description"`
	SemanticSummary string   `json:"semantic_summary,omitempty"`
	SimilarityScore float64  `json:"similarity_score"`
	DataType        DataType `json:"data_type"`
	Tags            []string `json:"tags,omitempty"`
}

// Aggregate applies f to a series of numeric samples. Samples must be in
// chronological order for latest to be meaningful. Returns nil for an empty
// series under every function except count, which returns 0.
func Aggregate(f AggFunc, samples []float64) any {
	if f == AggCount {
		return len(samples)
	}
	if len(samples) == 0 {
		return nil
	}
	switch f {
	case AggSum:
		var total float64
		for _, s := range samples {
			total += s
		}
		return total
	case AggAvg:
		var total float64
		for _, s := range samples {
			total += s
		}
		return total / float64(len(samples))
	case AggMax:
		sorted := append([]float64(nil), samples...)
		sort.Float64s(sorted)
		return sorted[len(sorted)-1]
	case AggMin:
		sorted := append([]float64(nil), samples...)
		sort.Float64s(sorted)
		return sorted[0]
	case AggLatest:
		return samples[len(samples)-1]
	default:
		return nil
	}
}
