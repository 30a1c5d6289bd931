package query

import (
	"fmt"
	"slices"
)

// DataType describes the shape of a metric's value.
type DataType string

const (
	TypeString  DataType = "string"
	TypeInt     DataType = "int"
	TypeFloat   DataType = "float"
	TypeBoolean DataType = "boolean"
	TypeList    DataType = "list"
	TypeObject  DataType = "object"
)

// MetricDefinition declares one queryable fact a source can answer.
type MetricDefinition struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	DataType    DataType `json:"data_type"`

	// SupportsDelta marks metrics that can report change-over-time.
	SupportsDelta bool `json:"supports_delta,omitempty"`
	// SupportsTimeSeries marks metrics that can be shaped as a series.
	SupportsTimeSeries bool `json:"supports_time_series,omitempty"`

	Unit string   `json:"unit,omitempty"`
	Tags []string `json:"tags,omitempty"`

	// SemanticSummary is the search-facing one-liner. Lazily generated by the
	// capability registry when the source doesn't supply one.
	SemanticSummary string `json:"semantic_summary,omitempty"`
}

// SourceSchema is the contract a source publishes: which metrics it answers
// and which aggregations, groupings, filters, and rollup periods it supports.
// Query validation and LLM-facing documentation are both generated from it.
type SourceSchema struct {
	SourceID      string             `json:"source_id"`
	Metrics       []MetricDefinition `json:"metrics"`
	Aggregations  []AggFunc          `json:"aggregations,omitempty"`
	GroupBy       []string           `json:"group_by,omitempty"`
	FilterKeys    []string           `json:"filter_keys,omitempty"`
	RollupPeriods []string           `json:"rollup_periods,omitempty"`
}

// Metric looks up a metric definition by name.
func (s SourceSchema) Metric(name string) (MetricDefinition, bool) {
	for _, m := range s.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return MetricDefinition{}, false
}

// MetricNames returns the declared metric names in declaration order.
func (s SourceSchema) MetricNames() []string {
	names := make([]string, len(s.Metrics))
	for i, m := range s.Metrics {
		names[i] = m.Name
	}
	return names
}

// Validate checks q against the schema and returns every violation found,
// not just the first, so callers can report all problems at once.
// A nil return means the query is well-formed for this source.
func (s SourceSchema) Validate(q StateQuery) []string {
	var problems []string

	if m := q.MetricOrAll(); m != MetricAll {
		if _, ok := s.Metric(m); !ok {
			problems = append(problems, fmt.Sprintf(
				"unknown metric %q for source %q (valid: %v)", m, s.SourceID, s.MetricNames()))
		}
	}

	if q.Aggregation != "" && !slices.Contains(s.Aggregations, q.Aggregation) {
		problems = append(problems, fmt.Sprintf(
			"aggregation %q not supported by source %q (supported: %v)", q.Aggregation, s.SourceID, s.Aggregations))
	}

	if q.GroupBy != "" && !slices.Contains(s.GroupBy, q.GroupBy) {
		problems = append(problems, fmt.Sprintf(
			"group_by %q not supported by source %q (supported: %v)", q.GroupBy, s.SourceID, s.GroupBy))
	}

	for key := range q.Filters {
		if !slices.Contains(s.FilterKeys, key) {
			problems = append(problems, fmt.Sprintf(
				"unknown filter key %q for source %q (accepted: %v)", key, s.SourceID, s.FilterKeys))
		}
	}

	if q.Time != nil && q.Time.Range == nil && q.Time.Preset != "" && !q.Time.Preset.Valid() {
		problems = append(problems, fmt.Sprintf(
			"unknown time preset %q (valid: %v)", q.Time.Preset, TimePresets()))
	}

	return problems
}
