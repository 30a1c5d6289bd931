// Package query defines the shared vocabulary of the state query layer:
// the structured StateQuery request, the SourceSchema contract a source
// publishes, and the QueryResult envelope it answers with.
package query

import (
	"fmt"
	"time"
)

// MetricAll is the sentinel metric name meaning "everything this source knows".
const MetricAll = "all"

// AggFunc is an aggregation function applied to a metric's backing records.
type AggFunc string

const (
	AggSum    AggFunc = "sum"
	AggAvg    AggFunc = "avg"
	AggCount  AggFunc = "count"
	AggMax    AggFunc = "max"
	AggMin    AggFunc = "min"
	AggLatest AggFunc = "latest"
)

// AggFuncs lists every supported aggregation function.
func AggFuncs() []AggFunc {
	return []AggFunc{AggSum, AggAvg, AggCount, AggMax, AggMin, AggLatest}
}

// Valid reports whether f is a known aggregation function.
func (f AggFunc) Valid() bool {
	switch f {
	case AggSum, AggAvg, AggCount, AggMax, AggMin, AggLatest:
		return true
	}
	return false
}

// TimePreset is an enumerated time window understood by every source.
type TimePreset string

const (
	PresetToday     TimePreset = "today"
	PresetYesterday TimePreset = "yesterday"
	PresetLast24h   TimePreset = "last_24h"
	PresetLast7d    TimePreset = "last_7d"
	PresetLast30d   TimePreset = "last_30d"
	PresetThisWeek  TimePreset = "this_week"
	PresetThisMonth TimePreset = "this_month"
	PresetAllTime   TimePreset = "all_time"
)

// TimePresets lists every supported preset.
func TimePresets() []TimePreset {
	return []TimePreset{
		PresetToday, PresetYesterday, PresetLast24h, PresetLast7d,
		PresetLast30d, PresetThisWeek, PresetThisMonth, PresetAllTime,
	}
}

// Valid reports whether p is a known preset.
func (p TimePreset) Valid() bool {
	switch p {
	case PresetToday, PresetYesterday, PresetLast24h, PresetLast7d,
		PresetLast30d, PresetThisWeek, PresetThisMonth, PresetAllTime:
		return true
	}
	return false
}

// TimeRange is a concrete half-open window [From, To).
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the window.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// TimeSpec is either an enumerated preset or an explicit window.
// When both are set the explicit range wins.
type TimeSpec struct {
	Preset TimePreset `json:"preset,omitempty"`
	Range  *TimeRange `json:"range,omitempty"`
}

// Resolve converts the spec to a concrete window relative to now.
// Unknown presets resolve to all-time; validation rejects them earlier.
func (ts TimeSpec) Resolve(now time.Time) TimeRange {
	if ts.Range != nil {
		return *ts.Range
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch ts.Preset {
	case PresetToday:
		return TimeRange{From: midnight, To: now.Add(time.Nanosecond)}
	case PresetYesterday:
		return TimeRange{From: midnight.AddDate(0, 0, -1), To: midnight}
	case PresetLast24h:
		return TimeRange{From: now.Add(-24 * time.Hour), To: now.Add(time.Nanosecond)}
	case PresetLast7d:
		return TimeRange{From: now.AddDate(0, 0, -7), To: now.Add(time.Nanosecond)}
	case PresetLast30d:
		return TimeRange{From: now.AddDate(0, 0, -30), To: now.Add(time.Nanosecond)}
	case PresetThisWeek:
		// Weeks start on Monday.
		offset := (int(now.Weekday()) + 6) % 7
		return TimeRange{From: midnight.AddDate(0, 0, -offset), To: now.Add(time.Nanosecond)}
	case PresetThisMonth:
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return TimeRange{From: first, To: now.Add(time.Nanosecond)}
	default:
		return TimeRange{From: time.Time{}, To: now.Add(time.Nanosecond)}
	}
}

// StateQuery is an immutable structured request against one source.
type StateQuery struct {
	Source      string            `json:"source"`
	Metric      string            `json:"metric,omitempty"`
	Time        *TimeSpec         `json:"time,omitempty"`
	Aggregation AggFunc           `json:"aggregation,omitempty"`
	GroupBy     string            `json:"group_by,omitempty"`
	Filters     map[string]string `json:"filters,omitempty"`
}

// MetricOrAll returns the requested metric, defaulting to the all sentinel.
func (q StateQuery) MetricOrAll() string {
	if q.Metric == "" {
		return MetricAll
	}
	return q.Metric
}

// Window resolves the query's time spec, defaulting to all-time.
func (q StateQuery) Window(now time.Time) TimeRange {
	if q.Time == nil {
		return TimeSpec{Preset: PresetAllTime}.Resolve(now)
	}
	return q.Time.Resolve(now)
}

func (q StateQuery) String() string {
	s := q.Source + "/" + q.MetricOrAll()
	if q.Time != nil && q.Time.Preset != "" {
		s += "@" + string(q.Time.Preset)
	}
	if q.Aggregation != "" {
		s += fmt.Sprintf(" agg=%s", q.Aggregation)
	}
	if q.GroupBy != "" {
		s += fmt.Sprintf(" by=%s", q.GroupBy)
	}
	return s
}
