package toolapi

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/KohlJary/statebus/internal/query"
)

// FormatResult renders a QueryResult as prose for LLM consumption.
func FormatResult(r query.QueryResult) string {
	var b strings.Builder

	label := r.Source
	if m := r.Query.MetricOrAll(); m != query.MetricAll {
		label += "." + m
	}
	if r.Query.Aggregation != "" {
		label += fmt.Sprintf(" (%s)", r.Query.Aggregation)
	}
	if r.Query.Time != nil && r.Query.Time.Preset != "" {
		label += fmt.Sprintf(" over %s", strings.ReplaceAll(string(r.Query.Time.Preset), "_", " "))
	}

	fmt.Fprintf(&b, "%s: %s", label, formatValue(r.Query.MetricOrAll(), r.Data.Value))

	if r.CacheAgeSeconds >= 1 {
		fmt.Fprintf(&b, " (cached, %.0fs old", r.CacheAgeSeconds)
		if r.IsStale {
			b.WriteString(", stale")
		}
		b.WriteString(")")
	}
	return b.String()
}

// formatValue renders a result payload. Dollar metrics get currency
// formatting; grouped results become sorted "key: value" breakdowns.
func formatValue(metric string, v any) string {
	switch val := v.(type) {
	case nil:
		return "no data"
	case float64:
		if isDollarMetric(metric) {
			return fmt.Sprintf("$%.2f", val)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case string:
		return val
	case map[string]any:
		if len(val) == 0 {
			return "no data"
		}
		parts := make([]string, 0, len(val))
		for _, key := range sortedSources(val) {
			// Keys are metric names for "all" payloads and group labels for
			// grouped payloads; folding the outer metric in keeps currency
			// formatting working for both shapes.
			parts = append(parts, fmt.Sprintf("%s: %s", key, formatValue(metric+" "+key, val[key])))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("%v", val)
	}
}

func isDollarMetric(metric string) bool {
	return strings.Contains(metric, "usd") || strings.Contains(metric, "cost") || strings.Contains(metric, "spend")
}

// FormatMatches renders capability-search hits as a bulleted list.
func FormatMatches(matches []query.CapabilityMatch) string {
	if len(matches) == 0 {
		return "No matching capabilities found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d matching capabilities:\n", len(matches))
	for _, m := range matches {
		fmt.Fprintf(&b, "- %s.%s (similarity %.2f): %s\n", m.SourceID, m.MetricName, m.SimilarityScore, describeMatch(m))
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatCapabilityList renders the full catalog grouped by source.
func FormatCapabilityList(bySource map[string][]query.CapabilityMatch) string {
	if len(bySource) == 0 {
		return "No capabilities registered."
	}
	var b strings.Builder
	for _, sourceID := range sortedSources(bySource) {
		caps := bySource[sourceID]
		sort.Slice(caps, func(i, j int) bool { return caps[i].MetricName < caps[j].MetricName })
		fmt.Fprintf(&b, "%s (%d metrics):\n", sourceID, len(caps))
		for _, m := range caps {
			fmt.Fprintf(&b, "  - %s: %s\n", m.MetricName, describeMatch(m))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeMatch(m query.CapabilityMatch) string {
	if m.SemanticSummary != "" {
		return m.SemanticSummary
	}
	if m.Description != "" {
		return m.Description
	}
	return string(m.DataType)
}
