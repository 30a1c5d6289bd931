package construct

import (
	"strings"

	"github.com/KohlJary/statebus/internal/query"
)

// timePhrases maps intent substrings to time presets. Ordered: more specific
// phrases first so "last 7 days" doesn't match as "today" etc.
var timePhrases = []struct {
	phrase string
	preset query.TimePreset
}{
	{"yesterday", query.PresetYesterday},
	{"last 24", query.PresetLast24h},
	{"past 24", query.PresetLast24h},
	{"last 7", query.PresetLast7d},
	{"past week", query.PresetLast7d},
	{"last 30", query.PresetLast30d},
	{"past month", query.PresetLast30d},
	{"this week", query.PresetThisWeek},
	{"this month", query.PresetThisMonth},
	{"all time", query.PresetAllTime},
	{"ever", query.PresetAllTime},
	{"today", query.PresetToday},
}

// sourceKeywords maps domain vocabulary to source IDs, used only when no
// capability match already names a source.
var sourceKeywords = []struct {
	words  []string
	source string
}{
	{[]string{"cost", "token", "spent", "spend", "usage"}, "tokens"},
	{[]string{"star", "fork", "clone", "repo", "github", "issue"}, "github"},
	{[]string{"task", "work item", "ticket", "backlog", "todo"}, "workitems"},
	{[]string{"schedule", "calendar", "appointment", "meeting"}, "schedule"},
	{[]string{"goal", "autonomy", "autonomous", "tick"}, "autonomy"},
	{[]string{"action", "tool call", "invocation"}, "actions"},
	{[]string{"world", "wonderland", "inventory", "location"}, "world"},
}

var aggKeywords = []struct {
	words []string
	fn    query.AggFunc
}{
	// "most recent" must match before the bare "most" of AggMax.
	{[]string{"latest", "current", "right now", "most recent"}, query.AggLatest},
	{[]string{"total", "sum", "altogether"}, query.AggSum},
	{[]string{"average", "avg", "mean"}, query.AggAvg},
	{[]string{"how many", "count", "number of"}, query.AggCount},
	{[]string{"most", "max", "highest", "peak"}, query.AggMax},
	{[]string{"least", "min", "lowest"}, query.AggMin},
}

// heuristic is the deterministic fallback tier. It prefers the top capability
// match for source/metric; failing that, domain keywords. With neither it
// reports failure at confidence zero — better "couldn't determine source"
// than silently querying the wrong thing.
func (c *Constructor) heuristic(intent string, matches []query.CapabilityMatch) Result {
	lower := strings.ToLower(intent)

	var q query.StateQuery
	var signals []string

	switch {
	case len(matches) > 0:
		q.Source = matches[0].SourceID
		q.Metric = matches[0].MetricName
		signals = append(signals, "capability match "+matches[0].SourceID+":"+matches[0].MetricName)
	default:
		for _, sk := range sourceKeywords {
			if containsAny(lower, sk.words) {
				q.Source = sk.source
				q.Metric = query.MetricAll
				signals = append(signals, "keyword source "+sk.source)
				break
			}
		}
	}

	if q.Source == "" {
		return Result{
			Confidence:   0.0,
			FallbackUsed: true,
			Reason:       "could not determine a source from the request",
		}
	}

	for _, tp := range timePhrases {
		if containsPhrase(lower, tp.phrase) {
			q.Time = &query.TimeSpec{Preset: tp.preset}
			signals = append(signals, "time phrase "+tp.phrase)
			break
		}
	}

	for _, ak := range aggKeywords {
		if containsAny(lower, ak.words) {
			q.Aggregation = ak.fn
			signals = append(signals, "aggregation keyword "+string(ak.fn))
			break
		}
	}

	return Result{
		Query:        &q,
		Confidence:   ConfidenceHeuristic,
		FallbackUsed: true,
		Reason:       strings.Join(signals, ", "),
	}
}

// containsPhrase matches phrase on word boundaries, so "ever" doesn't fire
// inside "every" or "whenever". A digit edge ("last 24") tolerates a trailing
// unit like "24h".
func containsPhrase(s, phrase string) bool {
	for start := 0; ; {
		i := strings.Index(s[start:], phrase)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(phrase)
		okBefore := i == 0 || !isLetter(s[i-1]) || !isLetter(phrase[0])
		okAfter := end == len(s) || !isLetter(s[end]) || !isLetter(phrase[len(phrase)-1])
		if okBefore && okAfter {
			return true
		}
		start = i + 1
	}
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
