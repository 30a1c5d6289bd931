// Package construct translates a free-text intent into a validated
// StateQuery. Two tiers: a local-LLM structured extraction (strict typed
// decode, low temperature), falling back to keyword heuristics whenever the
// model is disabled, unreachable, or returns anything that doesn't decode
// cleanly. Consumers can rely on the constructor degrading gracefully rather
// than failing outright.
package construct

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KohlJary/statebus/internal/llm"
	"github.com/KohlJary/statebus/internal/query"
	"github.com/KohlJary/statebus/internal/registry"
)

// Confidence levels. Heuristic results never exceed 0.5, so callers can
// always distinguish confident structured extraction from best-effort
// guessing.
const (
	ConfidenceLLM       = 0.9
	ConfidenceHeuristic = 0.5
)

// Generator is the LLM call the constructor depends on. *llm.Client
// satisfies it; nil disables the LLM tier entirely.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts llm.Options) (string, error)
}

// Result is the outcome of one construction attempt.
type Result struct {
	// Query is nil when construction failed.
	Query *query.StateQuery

	Confidence float64

	// FallbackUsed marks results produced by the heuristic tier.
	FallbackUsed bool

	// Reason explains a failure or names the heuristic signals used.
	Reason string
}

// OK reports whether a query was produced.
func (r Result) OK() bool {
	return r.Query != nil
}

// Constructor builds StateQueries from natural language.
type Constructor struct {
	generator Generator
	logger    *slog.Logger
}

// New creates a Constructor. generator may be nil to run heuristics-only.
func New(generator Generator, logger *slog.Logger) *Constructor {
	return &Constructor{generator: generator, logger: logger}
}

// Construct translates intent into a StateQuery. matches are the already
// retrieved capability hits grounding the LLM (so it cannot invent
// nonexistent sources); sources is the list of currently registered source
// IDs.
func (c *Constructor) Construct(ctx context.Context, intent string, matches []query.CapabilityMatch, sources []string) Result {
	if c.generator == nil {
		return c.heuristic(intent, matches)
	}

	q, err := c.fromLLM(ctx, intent, matches, sources)
	if err != nil {
		c.logger.Warn("construct: llm extraction failed, falling back to heuristics",
			"intent", intent, "error", err)
		res := c.heuristic(intent, matches)
		res.FallbackUsed = true
		return res
	}
	return Result{Query: q, Confidence: ConfidenceLLM}
}

// extraction is the exact JSON shape the model is asked for. Strict decode:
// unknown fields are a parse failure, which fails closed into the heuristic
// path.
type extraction struct {
	Source      string            `json:"source"`
	Metric      string            `json:"metric,omitempty"`
	TimePreset  string            `json:"time_preset,omitempty"`
	Aggregation string            `json:"aggregation,omitempty"`
	GroupBy     string            `json:"group_by,omitempty"`
	Filters     map[string]string `json:"filters,omitempty"`
}

func (c *Constructor) fromLLM(ctx context.Context, intent string, matches []query.CapabilityMatch, sources []string) (*query.StateQuery, error) {
	prompt := buildPrompt(intent, matches, sources)
	raw, err := c.generator.Generate(ctx, prompt, llm.Options{Temperature: 0.3, MaxTokens: 200})
	if err != nil {
		return nil, err
	}
	return parseExtraction(raw, sources)
}

// parseExtraction decodes the model output under a strict contract: after
// stripping a markdown fence, the remaining text must be exactly one JSON
// object of the expected shape. Anything else is a parse error.
func parseExtraction(raw string, sources []string) (*query.StateQuery, error) {
	text := stripFence(strings.TrimSpace(raw))

	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()

	var ext extraction
	if err := dec.Decode(&ext); err != nil {
		return nil, fmt.Errorf("construct: decode extraction: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("construct: trailing content after JSON object")
	}

	if ext.Source == "" {
		return nil, fmt.Errorf("construct: extraction missing source")
	}
	if len(sources) > 0 && !contains(sources, ext.Source) {
		return nil, fmt.Errorf("construct: extracted unknown source %q", ext.Source)
	}

	q := &query.StateQuery{
		Source:  ext.Source,
		Metric:  ext.Metric,
		GroupBy: ext.GroupBy,
		Filters: ext.Filters,
	}
	if ext.TimePreset != "" {
		preset := query.TimePreset(ext.TimePreset)
		if !preset.Valid() {
			return nil, fmt.Errorf("construct: extracted unknown time preset %q", ext.TimePreset)
		}
		q.Time = &query.TimeSpec{Preset: preset}
	}
	if ext.Aggregation != "" {
		agg := query.AggFunc(ext.Aggregation)
		if !agg.Valid() {
			return nil, fmt.Errorf("construct: extracted unknown aggregation %q", ext.Aggregation)
		}
		q.Aggregation = agg
	}
	return q, nil
}

func buildPrompt(intent string, matches []query.CapabilityMatch, sources []string) string {
	var b strings.Builder
	b.WriteString("Translate the user request into a structured state query.\n\n")
	fmt.Fprintf(&b, "User request: %s\n\n", intent)
	b.WriteString(registry.FormatForLLM(matches))
	fmt.Fprintf(&b, "\nRegistered sources: %s\n", strings.Join(sources, ", "))
	fmt.Fprintf(&b, "Valid time_preset values: %s\n", joinPresets())
	fmt.Fprintf(&b, "Valid aggregation values: %s\n\n", joinAggs())
	b.WriteString(`Respond with exactly one JSON object and nothing else, using only these keys:
{"source": "...", "metric": "...", "time_preset": "...", "aggregation": "...", "group_by": "...", "filters": {}}
"source" is required and must be one of the registered sources. Omit keys you cannot determine.`)
	return b.String()
}

func joinPresets() string {
	presets := query.TimePresets()
	out := make([]string, len(presets))
	for i, p := range presets {
		out[i] = string(p)
	}
	return strings.Join(out, ", ")
}

func joinAggs() string {
	aggs := query.AggFuncs()
	out := make([]string, len(aggs))
	for i, a := range aggs {
		out[i] = string(a)
	}
	return strings.Join(out, ", ")
}

// stripFence removes a surrounding markdown code fence if present.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
