package statebus

import "time"

// Response is the uniform envelope every query entry point returns.
// Success=false responses still carry a human-readable Result; entry points
// never return an error.
type Response struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Query is a structured request against one source. Zero-valued fields fall
// back to source defaults (metric "all", window all-time).
type Query struct {
	Source      string            `json:"source"`
	Metric      string            `json:"metric,omitempty"`
	TimePreset  string            `json:"time_preset,omitempty"`
	Aggregation string            `json:"aggregation,omitempty"`
	GroupBy     string            `json:"group_by,omitempty"`
	Filters     map[string]string `json:"filters,omitempty"`
}

// WorldState is a point-in-time observation reported by the host's world
// engine through WithWorldProvider.
type WorldState struct {
	Location        string
	RoomsVisited    int
	EntitiesPresent int
	ActiveQuests    int
	InventoryItems  int
}

// TokenUsage is one LLM call the host wants recorded. A zero OccurredAt
// gets the current time.
type TokenUsage struct {
	OccurredAt   time.Time
	Model        string
	Provider     string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// ActionRecord is one companion action the host wants recorded. A zero At
// gets the current time.
type ActionRecord struct {
	Name     string
	Category string
	At       time.Time
	Success  bool
	Duration time.Duration
}
