package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/KohlJary/statebus/internal/query"
	"github.com/KohlJary/statebus/internal/source"
)

// AutonomySourceID is the registered identifier for autonomy-loop state.
const AutonomySourceID = "autonomy"

// maxTickHistory bounds the in-memory tick log.
const maxTickHistory = 10000

// Goal is one autonomy goal.
type Goal struct {
	Name        string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Tracker records autonomy-loop activity: tick timestamps and goal
// lifecycle. The autonomy loop owns the writes; the source only reads.
type Tracker struct {
	mu    sync.RWMutex
	ticks []time.Time
	goals map[string]Goal
	now   func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		goals: make(map[string]Goal),
		now:   time.Now,
	}
}

// RecordTick logs one autonomy-loop iteration.
func (t *Tracker) RecordTick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ticks = append(t.ticks, t.now().UTC())
	if len(t.ticks) > maxTickHistory {
		t.ticks = t.ticks[len(t.ticks)-maxTickHistory:]
	}
}

// AddGoal registers a goal; re-adding an existing name resets it to active.
func (t *Tracker) AddGoal(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.goals[name] = Goal{Name: name, CreatedAt: t.now().UTC()}
}

// CompleteGoal marks a goal done. Unknown names are ignored.
func (t *Tracker) CompleteGoal(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.goals[name]
	if !ok || g.CompletedAt != nil {
		return
	}
	done := t.now().UTC()
	g.CompletedAt = &done
	t.goals[name] = g
}

// Snapshot returns copies of the tick log and goal set.
func (t *Tracker) Snapshot() ([]time.Time, []Goal) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ticks := make([]time.Time, len(t.ticks))
	copy(ticks, t.ticks)
	goals := make([]Goal, 0, len(t.goals))
	for _, g := range t.goals {
		goals = append(goals, g)
	}
	sort.Slice(goals, func(i, j int) bool { return goals[i].CreatedAt.Before(goals[j].CreatedAt) })
	return ticks, goals
}

// AutonomySource answers state queries about the autonomy loop from the
// in-memory tracker. Reads are cheap, so refresh is LAZY with a short TTL.
type AutonomySource struct {
	*source.Base
	tracker *Tracker
	logger  *slog.Logger
	now     func() time.Time
}

// NewAutonomySource wires a tracker into a LAZY source.
func NewAutonomySource(tracker *Tracker, cacheTTL time.Duration, logger *slog.Logger) *AutonomySource {
	s := &AutonomySource{
		tracker: tracker,
		logger:  logger,
		now:     time.Now,
	}
	s.Base = source.NewBase(source.Config{
		Strategy: source.RefreshLazy,
		CacheTTL: cacheTTL,
		Compute:  s.computeRollups,
		Logger:   logger,
	})
	return s
}

func (s *AutonomySource) SourceID() string { return AutonomySourceID }

func (s *AutonomySource) Schema() query.SourceSchema {
	return query.SourceSchema{
		SourceID: AutonomySourceID,
		Metrics: []query.MetricDefinition{
			{
				Name:               "ticks",
				Description:        "Autonomy loop iterations in the time window",
				DataType:           query.TypeInt,
				SupportsTimeSeries: true,
				Unit:               "ticks",
				Tags:               []string{"autonomy", "ticks", "activity", "loop"},
				SemanticSummary:    "How often the autonomy loop has run. Use this for questions about autonomous activity levels.",
			},
			{
				Name:        "active_goals",
				Description: "Autonomy goals currently in progress",
				DataType:    query.TypeInt,
				Unit:        "goals",
				Tags:        []string{"autonomy", "goals", "active"},
			},
			{
				Name:               "goals_completed",
				Description:        "Autonomy goals completed in the time window",
				DataType:           query.TypeInt,
				SupportsTimeSeries: true,
				Unit:               "goals",
				Tags:               []string{"autonomy", "goals", "completed"},
			},
		},
		Aggregations: []query.AggFunc{query.AggCount, query.AggSum},
	}
}

func (s *AutonomySource) ExecuteQuery(ctx context.Context, q query.StateQuery) (query.QueryResult, error) {
	ticks, goals := s.tracker.Snapshot()
	window := q.Window(s.now().UTC())

	compute := func(metric string) (int, error) {
		switch metric {
		case "ticks":
			n := 0
			for _, tick := range ticks {
				if window.Contains(tick) {
					n++
				}
			}
			return n, nil
		case "active_goals":
			n := 0
			for _, g := range goals {
				if g.CompletedAt == nil {
					n++
				}
			}
			return n, nil
		case "goals_completed":
			n := 0
			for _, g := range goals {
				if g.CompletedAt != nil && window.Contains(*g.CompletedAt) {
					n++
				}
			}
			return n, nil
		default:
			return 0, fmt.Errorf("schedule: no handler for autonomy metric %q", metric)
		}
	}

	var value any
	if q.MetricOrAll() == query.MetricAll {
		all := make(map[string]any, 3)
		for _, name := range []string{"ticks", "active_goals", "goals_completed"} {
			n, err := compute(name)
			if err != nil {
				return query.QueryResult{}, err
			}
			all[name] = n
		}
		value = all
	} else {
		n, err := compute(q.Metric)
		if err != nil {
			return query.QueryResult{}, err
		}
		value = n
	}

	result := query.NewResult(q, value, map[string]any{
		"tick_count": len(ticks),
		"goal_count": len(goals),
	})
	if age, ok := s.CacheAge(); ok {
		result = result.WithStaleness(age, s.Stale())
	}
	return result, nil
}

func (s *AutonomySource) computeRollups(ctx context.Context) (source.Rollups, error) {
	ticks, goals := s.tracker.Snapshot()
	active := 0
	for _, g := range goals {
		if g.CompletedAt == nil {
			active++
		}
	}
	totals := map[string]any{
		"tick_count":   len(ticks),
		"active_goals": active,
	}
	if len(ticks) > 0 {
		totals["last_tick"] = ticks[len(ticks)-1].Format(time.RFC3339)
	}
	return source.Rollups{"totals": totals}, nil
}
