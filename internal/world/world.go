// Package world projects the text-adventure world state through the state
// query contract. The world engine owns the state and announces changes;
// refresh is EVENT_DRIVEN, and the computed rollups persist to a JSON
// snapshot so a restart answers from the last known state instead of an
// empty cache.
package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/KohlJary/statebus/internal/query"
	"github.com/KohlJary/statebus/internal/source"
)

// SourceID is the registered identifier for world-state data.
const SourceID = "world"

// State is the engine-side view the source projects.
type State struct {
	Location        string
	RoomsVisited    int
	EntitiesPresent int
	ActiveQuests    int
	InventoryItems  int
}

// StateProvider is the slice of the world engine the source needs.
type StateProvider interface {
	WorldState(ctx context.Context) (State, error)
}

// snapshot is the persisted rollup file format.
type snapshot struct {
	Rollups     source.Rollups `json:"rollups"`
	RefreshedAt time.Time      `json:"refreshed_at"`
}

// WorldSource answers state queries about the world from its rollup cache.
type WorldSource struct {
	*source.Base
	provider     StateProvider
	snapshotPath string
	logger       *slog.Logger
}

// NewSource wires a world engine into an EVENT_DRIVEN source. snapshotPath
// may be empty to disable persistence. An existing snapshot primes the
// cache so queries work before the first change event.
func NewSource(provider StateProvider, snapshotPath string, logger *slog.Logger) *WorldSource {
	s := &WorldSource{
		provider:     provider,
		snapshotPath: snapshotPath,
		logger:       logger,
	}
	s.Base = source.NewBase(source.Config{
		Strategy: source.RefreshEventDriven,
		Compute:  s.computeRollups,
		Logger:   logger,
	})

	if snap, err := s.loadSnapshot(); err != nil {
		logger.Warn("world: snapshot load failed, starting cold", "error", err)
	} else if snap != nil {
		s.Prime(snap.Rollups, snap.RefreshedAt)
		logger.Info("world: primed from snapshot", "refreshed_at", snap.RefreshedAt)
	}
	return s
}

func (s *WorldSource) SourceID() string { return SourceID }

func (s *WorldSource) Schema() query.SourceSchema {
	return query.SourceSchema{
		SourceID: SourceID,
		Metrics: []query.MetricDefinition{
			{
				Name:            "location",
				Description:     "Current location in the world",
				DataType:        query.TypeString,
				Tags:            []string{"world", "location", "where"},
				SemanticSummary: "Where the companion currently is in the world. Use this for questions about current location.",
			},
			{
				Name:        "rooms_visited",
				Description: "Distinct rooms visited so far",
				DataType:    query.TypeInt,
				Unit:        "rooms",
				Tags:        []string{"world", "exploration", "rooms"},
			},
			{
				Name:        "entities_present",
				Description: "Entities in the current room",
				DataType:    query.TypeInt,
				Unit:        "entities",
				Tags:        []string{"world", "entities", "nearby"},
			},
			{
				Name:        "active_quests",
				Description: "Quests currently in progress",
				DataType:    query.TypeInt,
				Unit:        "quests",
				Tags:        []string{"world", "quests", "goals"},
			},
			{
				Name:        "inventory_items",
				Description: "Items currently carried",
				DataType:    query.TypeInt,
				Unit:        "items",
				Tags:        []string{"world", "inventory", "items"},
			},
		},
		Aggregations: []query.AggFunc{query.AggLatest, query.AggCount},
	}
}

// ExecuteQuery answers from the rollup cache; the world engine is never
// called on the query path.
func (s *WorldSource) ExecuteQuery(ctx context.Context, q query.StateQuery) (query.QueryResult, error) {
	current := s.PrecomputedRollups()["current"]
	if current == nil {
		return query.QueryResult{}, fmt.Errorf("world: no state observed yet")
	}

	var value any
	if q.MetricOrAll() == query.MetricAll {
		all := make(map[string]any, len(current))
		for k, v := range current {
			all[k] = v
		}
		value = all
	} else {
		v, ok := current[q.Metric]
		if !ok {
			return query.QueryResult{}, fmt.Errorf("world: no handler for metric %q", q.Metric)
		}
		value = v
	}

	result := query.NewResult(q, value, map[string]any{
		"observed_at": s.LastRefresh().Format(time.RFC3339),
	})
	if age, ok := s.CacheAge(); ok {
		result = result.WithStaleness(age, s.Stale())
	}
	return result, nil
}

// computeRollups reads the current world state and persists the snapshot.
// A failed snapshot write logs and does not fail the refresh: the cache is
// the source of truth, the file is only a restart warm-up.
func (s *WorldSource) computeRollups(ctx context.Context) (source.Rollups, error) {
	state, err := s.provider.WorldState(ctx)
	if err != nil {
		return nil, err
	}
	rollups := source.Rollups{
		"current": map[string]any{
			"location":         state.Location,
			"rooms_visited":    state.RoomsVisited,
			"entities_present": state.EntitiesPresent,
			"active_quests":    state.ActiveQuests,
			"inventory_items":  state.InventoryItems,
		},
	}
	if err := s.saveSnapshot(rollups); err != nil {
		s.logger.Warn("world: snapshot write failed", "error", err)
	}
	return rollups, nil
}

func (s *WorldSource) loadSnapshot() (*snapshot, error) {
	if s.snapshotPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("world: read snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("world: parse snapshot: %w", err)
	}
	return &snap, nil
}

// saveSnapshot writes atomically via rename so a crash mid-write never
// leaves a truncated snapshot.
func (s *WorldSource) saveSnapshot(rollups source.Rollups) error {
	if s.snapshotPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(snapshot{
		Rollups:     rollups,
		RefreshedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("world: encode snapshot: %w", err)
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("world: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return fmt.Errorf("world: replace snapshot: %w", err)
	}
	return nil
}
