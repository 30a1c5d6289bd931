// Package dispatch is the state bus: it owns the table of active sources,
// routes structured queries to the right adapter, and manages source
// lifecycle (registration, scheduled-refresh tasks, capability indexing).
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/KohlJary/statebus/internal/query"
	"github.com/KohlJary/statebus/internal/source"
)

// CapabilityIndexer is the slice of the registry the bus needs for source
// lifecycle. Nil disables capability indexing (direct queries still work —
// discovery is advisory).
type CapabilityIndexer interface {
	RegisterSource(ctx context.Context, src source.Source) (int, error)
	UnregisterSource(ctx context.Context, sourceID string) (int, error)
}

// Bus routes StateQueries to registered sources.
type Bus struct {
	indexer CapabilityIndexer
	logger  *slog.Logger

	// runCtx is the lifetime of the bus's background work. Scheduled refresh
	// loops bind to it, not to the context passed to Register — a caller's
	// registration context ending must not kill a source's refresh schedule.
	runCtx  context.Context
	stopRun context.CancelFunc

	mu      sync.RWMutex
	sources map[string]source.Source

	queryCounter    metric.Int64Counter
	refreshDuration metric.Float64Histogram
}

// New creates an empty bus. indexer may be nil.
func New(indexer CapabilityIndexer, logger *slog.Logger) *Bus {
	meter := otel.Meter("statebus/dispatch")
	queryCounter, _ := meter.Int64Counter("statebus.queries",
		metric.WithDescription("State queries routed, by source and outcome"))
	refreshDuration, _ := meter.Float64Histogram("statebus.refresh.duration",
		metric.WithDescription("Lazy rollup refresh duration in seconds"),
		metric.WithUnit("s"))

	runCtx, stopRun := context.WithCancel(context.Background())
	return &Bus{
		indexer:         indexer,
		logger:          logger,
		runCtx:          runCtx,
		stopRun:         stopRun,
		sources:         make(map[string]source.Source),
		queryCounter:    queryCounter,
		refreshDuration: refreshDuration,
	}
}

// Register adds a source to the routing table, starts its background refresh
// when its strategy is SCHEDULED, and indexes its capabilities. Indexing
// failures log and do not fail registration. Registering an already-present
// source ID is an error. ctx bounds only the registration work itself; the
// scheduled refresh loop runs until Unregister or Shutdown.
func (b *Bus) Register(ctx context.Context, src source.Source) error {
	id := src.SourceID()

	b.mu.Lock()
	if _, exists := b.sources[id]; exists {
		b.mu.Unlock()
		return fmt.Errorf("dispatch: source %q already registered", id)
	}
	b.sources[id] = src
	b.mu.Unlock()

	if src.Strategy() == source.RefreshScheduled {
		src.StartScheduledRefresh(b.runCtx)
	}

	if b.indexer != nil {
		if n, err := b.indexer.RegisterSource(ctx, src); err != nil {
			b.logger.Warn("dispatch: capability indexing failed, source still queryable",
				"source", id, "error", err)
		} else {
			b.logger.Info("dispatch: source registered", "source", id, "capabilities", n)
		}
	} else {
		b.logger.Info("dispatch: source registered", "source", id)
	}
	return nil
}

// Unregister removes a source from the routing table, stops its scheduled
// refresh, and removes its capability index entries.
func (b *Bus) Unregister(ctx context.Context, sourceID string) error {
	b.mu.Lock()
	src, ok := b.sources[sourceID]
	if !ok {
		b.mu.Unlock()
		return &query.SourceNotFoundError{Source: sourceID, Available: b.sourceIDsLocked()}
	}
	delete(b.sources, sourceID)
	b.mu.Unlock()

	src.StopScheduledRefresh(ctx)

	if b.indexer != nil {
		if n, err := b.indexer.UnregisterSource(ctx, sourceID); err != nil {
			b.logger.Warn("dispatch: capability unindexing failed", "source", sourceID, "error", err)
		} else {
			b.logger.Info("dispatch: source unregistered", "source", sourceID, "capabilities_removed", n)
		}
	}
	return nil
}

// Get returns a registered source.
func (b *Bus) Get(sourceID string) (source.Source, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	src, ok := b.sources[sourceID]
	return src, ok
}

// SourceIDs returns the registered source IDs, sorted.
func (b *Bus) SourceIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sourceIDsLocked()
}

func (b *Bus) sourceIDsLocked() []string {
	ids := make([]string, 0, len(b.sources))
	for id := range b.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Query routes q to its source: resolve, validate against the source's
// schema, ensure rollups are fresh per the refresh strategy, execute.
// Failures map onto the error taxonomy: *query.SourceNotFoundError,
// *query.ValidationError, *query.ExecutionError.
func (b *Bus) Query(ctx context.Context, q query.StateQuery) (query.QueryResult, error) {
	src, ok := b.Get(q.Source)
	if !ok {
		b.countQuery(ctx, q.Source, "not_found")
		return query.QueryResult{}, &query.SourceNotFoundError{
			Source:    q.Source,
			Available: b.SourceIDs(),
		}
	}

	if problems := src.Schema().Validate(q); len(problems) > 0 {
		b.countQuery(ctx, q.Source, "invalid")
		return query.QueryResult{}, &query.ValidationError{Source: q.Source, Problems: problems}
	}

	// A failed refresh is not fatal: the prior cache is intact, so the
	// source answers with stale data and the envelope says so.
	start := time.Now()
	if err := src.EnsureFresh(ctx); err != nil {
		b.logger.Warn("dispatch: rollup refresh failed, answering from stale cache",
			"source", q.Source, "error", err)
	} else if src.Strategy() == source.RefreshLazy {
		b.refreshDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("source", q.Source)))
	}

	result, err := src.ExecuteQuery(ctx, q)
	if err != nil {
		b.countQuery(ctx, q.Source, "error")
		return query.QueryResult{}, &query.ExecutionError{Source: q.Source, Query: q, Err: err}
	}

	b.countQuery(ctx, q.Source, "ok")
	return result, nil
}

// Shutdown stops every scheduled refresh loop.
func (b *Bus) Shutdown(ctx context.Context) {
	b.stopRun()

	b.mu.RLock()
	sources := make([]source.Source, 0, len(b.sources))
	for _, src := range b.sources {
		sources = append(sources, src)
	}
	b.mu.RUnlock()

	for _, src := range sources {
		src.StopScheduledRefresh(ctx)
	}
}

func (b *Bus) countQuery(ctx context.Context, sourceID, outcome string) {
	b.queryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", sourceID),
		attribute.String("outcome", outcome),
	))
}
