// Package source defines the contract every queryable source adapter
// implements and provides the shared rollup-cache lifecycle (refresh
// strategies, staleness checks, scheduled refresh loop).
package source

import (
	"context"

	"github.com/KohlJary/statebus/internal/query"
)

// RefreshStrategy governs when a source's rollup cache is recomputed.
type RefreshStrategy string

const (
	// RefreshLazy refreshes synchronously at query time once the cache TTL
	// is exceeded. Right for sources queried often but changed rarely.
	RefreshLazy RefreshStrategy = "lazy"

	// RefreshScheduled refreshes on a fixed background interval regardless
	// of query timing. Right for rate-limited external APIs where call
	// frequency must stay bounded and staleness predictable.
	RefreshScheduled RefreshStrategy = "scheduled"

	// RefreshEventDriven refreshes only when the owning subsystem calls
	// OnDataChanged. Staleness between events is unbounded by design.
	RefreshEventDriven RefreshStrategy = "event_driven"
)

// Rollups maps a rollup-period name ("daily", "weekly", "summary", ...) to
// its precomputed aggregate.
type Rollups map[string]map[string]any

// Source is the uniform query contract every subsystem adapter satisfies.
// Implementations embed *Base for everything except SourceID, Schema, and
// ExecuteQuery.
type Source interface {
	// SourceID is the globally unique identifier for this adapter.
	SourceID() string

	// Schema returns the published contract. It must stay consistent with
	// what ExecuteQuery accepts; the dispatch validates queries against it
	// at call time.
	Schema() query.SourceSchema

	// ExecuteQuery answers an already-validated query. It must not fail for
	// a well-formed query against the declared schema; internal failures are
	// returned as errors and mapped to the execution-error taxonomy by the
	// dispatch.
	ExecuteQuery(ctx context.Context, q query.StateQuery) (query.QueryResult, error)

	// Strategy reports the refresh strategy in effect.
	Strategy() RefreshStrategy

	// PrecomputedRollups returns the current cache synchronously, no I/O.
	PrecomputedRollups() Rollups

	// RefreshRollups recomputes the cache; may perform I/O. On failure the
	// prior cache is left intact.
	RefreshRollups(ctx context.Context) error

	// EnsureFresh refreshes a LAZY source whose cache TTL has lapsed.
	// No-op for SCHEDULED and EVENT_DRIVEN sources.
	EnsureFresh(ctx context.Context) error

	// StartScheduledRefresh begins the background refresh loop for
	// SCHEDULED sources. No-op otherwise.
	StartScheduledRefresh(ctx context.Context)

	// StopScheduledRefresh stops the background loop, waiting up to the
	// context deadline for the in-flight iteration.
	StopScheduledRefresh(ctx context.Context)

	// OnDataChanged triggers an asynchronous refresh for EVENT_DRIVEN
	// sources. No-op otherwise.
	OnDataChanged()
}
