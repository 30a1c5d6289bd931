package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheTTL         = 60 * time.Second
	defaultScheduleInterval = 5 * time.Minute
	refreshTimeout          = 30 * time.Second
)

// Config configures the shared rollup-cache behavior of a source.
type Config struct {
	Strategy RefreshStrategy // defaults to RefreshLazy

	// CacheTTL bounds cache age for LAZY sources: a query against a cache
	// older than this triggers a synchronous refresh before answering.
	CacheTTL time.Duration

	// ScheduleInterval is the background refresh period for SCHEDULED sources.
	ScheduleInterval time.Duration

	// Compute recomputes the rollups from scratch; may perform I/O.
	// Recompute-from-scratch keeps refresh idempotent, so duplicate or
	// overlapping refreshes are wasted work, never a correctness hazard.
	Compute func(ctx context.Context) (Rollups, error)

	Logger *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Base provides the shared rollup-cache lifecycle. Adapters embed *Base and
// implement SourceID, Schema, and ExecuteQuery themselves.
type Base struct {
	cfg Config

	mu          sync.RWMutex
	cache       Rollups
	lastRefresh time.Time

	// refreshGroup collapses concurrent stale-triggered refreshes into one,
	// preserving "at most one refresh per staleness window" under real
	// parallelism.
	refreshGroup singleflight.Group

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// NewBase builds the shared lifecycle state. Zero-value durations get
// defaults; a nil logger gets slog.Default.
func NewBase(cfg Config) *Base {
	if cfg.Strategy == "" {
		cfg.Strategy = RefreshLazy
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = defaultScheduleInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Base{
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Strategy reports the refresh strategy in effect.
func (b *Base) Strategy() RefreshStrategy {
	return b.cfg.Strategy
}

// PrecomputedRollups returns the current cache. Synchronous, no I/O. The
// returned map is the live cache; callers must not mutate it.
func (b *Base) PrecomputedRollups() Rollups {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cache
}

// LastRefresh returns when the cache was last successfully recomputed, or a
// zero time if it never was.
func (b *Base) LastRefresh() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastRefresh
}

// CacheAge returns the cache's age. ok is false when no refresh has ever
// succeeded.
func (b *Base) CacheAge() (age time.Duration, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastRefresh.IsZero() {
		return 0, false
	}
	return b.cfg.Now().Sub(b.lastRefresh), true
}

// Stale reports whether the cache has outlived its freshness bound. For LAZY
// sources that is the TTL (only observable after a failed refresh, since
// EnsureFresh refreshes first); for SCHEDULED, two missed intervals. An
// EVENT_DRIVEN cache is never stale by definition: it reflects the last
// change the owner announced.
func (b *Base) Stale() bool {
	age, ok := b.CacheAge()
	if !ok {
		return true
	}
	switch b.cfg.Strategy {
	case RefreshLazy:
		return age > b.cfg.CacheTTL
	case RefreshScheduled:
		return age > 2*b.cfg.ScheduleInterval
	default:
		return false
	}
}

// Prime seeds the cache from persisted state, for sources that carry their
// rollups across restarts. No-op once a real refresh has happened.
func (b *Base) Prime(rollups Rollups, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.lastRefresh.IsZero() {
		return
	}
	b.cache = rollups
	b.lastRefresh = at
}

// RefreshRollups recomputes the cache via the configured Compute function.
// The prior cache is replaced only on success — never clear-then-fail.
func (b *Base) RefreshRollups(ctx context.Context) error {
	if b.cfg.Compute == nil {
		return nil
	}
	rollups, err := b.cfg.Compute(ctx)
	if err != nil {
		return fmt.Errorf("source: refresh rollups: %w", err)
	}

	b.mu.Lock()
	b.cache = rollups
	b.lastRefresh = b.cfg.Now()
	b.mu.Unlock()
	return nil
}

// EnsureFresh refreshes a LAZY source whose cache age exceeds the TTL (or
// that has never refreshed). Concurrent callers share a single refresh via
// singleflight; callers that arrive while the cache is fresh return
// immediately. No-op for non-LAZY strategies.
func (b *Base) EnsureFresh(ctx context.Context) error {
	if b.cfg.Strategy != RefreshLazy {
		return nil
	}
	if age, ok := b.CacheAge(); ok && age <= b.cfg.CacheTTL {
		return nil
	}

	_, err, _ := b.refreshGroup.Do("refresh", func() (any, error) {
		// Re-check under the flight: a waiter that queued behind the
		// refreshing caller finds the cache fresh and skips the recompute.
		if age, ok := b.CacheAge(); ok && age <= b.cfg.CacheTTL {
			return nil, nil
		}
		return nil, b.RefreshRollups(ctx)
	})
	return err
}

// StartScheduledRefresh launches the background refresh loop for SCHEDULED
// sources. Safe to call only once; subsequent calls log and return. An
// initial refresh runs immediately so the source answers from a warm cache.
func (b *Base) StartScheduledRefresh(ctx context.Context) {
	if b.cfg.Strategy != RefreshScheduled {
		return
	}
	if !b.started.CompareAndSwap(false, true) {
		b.cfg.Logger.Warn("source: StartScheduledRefresh called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.refreshLoop(loopCtx)
}

// StopScheduledRefresh cancels the loop and waits for it to exit, up to the
// context deadline.
func (b *Base) StopScheduledRefresh(ctx context.Context) {
	if !b.started.Load() {
		return
	}
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.cfg.Logger.Warn("source: scheduled refresh stop timed out")
	}
}

func (b *Base) refreshLoop(ctx context.Context) {
	defer b.once.Do(func() { close(b.done) })

	ticker := time.NewTicker(b.cfg.ScheduleInterval)
	defer ticker.Stop()

	b.refreshOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.refreshOnce(ctx)
		}
	}
}

// refreshOnce runs one bounded refresh attempt. Failures are logged, never
// raised — a single failed refresh must not kill the schedule.
func (b *Base) refreshOnce(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	if err := b.RefreshRollups(refreshCtx); err != nil {
		b.cfg.Logger.Error("source: scheduled refresh failed", "error", err)
	}
}

// OnDataChanged schedules an asynchronous refresh for EVENT_DRIVEN sources.
// Bursts of change events collapse into one in-flight refresh. No-op for
// other strategies.
func (b *Base) OnDataChanged() {
	if b.cfg.Strategy != RefreshEventDriven {
		return
	}
	go func() {
		_, _, _ = b.refreshGroup.Do("refresh", func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			defer cancel()
			if err := b.RefreshRollups(ctx); err != nil {
				b.cfg.Logger.Error("source: event-driven refresh failed", "error", err)
			}
			return nil, nil
		})
	}()
}
