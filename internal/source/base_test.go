package source

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually-advanced clock for freshness tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestEnsureFresh_RefreshesAtMostOncePerWindow verifies the LAZY freshness
// invariant: queries inside the TTL share one refresh; the first query after
// the TTL lapses triggers exactly one more.
func TestEnsureFresh_RefreshesAtMostOncePerWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 14, 12, 0, 0, 0, time.UTC)}
	var calls atomic.Int64

	b := NewBase(Config{
		Strategy: RefreshLazy,
		CacheTTL: time.Minute,
		Now:      clock.Now,
		Compute: func(context.Context) (Rollups, error) {
			calls.Add(1)
			return Rollups{"summary": {"n": calls.Load()}}, nil
		},
	})

	ctx := context.Background()
	for range 5 {
		require.NoError(t, b.EnsureFresh(ctx))
	}
	assert.EqualValues(t, 1, calls.Load(), "queries inside the TTL must not refresh again")

	clock.Advance(59 * time.Second)
	require.NoError(t, b.EnsureFresh(ctx))
	assert.EqualValues(t, 1, calls.Load())

	clock.Advance(2 * time.Second) // past the TTL
	require.NoError(t, b.EnsureFresh(ctx))
	require.NoError(t, b.EnsureFresh(ctx))
	assert.EqualValues(t, 2, calls.Load(), "exactly one refresh after the TTL lapses")
}

// TestRefreshRollups_FailureKeepsPriorCache verifies refresh failure
// isolation: a failed recompute leaves the previous cache readable.
func TestRefreshRollups_FailureKeepsPriorCache(t *testing.T) {
	fail := false
	b := NewBase(Config{
		Strategy: RefreshLazy,
		Compute: func(context.Context) (Rollups, error) {
			if fail {
				return nil, errors.New("backend down")
			}
			return Rollups{"daily": {"count": 42}}, nil
		},
	})

	ctx := context.Background()
	require.NoError(t, b.RefreshRollups(ctx))
	before := b.PrecomputedRollups()
	stamp := b.LastRefresh()

	fail = true
	require.Error(t, b.RefreshRollups(ctx))
	assert.Equal(t, before, b.PrecomputedRollups(), "cache must never be cleared on failure")
	assert.Equal(t, stamp, b.LastRefresh(), "failed refresh must not update the stamp")
}

// TestEnsureFresh_ConcurrentQueriesShareOneRefresh verifies the single-flight
// guarantee under real parallelism.
func TestEnsureFresh_ConcurrentQueriesShareOneRefresh(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})

	b := NewBase(Config{
		Strategy: RefreshLazy,
		CacheTTL: time.Minute,
		Compute: func(context.Context) (Rollups, error) {
			calls.Add(1)
			<-release
			return Rollups{}, nil
		},
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.EnsureFresh(context.Background())
		}()
	}

	// Let the goroutines pile up behind the first flight, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load(), "concurrent stale queries must share one refresh")
}

func TestEnsureFresh_NoopForNonLazy(t *testing.T) {
	var calls atomic.Int64
	for _, strategy := range []RefreshStrategy{RefreshScheduled, RefreshEventDriven} {
		b := NewBase(Config{
			Strategy: strategy,
			Compute: func(context.Context) (Rollups, error) {
				calls.Add(1)
				return Rollups{}, nil
			},
		})
		require.NoError(t, b.EnsureFresh(context.Background()))
	}
	assert.EqualValues(t, 0, calls.Load())
}

// TestScheduledLoop_SurvivesFailedIteration verifies that one failed refresh
// logs and the loop keeps attempting on the next tick.
func TestScheduledLoop_SurvivesFailedIteration(t *testing.T) {
	var calls atomic.Int64
	b := NewBase(Config{
		Strategy:         RefreshScheduled,
		ScheduleInterval: 20 * time.Millisecond,
		Compute: func(context.Context) (Rollups, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("transient failure")
			}
			return Rollups{"summary": {"ok": true}}, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	b.StartScheduledRefresh(ctx)

	require.Eventually(t, func() bool { return calls.Load() >= 3 },
		2*time.Second, 5*time.Millisecond,
		"loop must keep ticking after a failed iteration")

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	b.StopScheduledRefresh(stopCtx)

	assert.NotNil(t, b.PrecomputedRollups())
}

func TestStartScheduledRefresh_SecondCallIgnored(t *testing.T) {
	b := NewBase(Config{
		Strategy:         RefreshScheduled,
		ScheduleInterval: time.Hour,
		Compute:          func(context.Context) (Rollups, error) { return Rollups{}, nil },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.StartScheduledRefresh(ctx)
	b.StartScheduledRefresh(ctx) // must not panic or spawn a second loop

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	cancel()
	b.StopScheduledRefresh(stopCtx)
}

// TestOnDataChanged_TriggersAsyncRefresh covers the EVENT_DRIVEN strategy:
// refresh happens only when the owner announces a change.
func TestOnDataChanged_TriggersAsyncRefresh(t *testing.T) {
	var calls atomic.Int64
	b := NewBase(Config{
		Strategy: RefreshEventDriven,
		Compute: func(context.Context) (Rollups, error) {
			calls.Add(1)
			return Rollups{"summary": {"gen": calls.Load()}}, nil
		},
	})

	require.NoError(t, b.EnsureFresh(context.Background()))
	assert.EqualValues(t, 0, calls.Load(), "no refresh without a change event")

	b.OnDataChanged()
	require.Eventually(t, func() bool { return calls.Load() == 1 },
		time.Second, 5*time.Millisecond)

	b.OnDataChanged()
	require.Eventually(t, func() bool { return calls.Load() == 2 },
		time.Second, 5*time.Millisecond)
}

func TestStale(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 14, 12, 0, 0, 0, time.UTC)}
	b := NewBase(Config{
		Strategy: RefreshLazy,
		CacheTTL: time.Minute,
		Now:      clock.Now,
		Compute:  func(context.Context) (Rollups, error) { return Rollups{}, nil },
	})

	assert.True(t, b.Stale(), "never-refreshed cache is stale")

	require.NoError(t, b.RefreshRollups(context.Background()))
	assert.False(t, b.Stale())

	clock.Advance(2 * time.Minute)
	assert.True(t, b.Stale())

	age, ok := b.CacheAge()
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, age)
}
