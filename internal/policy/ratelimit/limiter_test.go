package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func source(id string, perMinute int) crawler.DataSource {
	return crawler.DataSource{ID: id, Name: id, Enabled: true, Priority: 1, RateLimit: perMinute, TimeoutSeconds: 5}
}

// TestTryAcquireBucketCapacity grants a full bucket then refuses until refill.
func TestTryAcquireBucketCapacity(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := New(Config{}, clock)
	fred := source("fred", 2)

	require.True(t, l.TryAcquire(fred))
	require.True(t, l.TryAcquire(fred))
	require.False(t, l.TryAcquire(fred))

	// Half a window refills one token, but two grants are still inside the window.
	clock.Advance(30 * time.Second)
	require.False(t, l.TryAcquire(fred))

	clock.Advance(30 * time.Second)
	require.True(t, l.TryAcquire(fred))
	require.True(t, l.TryAcquire(fred))
	require.False(t, l.TryAcquire(fred))
}

// TestSlidingWindowNeverExceedsLimit polls every second for five minutes.
func TestSlidingWindowNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := New(Config{}, clock)
	src := source("bls", 7)

	var grants []time.Time
	for i := 0; i < 300; i++ {
		for j := 0; j < 3; j++ {
			if l.TryAcquire(src) {
				grants = append(grants, clock.Now())
			}
		}
		clock.Advance(time.Second)
	}
	require.NotEmpty(t, grants)

	for i, start := range grants {
		count := 0
		for _, ts := range grants[i:] {
			if ts.Sub(start) < Window {
				count++
			}
		}
		require.LessOrEqual(t, count, 7, "window starting at %s", start)
	}
	// A sustained poller should get close to the configured throughput.
	require.GreaterOrEqual(t, len(grants), 30)
}

// TestSourcesAreIndependent ensures one exhausted source does not block another.
func TestSourcesAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{}, newFakeClock())
	a := source("a", 1)
	b := source("b", 1)

	require.True(t, l.TryAcquire(a))
	require.False(t, l.TryAcquire(a))
	require.True(t, l.TryAcquire(b))
}

// TestDisabledSourceAlwaysRefused pauses a source without touching its bucket.
func TestDisabledSourceAlwaysRefused(t *testing.T) {
	t.Parallel()

	l := New(Config{}, newFakeClock())
	src := source("census", 100)
	src.Enabled = false
	for i := 0; i < 5; i++ {
		require.False(t, l.TryAcquire(src))
	}
	src.Enabled = true
	require.True(t, l.TryAcquire(src))
}

// TestGlobalCeiling caps dispatch across sources.
func TestGlobalCeiling(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := New(Config{GlobalPerMinute: 3}, clock)
	a := source("a", 10)
	b := source("b", 10)

	require.True(t, l.TryAcquire(a))
	require.True(t, l.TryAcquire(b))
	require.True(t, l.TryAcquire(a))
	require.False(t, l.TryAcquire(b))
	require.False(t, l.TryAcquire(a))

	l.SetGlobal(0)
	require.True(t, l.TryAcquire(b))

	l.SetGlobal(1)
	require.True(t, l.TryAcquire(b))
	require.False(t, l.TryAcquire(a))
	clock.Advance(Window)
	require.True(t, l.TryAcquire(b))
}

// TestRateChangeAppliesOnNextAcquire lowers a limit between acquires.
func TestRateChangeAppliesOnNextAcquire(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := New(Config{}, clock)
	src := source("worldbank", 10)
	require.True(t, l.TryAcquire(src))

	src.RateLimit = 1
	require.False(t, l.TryAcquire(src))

	clock.Advance(Window)
	require.True(t, l.TryAcquire(src))
	require.False(t, l.TryAcquire(src))
}

// TestWait returns once a token is available and honours cancellation.
func TestWait(t *testing.T) {
	t.Parallel()

	l := New(Config{PollInterval: time.Millisecond}, newFakeClock())
	src := source("fred", 1)
	require.NoError(t, l.Wait(context.Background(), src))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, src)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	src.Enabled = false
	require.ErrorIs(t, l.Wait(context.Background(), src), crawler.ErrSourceDisabled)
}
