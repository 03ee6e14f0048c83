// Package ratelimit gates dispatch with one token bucket per source and an
// optional scheduler-wide ceiling.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/econcrawl/internal/crawler"
	"github.com/JakeFAU/econcrawl/internal/metrics"
)

// Window is the period over which a per-minute limit is enforced.
const Window = time.Minute

// DefaultPollInterval is the minimum delay between acquire attempts in Wait.
const DefaultPollInterval = 200 * time.Millisecond

// Config holds rate limiter configuration.
type Config struct {
	// GlobalPerMinute caps dispatches across every source. Zero disables the ceiling.
	GlobalPerMinute int
	PollInterval    time.Duration
}

// gate pairs a continuously refilled token bucket with a log of recent grants.
// The bucket smooths the rate; the log keeps any 60s window at or under limit
// even right after a full bucket has been drained.
type gate struct {
	bucket *rate.Limiter
	limit  int
	recent []time.Time
}

func newGate(perMinute int, now time.Time) *gate {
	g := &gate{
		bucket: rate.NewLimiter(perMinuteLimit(perMinute), perMinute),
		limit:  perMinute,
	}
	// A fresh limiter fills itself from the zero time; pin the fill to now.
	g.bucket.SetBurstAt(now, perMinute)
	return g
}

func perMinuteLimit(perMinute int) rate.Limit {
	return rate.Limit(float64(perMinute) / Window.Seconds())
}

func (g *gate) resize(perMinute int, now time.Time) {
	if perMinute == g.limit {
		return
	}
	g.bucket.SetLimitAt(now, perMinuteLimit(perMinute))
	g.bucket.SetBurstAt(now, perMinute)
	g.limit = perMinute
}

func (g *gate) ready(now time.Time) bool {
	g.prune(now)
	return len(g.recent) < g.limit && g.bucket.TokensAt(now) >= 1
}

func (g *gate) take(now time.Time) {
	g.bucket.AllowN(now, 1)
	g.recent = append(g.recent, now)
}

func (g *gate) prune(now time.Time) {
	drop := 0
	for drop < len(g.recent) && now.Sub(g.recent[drop]) >= Window {
		drop++
	}
	if drop > 0 {
		g.recent = append(g.recent[:0], g.recent[drop:]...)
	}
}

// Limiter manages per-source rate limits.
type Limiter struct {
	mu           sync.Mutex
	clock        crawler.Clock
	gates        map[string]*gate
	global       *gate
	pollInterval time.Duration
}

// New creates a new Limiter.
func New(cfg Config, clock crawler.Clock) *Limiter {
	poll := cfg.PollInterval
	if poll < DefaultPollInterval {
		poll = DefaultPollInterval
	}
	l := &Limiter{
		clock:        clock,
		gates:        make(map[string]*gate),
		pollInterval: poll,
	}
	if cfg.GlobalPerMinute > 0 {
		l.global = newGate(cfg.GlobalPerMinute, clock.Now())
	}
	return l
}

// TryAcquire consumes one token for the source if both the source bucket and
// the global ceiling admit it. It never blocks. A disabled source is always refused.
func (l *Limiter) TryAcquire(src crawler.DataSource) bool {
	if !src.Enabled || src.RateLimit <= 0 {
		return false
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.gates[src.ID]
	if !ok {
		g = newGate(src.RateLimit, now)
		l.gates[src.ID] = g
	} else {
		g.resize(src.RateLimit, now)
	}

	if !g.ready(now) {
		metrics.ObserveRateLimitRefusal(src.ID, "source")
		return false
	}
	if l.global != nil && !l.global.ready(now) {
		metrics.ObserveRateLimitRefusal(src.ID, "global")
		return false
	}
	g.take(now)
	if l.global != nil {
		l.global.take(now)
	}
	return true
}

// Wait blocks until a token is available for the source, polling at the
// configured interval, or until ctx is done.
func (l *Limiter) Wait(ctx context.Context, src crawler.DataSource) error {
	if !src.Enabled {
		return fmt.Errorf("rate limit wait: source %q: %w", src.ID, crawler.ErrSourceDisabled)
	}
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		if l.TryAcquire(src) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// SetGlobal changes the scheduler-wide ceiling. Zero removes it.
func (l *Limiter) SetGlobal(perMinute int) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case perMinute <= 0:
		l.global = nil
	case l.global == nil:
		l.global = newGate(perMinute, now)
	default:
		l.global.resize(perMinute, now)
	}
}
