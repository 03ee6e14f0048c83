// Package retry decides whether a failed crawl attempt is retried and when.
package retry

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

// Defaults used when the configuration leaves the delays unset.
const (
	DefaultBaseDelay = 2 * time.Second
	DefaultMaxDelay  = 5 * time.Minute
	jitterFraction   = 0.1
)

// Config holds the global backoff constants.
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Decision is the outcome of OnFailure.
type Decision struct {
	Retry bool
	Delay time.Duration
	// Reason explains a terminal decision.
	Reason string
}

// Manager implements exponential backoff with jitter, capped by the source's
// retry_attempts.
type Manager struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	jitter    func() float64
}

// New builds a Manager.
func New(cfg Config) *Manager {
	base := cfg.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay < base {
		maxDelay = max(base, DefaultMaxDelay)
	}
	return &Manager{
		baseDelay: base,
		maxDelay:  maxDelay,
		jitter:    randomJitter,
	}
}

// OnFailure classifies a failed attempt. job.AttemptCount must already include
// the attempt that just failed.
func (m *Manager) OnFailure(job crawler.CrawlJob, src crawler.DataSource, err error) Decision {
	if job.AttemptCount >= src.RetryAttempts+1 {
		return Decision{Reason: "retry attempts exhausted"}
	}
	if !crawler.IsRetryable(err) {
		return Decision{Reason: "non-retryable " + crawler.ErrorKind(err) + " error"}
	}
	return Decision{Retry: true, Delay: m.Backoff(job.AttemptCount)}
}

// Backoff returns min(max, base*2^(attempt-1)) scaled by a ±10% jitter.
func (m *Manager) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(m.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(m.maxDelay) {
		delay = float64(m.maxDelay)
	}
	return time.Duration(delay * (1 + m.jitter()))
}

// randomJitter returns a uniform value in [-0.1, 0.1].
func randomJitter() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	unit := float64(binary.BigEndian.Uint64(buf[:])>>11) / float64(1<<53)
	return (unit*2 - 1) * jitterFraction
}
