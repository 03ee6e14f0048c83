// Package health classifies per-source reliability from recent crawl outcomes.
// The classification is advisory: it never blocks dispatch.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/econcrawl/internal/crawler"
	"github.com/JakeFAU/econcrawl/internal/metrics"
)

// Defaults applied when Config leaves a field unset.
const (
	DefaultWindow              = 20
	DefaultConsecutiveFailures = 3
	DefaultErrorThreshold      = 5.0
)

// Config tunes the rolling window.
type Config struct {
	Window              int
	ConsecutiveFailures int
	// ErrorThreshold is the failure-rate percentage above which a source is a warning.
	ErrorThreshold float64
}

// Reporter receives status changes, typically the source registry. It is
// called with the monitor's lock held and must not call back into the Monitor.
type Reporter interface {
	RecordHealth(id string, status crawler.HealthStatus, lastSuccess *time.Time, lastErr *string)
}

type sourceWindow struct {
	outcomes    []bool // ring of successes, oldest first once full
	next        int
	filled      int
	consecutive int
	status      crawler.HealthStatus
	lastSuccess *time.Time
	lastError   *string
}

func (w *sourceWindow) push(success bool) {
	if w.filled < len(w.outcomes) {
		w.outcomes[w.filled] = success
		w.filled++
		return
	}
	w.outcomes[w.next] = success
	w.next = (w.next + 1) % len(w.outcomes)
}

func (w *sourceWindow) failures() int {
	n := 0
	for i := 0; i < w.filled; i++ {
		if !w.outcomes[i] {
			n++
		}
	}
	return n
}

func (w *sourceWindow) failureRate() float64 {
	if w.filled == 0 {
		return 0
	}
	return float64(w.failures()) * 100 / float64(w.filled)
}

// Monitor keeps one rolling window per source.
type Monitor struct {
	mu          sync.Mutex
	window      int
	consecutive int
	threshold   float64
	sources     map[string]*sourceWindow
	reporter    Reporter
	logger      *zap.Logger
}

// New builds a Monitor. reporter may be nil.
func New(cfg Config, reporter Reporter, logger *zap.Logger) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.ConsecutiveFailures <= 0 {
		cfg.ConsecutiveFailures = DefaultConsecutiveFailures
	}
	if cfg.ErrorThreshold < 0 {
		cfg.ErrorThreshold = DefaultErrorThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		window:      cfg.Window,
		consecutive: cfg.ConsecutiveFailures,
		threshold:   cfg.ErrorThreshold,
		sources:     make(map[string]*sourceWindow),
		reporter:    reporter,
		logger:      logger,
	}
}

// Record adds one attempt outcome and returns the resulting status.
func (m *Monitor) Record(sourceID string, success bool, at time.Time, errText string) crawler.HealthStatus {
	m.mu.Lock()
	w := m.windowFor(sourceID)
	w.push(success)
	if success {
		w.consecutive = 0
		ts := at
		w.lastSuccess = &ts
	} else {
		w.consecutive++
		msg := errText
		w.lastError = &msg
	}
	previous := w.status
	w.status = m.classify(w)
	status := w.status
	var lastSuccess *time.Time
	if w.lastSuccess != nil {
		ts := *w.lastSuccess
		lastSuccess = &ts
	}
	var lastError *string
	if w.lastError != nil {
		msg := *w.lastError
		lastError = &msg
	}
	// Reports stay under mu so the registry sees statuses in record order.
	metrics.SetSourceHealth(sourceID, status)
	if m.reporter != nil {
		m.reporter.RecordHealth(sourceID, status, lastSuccess, lastError)
	}
	m.mu.Unlock()

	if status != previous {
		m.logger.Info("source health changed",
			zap.String("source", sourceID),
			zap.String("from", string(previous)),
			zap.String("to", string(status)),
		)
	}
	return status
}

// Status returns a snapshot for one source. Unknown sources are healthy.
func (m *Monitor) Status(sourceID string) crawler.SourceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.sources[sourceID]
	if !ok {
		return crawler.SourceHealth{SourceID: sourceID, Status: crawler.HealthHealthy, WindowSize: m.window}
	}
	out := crawler.SourceHealth{
		SourceID:            sourceID,
		Status:              w.status,
		WindowSize:          m.window,
		FailuresInWindow:    w.failures(),
		FailureRate:         w.failureRate(),
		ConsecutiveFailures: w.consecutive,
	}
	if w.lastSuccess != nil {
		ts := *w.lastSuccess
		out.LastSuccess = &ts
	}
	if w.lastError != nil {
		msg := *w.lastError
		out.LastError = &msg
	}
	return out
}

// SetThreshold changes error_threshold; it takes effect on the next Record.
func (m *Monitor) SetThreshold(pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = pct
}

func (m *Monitor) windowFor(sourceID string) *sourceWindow {
	w, ok := m.sources[sourceID]
	if !ok {
		w = &sourceWindow{outcomes: make([]bool, m.window), status: crawler.HealthHealthy}
		m.sources[sourceID] = w
	}
	return w
}

func (m *Monitor) classify(w *sourceWindow) crawler.HealthStatus {
	if w.consecutive >= m.consecutive {
		return crawler.HealthError
	}
	if w.failureRate() <= m.threshold {
		return crawler.HealthHealthy
	}
	return crawler.HealthWarning
}
