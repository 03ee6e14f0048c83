// Package control implements the operator-facing operations behind the HTTP
// API. Reads are synchronous snapshots; writes go through the dispatcher or
// registry so validation happens in one place.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/econcrawl/internal/crawler"
	"github.com/JakeFAU/econcrawl/internal/dispatcher"
	"github.com/JakeFAU/econcrawl/internal/logsink"
	"github.com/JakeFAU/econcrawl/internal/store"
)

// ErrHistoryUnavailable is returned by LogHistory when no durable log store is configured.
var ErrHistoryUnavailable = errors.New("log history unavailable")

// Dispatcher is the subset of the dispatcher used by the control surface.
type Dispatcher interface {
	TriggerCrawl(ctx context.Context, req dispatcher.TriggerRequest) ([]crawler.CrawlJob, error)
	Start()
	Stop()
	UpdateSettings(patch crawler.SettingsPatch) (crawler.Settings, error)
	Settings() crawler.Settings
	Status() crawler.CrawlerStatus
}

// Sources reads and patches data sources.
type Sources interface {
	Get(id string) (crawler.DataSource, error)
	List() []crawler.DataSource
	Update(id string, patch crawler.SourcePatch) (crawler.DataSource, error)
}

// Jobs exposes queue reads.
type Jobs interface {
	Stats() crawler.QueueStatistics
	List(status crawler.JobStatus) []crawler.CrawlJob
}

// Logs is the in-memory log stream.
type Logs interface {
	crawler.LogAppender
	Query(q crawler.LogQuery) ([]crawler.LogEntry, int)
}

// Health exposes the per-source health windows.
type Health interface {
	Status(sourceID string) crawler.SourceHealth
	SetThreshold(pct float64)
}

// Prober runs a single connection test.
type Prober interface {
	Probe(ctx context.Context, src crawler.DataSource) crawler.Outcome
}

// Schedule is the recurring crawl timer.
type Schedule interface {
	Next() *time.Time
	Reschedule(freq crawler.ScheduleFrequency) error
}

// Deps groups the collaborators of a Service. Schedule and History are optional.
type Deps struct {
	Dispatcher Dispatcher
	Sources    Sources
	Jobs       Jobs
	Logs       Logs
	Health     Health
	Prober     Prober
	Schedule   Schedule
	History    store.LogRepository
}

// Service implements the control operations.
type Service struct {
	deps   Deps
	logger *zap.Logger
}

// New builds a Service.
func New(deps Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, logger: logger}
}

// CrawlerStatus returns the runtime state, including the next scheduled crawl
// when one will actually run.
func (s *Service) CrawlerStatus() crawler.CrawlerStatus {
	st := s.deps.Dispatcher.Status()
	if s.deps.Schedule != nil && st.GlobalEnabled && !st.MaintenanceMode {
		st.NextScheduledCrawl = s.deps.Schedule.Next()
	}
	return st
}

// QueueStatistics returns the current queue counters.
func (s *Service) QueueStatistics() crawler.QueueStatistics {
	return s.deps.Jobs.Stats()
}

// QueueJobs lists jobs, optionally filtered by status.
func (s *Service) QueueJobs(status string) ([]crawler.CrawlJob, error) {
	st := crawler.JobStatus(status)
	switch st {
	case "", crawler.JobStatusPending, crawler.JobStatusProcessing, crawler.JobStatusCompleted,
		crawler.JobStatusFailed, crawler.JobStatusRetrying:
	default:
		return nil, crawler.Invalid("status", fmt.Sprintf("unknown value %q", status))
	}
	return s.deps.Jobs.List(st), nil
}

// CrawlerLogs returns matching in-memory entries, newest first, and the total match count.
func (s *Service) CrawlerLogs(q crawler.LogQuery) ([]crawler.LogEntry, int, error) {
	q, err := normalizeQuery(q)
	if err != nil {
		return nil, 0, err
	}
	entries, total := s.deps.Logs.Query(q)
	return entries, total, nil
}

// LogHistory reads the durable copy of the crawl log.
func (s *Service) LogHistory(ctx context.Context, q crawler.LogQuery) ([]crawler.LogEntry, int, error) {
	if s.deps.History == nil {
		return nil, 0, ErrHistoryUnavailable
	}
	q, err := normalizeQuery(q)
	if err != nil {
		return nil, 0, err
	}
	entries, total, err := s.deps.History.ListLogs(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("list log history: %w", err)
	}
	return entries, total, nil
}

func normalizeQuery(q crawler.LogQuery) (crawler.LogQuery, error) {
	switch {
	case q.Limit < 0:
		return q, crawler.Invalid("limit", "must not be negative")
	case q.Offset < 0:
		return q, crawler.Invalid("offset", "must not be negative")
	case q.StartDate != nil && q.EndDate != nil && q.StartDate.After(*q.EndDate):
		return q, crawler.Invalid("start_date", "must not be after end_date")
	}
	if q.Limit == 0 {
		q.Limit = logsink.DefaultQueryLimit
	}
	q.Limit = min(q.Limit, logsink.MaxQueryLimit)
	return q, nil
}

// DataSources lists every registered source.
func (s *Service) DataSources() []crawler.DataSource {
	return s.deps.Sources.List()
}

// CrawlerConfig returns the global settings.
func (s *Service) CrawlerConfig() crawler.Settings {
	return s.deps.Dispatcher.Settings()
}

// TriggerCrawl enqueues a manual crawl.
func (s *Service) TriggerCrawl(ctx context.Context, req dispatcher.TriggerRequest) ([]crawler.CrawlJob, error) {
	jobs, err := s.deps.Dispatcher.TriggerCrawl(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("trigger crawl: %w", err)
	}
	return jobs, nil
}

// StopCrawler stops admitting new jobs. In-flight jobs finish.
func (s *Service) StopCrawler() crawler.CrawlerStatus {
	s.deps.Dispatcher.Stop()
	return s.CrawlerStatus()
}

// StartCrawler resumes dispatching.
func (s *Service) StartCrawler() crawler.CrawlerStatus {
	s.deps.Dispatcher.Start()
	return s.CrawlerStatus()
}

// UpdateCrawlerConfig validates and applies a settings patch, then propagates
// the schedule frequency and error threshold.
func (s *Service) UpdateCrawlerConfig(patch crawler.SettingsPatch) (crawler.Settings, error) {
	before := s.deps.Dispatcher.Settings()
	updated, err := s.deps.Dispatcher.UpdateSettings(patch)
	if err != nil {
		return crawler.Settings{}, fmt.Errorf("update crawler config: %w", err)
	}
	if s.deps.Schedule != nil && updated.ScheduleFrequency != before.ScheduleFrequency {
		if err := s.deps.Schedule.Reschedule(updated.ScheduleFrequency); err != nil {
			return crawler.Settings{}, fmt.Errorf("reschedule crawls: %w", err)
		}
	}
	if updated.ErrorThreshold != before.ErrorThreshold {
		s.deps.Health.SetThreshold(updated.ErrorThreshold)
	}
	s.deps.Logs.Append(crawler.LogEntry{
		Level:   crawler.LevelInfo,
		Source:  "control",
		Message: "Crawler configuration updated",
		Details: map[string]any{"settings": updated},
		Status:  crawler.LogSuccess,
	})
	s.logger.Info("crawler configuration updated",
		zap.Int("max_workers", updated.MaxWorkers),
		zap.Bool("maintenance_mode", updated.MaintenanceMode),
		zap.String("schedule_frequency", string(updated.ScheduleFrequency)),
	)
	return updated, nil
}

// UpdateDataSource patches one source. Changes apply to jobs dispatched afterwards.
func (s *Service) UpdateDataSource(id string, patch crawler.SourcePatch) (crawler.DataSource, error) {
	updated, err := s.deps.Sources.Update(id, patch)
	if err != nil {
		return crawler.DataSource{}, fmt.Errorf("update source: %w", err)
	}
	s.deps.Logs.Append(crawler.LogEntry{
		Level:   crawler.LevelInfo,
		Source:  updated.ID,
		Message: fmt.Sprintf("Data source %s updated", updated.Name),
		Details: map[string]any{
			"enabled":        updated.Enabled,
			"priority":       updated.Priority,
			"rate_limit":     updated.RateLimit,
			"retry_attempts": updated.RetryAttempts,
			"timeout":        updated.TimeoutSeconds,
		},
		Status: crawler.LogSuccess,
	})
	return updated, nil
}

// TestDataSourceConnection fetches the source's probe target once, outside the queue.
func (s *Service) TestDataSourceConnection(ctx context.Context, id string) (crawler.Outcome, error) {
	src, err := s.deps.Sources.Get(id)
	if err != nil {
		return crawler.Outcome{}, err
	}
	return s.deps.Prober.Probe(ctx, src), nil
}

// SourceHealth returns the rolling health window of one source.
func (s *Service) SourceHealth(id string) (crawler.SourceHealth, error) {
	if _, err := s.deps.Sources.Get(id); err != nil {
		return crawler.SourceHealth{}, err
	}
	return s.deps.Health.Status(id), nil
}
