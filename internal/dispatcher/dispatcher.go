// Package dispatcher owns the worker pool and the single coordinating loop that
// moves jobs from the work queue to the crawl executor.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/econcrawl/internal/crawler"
	"github.com/JakeFAU/econcrawl/internal/metrics"
	"github.com/JakeFAU/econcrawl/internal/retry"
)

// MinPollInterval bounds how often the dispatch loop ticks.
const MinPollInterval = 200 * time.Millisecond

// Queue is the subset of the work queue the dispatcher drives.
type Queue interface {
	EnqueueAll(jobs []crawler.CrawlJob) error
	PeekReady(now time.Time) []crawler.CrawlJob
	Claim(jobID, workerID string) (crawler.CrawlJob, error)
	Complete(jobID, payloadURI string) (crawler.CrawlJob, error)
	ScheduleRetry(jobID string, at time.Time, errText string) (crawler.CrawlJob, error)
	Mark(jobID string, status crawler.JobStatus, errText string) (crawler.CrawlJob, error)
	DueRetries(now time.Time) []crawler.CrawlJob
	Stats() crawler.QueueStatistics
	SetCapacity(capacity int)
	Prune(cutoff time.Time) int
}

// Sources resolves source snapshots and follows the global defaults.
type Sources interface {
	Get(id string) (crawler.DataSource, error)
	List() []crawler.DataSource
	ApplyDefaults(timeoutSeconds, retryAttempts int) []string
}

// Limiter admits dispatches.
type Limiter interface {
	TryAcquire(src crawler.DataSource) bool
	SetGlobal(perMinute int)
}

// Executor runs one attempt.
type Executor interface {
	Execute(ctx context.Context, job crawler.CrawlJob, src crawler.DataSource) crawler.Outcome
}

// RetryPolicy decides what happens after a failed attempt.
type RetryPolicy interface {
	OnFailure(job crawler.CrawlJob, src crawler.DataSource, err error) retry.Decision
}

// Config holds loop tuning that is not part of the operator-editable settings.
type Config struct {
	PollInterval time.Duration
	// Retention is how long finished jobs stay visible before being pruned. Zero keeps them.
	Retention time.Duration
}

// TriggerRequest asks for a crawl of sources × targets. Empty Sources means
// every enabled source; empty Targets means each source's configured targets.
// ScheduledFor defers the jobs until that time.
type TriggerRequest struct {
	Sources      []string   `json:"sources"`
	Targets      []string   `json:"series_ids"`
	Priority     *int       `json:"priority,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

// state is the mutable runtime state. It is guarded by Dispatcher.mu and only
// changed through Start, Stop, TriggerCrawl, UpdateSettings and worker exits.
type state struct {
	running   bool
	settings  crawler.Settings
	slots     []string // job id per worker slot, "" when idle
	active    int
	lastCrawl *time.Time
}

// Dispatcher schedules queued jobs onto a fixed-size pool of workers.
type Dispatcher struct {
	queue    Queue
	sources  Sources
	limiter  Limiter
	executor Executor
	retry    RetryPolicy
	logs     crawler.LogAppender
	ids      crawler.IDGenerator
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger

	mu    sync.Mutex
	state state

	wake       chan struct{}
	wg         sync.WaitGroup
	workCtx    context.Context
	cancelWork context.CancelFunc
}

// New builds a Dispatcher with the initial settings. The crawler starts
// stopped; Start or TriggerCrawl sets it running.
func New(
	queue Queue,
	sources Sources,
	limiter Limiter,
	executor Executor,
	retryPolicy RetryPolicy,
	logs crawler.LogAppender,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	settings crawler.Settings,
	cfg Config,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("dispatcher settings: %w", err)
	}
	if cfg.PollInterval < MinPollInterval {
		cfg.PollInterval = MinPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workCtx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:      queue,
		sources:    sources,
		limiter:    limiter,
		executor:   executor,
		retry:      retryPolicy,
		logs:       logs,
		ids:        ids,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
		state:      state{settings: settings, slots: make([]string, settings.MaxWorkers)},
		wake:       make(chan struct{}, 1),
		workCtx:    workCtx,
		cancelWork: cancel,
	}
	queue.SetCapacity(settings.QueueSizeLimit)
	limiter.SetGlobal(settings.RateLimitGlobal)
	return d, nil
}

// Run drives the dispatch loop until ctx is done. In-flight workers are not
// cancelled; call Shutdown to wait for them.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	d.logger.Info("dispatcher started", zap.Duration("poll_interval", d.cfg.PollInterval))
	for {
		d.Tick()
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher loop stopped")
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// Tick runs one dispatch cycle: promote due retries, prune finished jobs and
// fill idle worker slots.
func (d *Dispatcher) Tick() {
	now := d.clock.Now()
	d.promoteRetries(now)
	if d.cfg.Retention > 0 {
		if n := d.queue.Prune(now.Add(-d.cfg.Retention)); n > 0 {
			d.logger.Debug("pruned finished jobs", zap.Int("count", n))
		}
	}
	d.dispatch(now)
	metrics.SetQueueStats(d.queue.Stats())
}

func (d *Dispatcher) promoteRetries(now time.Time) {
	for _, job := range d.queue.DueRetries(now) {
		src, err := d.sources.Get(job.SourceID)
		if err != nil || !src.Enabled {
			reason := "source disabled before retry"
			if err != nil {
				reason = err.Error()
			}
			failed, markErr := d.queue.Mark(job.ID, crawler.JobStatusFailed, reason)
			if markErr != nil {
				d.logger.Error("fail retrying job", zap.String("job_id", job.ID), zap.Error(markErr))
				continue
			}
			d.reportTerminal(failed, reason)
			continue
		}
		if _, err := d.queue.Mark(job.ID, crawler.JobStatusPending, ""); err != nil {
			d.logger.Error("requeue retrying job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func (d *Dispatcher) dispatch(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := &d.state
	if !st.running || !st.settings.GlobalEnabled || st.settings.MaintenanceMode {
		return
	}
	if st.active >= st.settings.MaxWorkers {
		return
	}

	refused := make(map[string]bool)
	for _, job := range d.queue.PeekReady(now) {
		slot := d.idleSlot()
		if slot < 0 {
			return
		}
		if refused[job.SourceID] {
			continue
		}
		src, err := d.sources.Get(job.SourceID)
		if err != nil {
			d.logger.Warn("job references unknown source", zap.String("job_id", job.ID), zap.Error(err))
			refused[job.SourceID] = true
			continue
		}
		if !d.limiter.TryAcquire(src) {
			refused[job.SourceID] = true
			continue
		}

		workerID := fmt.Sprintf("worker-%d", slot)
		claimed, err := d.queue.Claim(job.ID, workerID)
		if err != nil {
			d.logger.Error("claim job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		st.slots[slot] = claimed.ID
		st.active++
		metrics.ObserveDispatch(src.ID)
		metrics.SetActiveWorkers(st.active)

		d.wg.Add(1)
		go d.work(slot, claimed, src)
	}
}

// idleSlot returns a free slot index below max_workers, or -1.
func (d *Dispatcher) idleSlot() int {
	if d.state.active >= d.state.settings.MaxWorkers {
		return -1
	}
	for i := 0; i < d.state.settings.MaxWorkers && i < len(d.state.slots); i++ {
		if d.state.slots[i] == "" {
			return i
		}
	}
	return -1
}

func (d *Dispatcher) work(slot int, job crawler.CrawlJob, src crawler.DataSource) {
	defer d.wg.Done()

	outcome := d.executor.Execute(d.workCtx, job, src)
	d.settle(job, src, outcome)

	now := d.clock.Now()
	d.mu.Lock()
	d.state.slots[slot] = ""
	d.state.active--
	d.state.lastCrawl = &now
	active := d.state.active
	d.mu.Unlock()

	metrics.SetActiveWorkers(active)
	d.signal()
}

func (d *Dispatcher) settle(job crawler.CrawlJob, src crawler.DataSource, outcome crawler.Outcome) {
	if outcome.Success {
		if _, err := d.queue.Complete(job.ID, outcome.PayloadURI); err != nil {
			d.logger.Error("complete job", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		metrics.ObserveJob(src.ID, crawler.JobStatusCompleted)
		return
	}

	cause := outcome.Err
	if cause == nil {
		cause = errors.New(outcome.Error)
	}
	decision := d.retry.OnFailure(job, src, cause)
	if decision.Retry {
		at := d.clock.Now().Add(decision.Delay)
		if _, err := d.queue.ScheduleRetry(job.ID, at, outcome.Error); err != nil {
			d.logger.Error("schedule retry", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		metrics.ObserveRetry(src.ID, cause)
		d.logger.Debug("retry scheduled",
			zap.String("job_id", job.ID),
			zap.String("source", src.ID),
			zap.Int("attempt", job.AttemptCount),
			zap.Duration("delay", decision.Delay),
		)
		return
	}

	failed, err := d.queue.Mark(job.ID, crawler.JobStatusFailed, outcome.Error)
	if err != nil {
		d.logger.Error("fail job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	d.reportTerminal(failed, decision.Reason)
}

// reportTerminal emits the single error entry for a job that will not be retried.
func (d *Dispatcher) reportTerminal(job crawler.CrawlJob, reason string) {
	lastError := ""
	if job.LastError != nil {
		lastError = *job.LastError
	}
	metrics.ObserveJob(job.SourceID, crawler.JobStatusFailed)
	d.logger.Error("crawl job failed",
		zap.String("job_id", job.ID),
		zap.String("source", job.SourceID),
		zap.Int("attempt_count", job.AttemptCount),
		zap.String("last_error", lastError),
		zap.String("reason", reason),
	)
	d.appendLog(crawler.LogEntry{
		Level:   crawler.LevelError,
		Source:  job.SourceID,
		Message: fmt.Sprintf("crawl job %s failed after %d attempt(s): %s", job.ID, job.AttemptCount, lastError),
		Details: map[string]any{
			"job_id":        job.ID,
			"target":        job.Target,
			"attempt_count": job.AttemptCount,
			"last_error":    lastError,
			"reason":        reason,
		},
		Status: crawler.LogFailed,
	})
}

// TriggerCrawl enqueues an operator-requested crawl and sets the crawler running.
func (d *Dispatcher) TriggerCrawl(_ context.Context, req TriggerRequest) ([]crawler.CrawlJob, error) {
	return d.trigger(req, crawler.TriggerManual)
}

// TriggerScheduled enqueues a recurring crawl over every enabled source. It
// does not restart a stopped crawler. A rejection is logged rather than
// returned to a caller.
func (d *Dispatcher) TriggerScheduled(_ context.Context) {
	jobs, err := d.trigger(TriggerRequest{}, crawler.TriggerScheduled)
	if err != nil {
		d.appendLog(crawler.LogEntry{
			Level:   crawler.LevelWarn,
			Source:  "scheduler",
			Message: "scheduled crawl skipped: " + err.Error(),
			Status:  crawler.LogFailed,
		})
		return
	}
	d.logger.Info("scheduled crawl enqueued", zap.Int("jobs", len(jobs)))
}

func (d *Dispatcher) trigger(req TriggerRequest, trigger crawler.Trigger) ([]crawler.CrawlJob, error) {
	d.mu.Lock()
	settings := d.state.settings
	d.mu.Unlock()

	switch {
	case settings.MaintenanceMode:
		return nil, crawler.ErrMaintenanceMode
	case !settings.GlobalEnabled:
		return nil, crawler.ErrCrawlerDisabled
	}
	if req.Priority != nil && *req.Priority < 1 {
		return nil, crawler.Invalid("priority", "must be a positive integer")
	}

	sources, err := d.resolveSources(req.Sources, trigger)
	if err != nil {
		return nil, err
	}
	jobs, err := d.buildJobs(sources, req, trigger)
	if err != nil {
		return nil, err
	}
	if err := d.queue.EnqueueAll(jobs); err != nil {
		if errors.Is(err, crawler.ErrQueueFull) {
			metrics.ObserveQueueRejection(trigger)
		}
		return nil, fmt.Errorf("enqueue %d jobs: %w", len(jobs), err)
	}

	if trigger == crawler.TriggerManual {
		d.mu.Lock()
		d.state.running = true
		d.mu.Unlock()
	}

	d.appendLog(crawler.LogEntry{
		Level:   crawler.LevelInfo,
		Source:  "scheduler",
		Message: fmt.Sprintf("%s crawl enqueued %d job(s)", trigger, len(jobs)),
		Details: map[string]any{"trigger": string(trigger), "jobs": len(jobs)},
		Status:  crawler.LogPending,
	})
	d.signal()
	return jobs, nil
}

func (d *Dispatcher) resolveSources(ids []string, trigger crawler.Trigger) ([]crawler.DataSource, error) {
	if len(ids) == 0 {
		var out []crawler.DataSource
		for _, src := range d.sources.List() {
			if src.Enabled {
				out = append(out, src)
			}
		}
		if len(out) == 0 {
			return nil, crawler.Invalid("sources", "no enabled sources")
		}
		return out, nil
	}
	out := make([]crawler.DataSource, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		src, err := d.sources.Get(id)
		if err != nil {
			return nil, crawler.Invalid("sources", fmt.Sprintf("unknown source %q", id))
		}
		if !src.Enabled && trigger == crawler.TriggerManual {
			return nil, crawler.Invalid("sources", fmt.Sprintf("source %q is disabled", id))
		}
		out = append(out, src)
	}
	return out, nil
}

func (d *Dispatcher) buildJobs(sources []crawler.DataSource, req TriggerRequest, trigger crawler.Trigger) ([]crawler.CrawlJob, error) {
	now := d.clock.Now()
	var scheduledFor *time.Time
	if req.ScheduledFor != nil && req.ScheduledFor.After(now) {
		at := req.ScheduledFor.UTC()
		scheduledFor = &at
	}
	var jobs []crawler.CrawlJob
	for _, src := range sources {
		targets := req.Targets
		if len(targets) == 0 {
			targets = src.Targets
		}
		if len(targets) == 0 {
			if len(req.Sources) == 0 {
				continue
			}
			return nil, crawler.Invalid("series_ids", fmt.Sprintf("source %q has no configured targets", src.ID))
		}
		priority := src.Priority
		if req.Priority != nil {
			priority = *req.Priority
		}
		for _, target := range targets {
			id, err := d.ids.NewID()
			if err != nil {
				return nil, fmt.Errorf("generate job id: %w", err)
			}
			job := crawler.CrawlJob{
				ID:        id,
				SourceID:  src.ID,
				Target:    target,
				Priority:  priority,
				Status:    crawler.JobStatusPending,
				CreatedAt: now,
				Trigger:   trigger,
			}
			if scheduledFor != nil {
				at := *scheduledFor
				job.ScheduledFor = &at
			}
			jobs = append(jobs, job)
		}
	}
	if len(jobs) == 0 {
		return nil, crawler.Invalid("series_ids", "no targets to crawl")
	}
	return jobs, nil
}

// Start resumes admitting new dispatches.
func (d *Dispatcher) Start() {
	d.setRunning(true, "crawler started")
}

// Stop halts new dispatches immediately. Jobs already processing drain.
func (d *Dispatcher) Stop() {
	d.setRunning(false, "crawler stopped")
}

func (d *Dispatcher) setRunning(running bool, message string) {
	d.mu.Lock()
	changed := d.state.running != running
	d.state.running = running
	active := d.state.active
	d.mu.Unlock()
	if !changed {
		return
	}
	d.logger.Info(message, zap.Int("active_workers", active))
	d.appendLog(crawler.LogEntry{
		Level:   crawler.LevelInfo,
		Source:  "scheduler",
		Message: message,
		Details: map[string]any{"active_workers": active},
		Status:  crawler.LogSuccess,
	})
	d.signal()
}

// UpdateSettings validates and applies a settings patch. Changes take effect
// from the next dispatch cycle.
func (d *Dispatcher) UpdateSettings(patch crawler.SettingsPatch) (crawler.Settings, error) {
	d.mu.Lock()
	updated, err := patch.Apply(d.state.settings)
	if err != nil {
		d.mu.Unlock()
		return crawler.Settings{}, err
	}
	d.state.settings = updated
	if len(d.state.slots) < updated.MaxWorkers {
		slots := make([]string, updated.MaxWorkers)
		copy(slots, d.state.slots)
		d.state.slots = slots
	}
	d.mu.Unlock()

	d.queue.SetCapacity(updated.QueueSizeLimit)
	d.limiter.SetGlobal(updated.RateLimitGlobal)
	if patch.DefaultTimeout != nil || patch.DefaultRetryAttempts != nil {
		if changed := d.sources.ApplyDefaults(updated.DefaultTimeout, updated.DefaultRetryAttempts); len(changed) > 0 {
			d.logger.Info("source defaults applied",
				zap.Strings("sources", changed),
				zap.Int("default_timeout", updated.DefaultTimeout),
				zap.Int("default_retry_attempts", updated.DefaultRetryAttempts),
			)
		}
	}
	d.signal()
	return updated, nil
}

// Settings returns the current global settings.
func (d *Dispatcher) Settings() crawler.Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.settings
}

// Status returns the runtime state. NextScheduledCrawl is left to the caller.
func (d *Dispatcher) Status() crawler.CrawlerStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := crawler.CrawlerStatus{
		IsRunning:       d.state.running,
		ActiveWorkers:   d.state.active,
		MaintenanceMode: d.state.settings.MaintenanceMode,
		GlobalEnabled:   d.state.settings.GlobalEnabled,
		MaxWorkers:      d.state.settings.MaxWorkers,
	}
	if d.state.lastCrawl != nil {
		ts := *d.state.lastCrawl
		st.LastCrawl = &ts
	}
	return st
}

// Shutdown stops admitting work and waits for in-flight jobs. If ctx expires
// first, outstanding fetches are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.state.running = false
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancelWork()
		return nil
	case <-ctx.Done():
		d.cancelWork()
		<-done
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) appendLog(entry crawler.LogEntry) {
	if d.logs != nil {
		d.logs.Append(entry)
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
