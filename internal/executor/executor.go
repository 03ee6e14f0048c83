// Package executor performs single crawl attempts against a data source.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/econcrawl/internal/crawler"
	"github.com/JakeFAU/econcrawl/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// Deliverer hands a successful payload downstream and returns its URI.
type Deliverer interface {
	Deliver(ctx context.Context, job crawler.CrawlJob, resp crawler.FetchResponse) (string, error)
}

// Waiter blocks until the rate limiter grants a token. Only probes wait; the
// dispatcher acquires tokens itself before calling Execute.
type Waiter interface {
	Wait(ctx context.Context, src crawler.DataSource) error
}

// Config controls Executor behavior.
type Config struct {
	// DefaultTimeout applies to sources without timeout_seconds.
	DefaultTimeout time.Duration
	UserAgent      string
}

// Executor fetches, validates and hands off one job at a time. It is safe for
// concurrent use by many workers.
type Executor struct {
	fetcher crawler.Fetcher
	handoff Deliverer
	logs    crawler.LogAppender
	health  crawler.HealthRecorder
	limiter Waiter
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs an Executor. handoff and limiter may be nil.
func New(
	fetcher crawler.Fetcher,
	handoff Deliverer,
	logs crawler.LogAppender,
	health crawler.HealthRecorder,
	limiter Waiter,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	return &Executor{
		fetcher: fetcher,
		handoff: handoff,
		logs:    logs,
		health:  health,
		limiter: limiter,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Execute runs one attempt of job under the source's hard timeout. It emits
// exactly one LogEntry and one health update.
func (e *Executor) Execute(ctx context.Context, job crawler.CrawlJob, src crawler.DataSource) crawler.Outcome {
	outcome, resp := e.attempt(ctx, job, src, e.handoff)

	finishedAt := e.clock.Now()
	metrics.ObserveAttempt(src.ID, outcome, finishedAt)
	metrics.ObservePayload(src.ID, len(resp.Body))
	if e.health != nil {
		e.health.Record(src.ID, outcome.Success, finishedAt, outcome.Error)
	}
	e.appendLog(attemptEntry(job, src, outcome))

	if outcome.Success {
		e.logger.Debug("crawl attempt succeeded",
			zap.String("job_id", job.ID),
			zap.String("source", src.ID),
			zap.String("target", job.Target),
			zap.Int64("duration_ms", outcome.DurationMs),
		)
	} else {
		e.logger.Warn("crawl attempt failed",
			zap.String("job_id", job.ID),
			zap.String("source", src.ID),
			zap.String("target", job.Target),
			zap.Int("attempt", job.AttemptCount),
			zap.Error(outcome.Err),
		)
	}
	return outcome
}

// Probe performs a connectivity test outside the queue: it waits for a rate
// limit token, fetches the probe target and validates the body. It does not
// touch health or hand off the payload.
func (e *Executor) Probe(ctx context.Context, src crawler.DataSource) crawler.Outcome {
	job := crawler.CrawlJob{ID: "probe", SourceID: src.ID, Target: probeTarget(src), AttemptCount: 1}

	var outcome crawler.Outcome
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, src); err != nil {
			outcome = failed(crawler.Outcome{}, err)
		}
	}
	if outcome.Err == nil {
		outcome, _ = e.attempt(ctx, job, src, nil)
	}

	entry := attemptEntry(job, src, outcome)
	entry.Details["probe"] = true
	if outcome.Success {
		entry.Message = fmt.Sprintf("connection test succeeded for %s", src.ID)
	} else {
		entry.Message = fmt.Sprintf("connection test failed for %s: %s", src.ID, outcome.Error)
	}
	e.appendLog(entry)
	return outcome
}

// attempt fetches and, when deliver is set, hands off the payload. Both steps
// share one timeout_seconds deadline.
func (e *Executor) attempt(
	ctx context.Context,
	job crawler.CrawlJob,
	src crawler.DataSource,
	deliver Deliverer,
) (crawler.Outcome, crawler.FetchResponse) {
	timeout := src.Timeout()
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := e.clock.Now()
	req := crawler.FetchRequest{
		JobID:    job.ID,
		SourceID: src.ID,
		URL:      crawler.ExpandTarget(os.ExpandEnv(src.Endpoint), job.Target),
		Timeout:  timeout,
	}
	if e.cfg.UserAgent != "" {
		req.Headers = http.Header{"User-Agent": {e.cfg.UserAgent}}
	}
	resp, err := e.fetcher.Fetch(attemptCtx, req)
	if err == nil {
		err = classifyResponse(src, resp)
	} else {
		err = classifyFetchError(ctx, attemptCtx, err)
	}

	outcome := crawler.Outcome{StatusCode: resp.StatusCode}
	if err == nil && deliver != nil {
		uri, derr := deliver.Deliver(attemptCtx, job, resp)
		switch {
		case derr == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
			err = crawler.TimeoutError{Err: fmt.Errorf("hand off payload: %w", attemptCtx.Err())}
		case derr != nil:
			err = classifyHandoffError(ctx, attemptCtx, derr)
		default:
			outcome.PayloadURI = uri
		}
	}

	outcome.Duration = e.clock.Now().Sub(start)
	if resp.Duration > outcome.Duration {
		outcome.Duration = resp.Duration
	}
	outcome.DurationMs = outcome.Duration.Milliseconds()

	if err != nil {
		outcome.PayloadURI = ""
		return failed(outcome, err), resp
	}
	outcome.Success = true
	return outcome, resp
}

func failed(outcome crawler.Outcome, err error) crawler.Outcome {
	outcome.Success = false
	outcome.Err = err
	outcome.Error = err.Error()
	return outcome
}

func (e *Executor) appendLog(entry crawler.LogEntry) {
	if e.logs == nil {
		return
	}
	e.logs.Append(entry)
}

func classifyFetchError(parent, attemptCtx context.Context, err error) error {
	switch {
	case parent.Err() != nil && errors.Is(parent.Err(), context.Canceled):
		return fmt.Errorf("fetch aborted: %w", context.Canceled)
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return crawler.TimeoutError{Err: err}
	default:
		return crawler.TransientError{Err: err}
	}
}

func classifyHandoffError(parent, attemptCtx context.Context, err error) error {
	err = fmt.Errorf("hand off payload: %w", err)
	switch {
	case parent.Err() != nil && errors.Is(parent.Err(), context.Canceled):
		return fmt.Errorf("hand off aborted: %w", err)
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return crawler.TimeoutError{Err: err}
	default:
		return crawler.TransientError{Err: err}
	}
}

func classifyResponse(src crawler.DataSource, resp crawler.FetchResponse) error {
	code := resp.StatusCode
	switch {
	case code >= 500, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return crawler.TransientError{StatusCode: code, Err: fmt.Errorf("HTTP %d", code)}
	case code >= 400:
		return crawler.RejectedError{StatusCode: code, Err: fmt.Errorf("HTTP %d", code)}
	}
	if src.Format == "" || src.Format == crawler.FormatJSON {
		if !json.Valid(resp.Body) {
			return crawler.ParseError{Err: errors.New("response body is not valid JSON")}
		}
	}
	return nil
}

func attemptEntry(job crawler.CrawlJob, src crawler.DataSource, outcome crawler.Outcome) crawler.LogEntry {
	details := map[string]any{
		"job_id":  job.ID,
		"target":  job.Target,
		"attempt": job.AttemptCount,
	}
	if outcome.StatusCode > 0 {
		details["status_code"] = outcome.StatusCode
	}
	entry := crawler.LogEntry{
		Source:     src.ID,
		Details:    details,
		DurationMs: crawler.DurationPtr(outcome.Duration),
	}
	if outcome.Success {
		if outcome.PayloadURI != "" {
			details["payload_uri"] = outcome.PayloadURI
		}
		entry.Level = crawler.LevelInfo
		entry.Status = crawler.LogSuccess
		entry.Message = fmt.Sprintf("crawled %s %s", src.ID, job.Target)
		return entry
	}
	details["error"] = outcome.Error
	details["error_kind"] = crawler.ErrorKind(outcome.Err)
	entry.Level = crawler.LevelWarn
	entry.Status = crawler.LogFailed
	entry.Message = fmt.Sprintf("crawl attempt %d failed for %s %s", job.AttemptCount, src.ID, job.Target)
	return entry
}

func probeTarget(src crawler.DataSource) string {
	if src.ProbeTarget != "" {
		return src.ProbeTarget
	}
	if len(src.Targets) > 0 {
		return src.Targets[0]
	}
	return ""
}
