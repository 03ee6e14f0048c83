// Package metrics exposes Prometheus collectors for the crawl orchestrator.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

var (
	crawlerAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_attempts_total",
			Help: "Total crawl attempts, labeled by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	crawlerAttemptDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_attempt_duration_seconds",
			Help:    "Histogram of crawl attempt latencies, labeled by source.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"source"},
	)

	crawlerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_errors_total",
			Help: "Total failed attempts, labeled by source and error kind.",
		},
		[]string{"source", "kind"},
	)

	crawlerRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_retries_total",
			Help: "Total retries scheduled, labeled by source and error kind.",
		},
		[]string{"source", "kind"},
	)

	crawlerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_jobs_total",
			Help: "Total number of jobs that reached a terminal status.",
		},
		[]string{"source", "status"},
	)

	crawlerDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_dispatch_total",
			Help: "Total jobs handed to a worker, labeled by source.",
		},
		[]string{"source"},
	)

	crawlerRateLimitRefusalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_rate_limit_refusals_total",
			Help: "Total dispatches deferred by a rate limiter, labeled by source and scope.",
		},
		[]string{"source", "scope"},
	)

	crawlerQueueRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_queue_rejections_total",
			Help: "Total enqueue attempts rejected because the queue was full.",
		},
		[]string{"trigger"},
	)

	crawlerActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_active_workers",
			Help: "Number of workers currently processing a job.",
		},
	)

	crawlerQueueItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawler_queue_items",
			Help: "Number of jobs in the work queue, labeled by status.",
		},
		[]string{"status"},
	)

	crawlerLastSuccessTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawler_last_success_timestamp_seconds",
			Help: "Unix time of the last successful attempt per source.",
		},
		[]string{"source"},
	)

	crawlerSourceHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawler_source_health",
			Help: "Source health: 0 healthy, 1 warning, 2 error.",
		},
		[]string{"source"},
	)

	crawlerPayloadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_payload_bytes_total",
			Help: "Total number of payload bytes fetched, labeled by source.",
		},
		[]string{"source"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAttempt records one crawl attempt.
func ObserveAttempt(source string, outcome crawler.Outcome, at time.Time) {
	label := "success"
	if !outcome.Success {
		label = "failure"
		crawlerErrorsTotal.WithLabelValues(source, crawler.ErrorKind(outcome.Err)).Inc()
	} else {
		crawlerLastSuccessTimestamp.WithLabelValues(source).Set(float64(at.Unix()))
	}
	crawlerAttemptsTotal.WithLabelValues(source, label).Inc()
	crawlerAttemptDurationSeconds.WithLabelValues(source).Observe(outcome.Duration.Seconds())
}

// ObservePayload adds fetched bytes for a source.
func ObservePayload(source string, bytesFetched int) {
	if bytesFetched > 0 {
		crawlerPayloadBytesTotal.WithLabelValues(source).Add(float64(bytesFetched))
	}
}

// ObserveRetry increments the retry counter.
func ObserveRetry(source string, err error) {
	crawlerRetriesTotal.WithLabelValues(source, crawler.ErrorKind(err)).Inc()
}

// ObserveJob increments the terminal job counter.
func ObserveJob(source string, status crawler.JobStatus) {
	crawlerJobsTotal.WithLabelValues(source, string(status)).Inc()
}

// ObserveDispatch increments the dispatch counter.
func ObserveDispatch(source string) {
	crawlerDispatchTotal.WithLabelValues(source).Inc()
}

// ObserveRateLimitRefusal records a deferred dispatch. scope is "source" or "global".
func ObserveRateLimitRefusal(source, scope string) {
	crawlerRateLimitRefusalsTotal.WithLabelValues(source, scope).Inc()
}

// ObserveQueueRejection records an enqueue refused with a full queue.
func ObserveQueueRejection(trigger crawler.Trigger) {
	crawlerQueueRejectionsTotal.WithLabelValues(string(trigger)).Inc()
}

// SetActiveWorkers sets the active workers gauge.
func SetActiveWorkers(n int) {
	crawlerActiveWorkers.Set(float64(n))
}

// SetQueueStats publishes per-status queue gauges.
func SetQueueStats(stats crawler.QueueStatistics) {
	crawlerQueueItems.WithLabelValues(string(crawler.JobStatusPending)).Set(float64(stats.PendingItems))
	crawlerQueueItems.WithLabelValues(string(crawler.JobStatusProcessing)).Set(float64(stats.ProcessingItems))
	crawlerQueueItems.WithLabelValues(string(crawler.JobStatusRetrying)).Set(float64(stats.RetryingItems))
	crawlerQueueItems.WithLabelValues(string(crawler.JobStatusCompleted)).Set(float64(stats.CompletedItems))
	crawlerQueueItems.WithLabelValues(string(crawler.JobStatusFailed)).Set(float64(stats.FailedItems))
}

// SetSourceHealth publishes the health gauge for a source.
func SetSourceHealth(source string, status crawler.HealthStatus) {
	var value float64
	switch status {
	case crawler.HealthWarning:
		value = 1
	case crawler.HealthError:
		value = 2
	}
	crawlerSourceHealth.WithLabelValues(source).Set(value)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
