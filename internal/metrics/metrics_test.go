package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

// TestObserveAttempt records outcome counters and the last-success gauge.
func TestObserveAttempt(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	ObserveAttempt("metrics-fred", crawler.Outcome{Success: true, Duration: time.Second}, at)
	ObserveAttempt("metrics-fred", crawler.Outcome{
		Err: crawler.TimeoutError{Err: errors.New("deadline")},
	}, at)

	require.InDelta(t, 1, testutil.ToFloat64(crawlerAttemptsTotal.WithLabelValues("metrics-fred", "success")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(crawlerAttemptsTotal.WithLabelValues("metrics-fred", "failure")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(crawlerErrorsTotal.WithLabelValues("metrics-fred", "timeout")), 0)
	require.InDelta(t, float64(at.Unix()),
		testutil.ToFloat64(crawlerLastSuccessTimestamp.WithLabelValues("metrics-fred")), 0)
}

// TestSetSourceHealth maps health values to gauge levels.
func TestSetSourceHealth(t *testing.T) {
	SetSourceHealth("metrics-bls", crawler.HealthError)
	require.InDelta(t, 2, testutil.ToFloat64(crawlerSourceHealth.WithLabelValues("metrics-bls")), 0)
	SetSourceHealth("metrics-bls", crawler.HealthWarning)
	require.InDelta(t, 1, testutil.ToFloat64(crawlerSourceHealth.WithLabelValues("metrics-bls")), 0)
	SetSourceHealth("metrics-bls", crawler.HealthHealthy)
	require.InDelta(t, 0, testutil.ToFloat64(crawlerSourceHealth.WithLabelValues("metrics-bls")), 0)
}

// TestSetQueueStats publishes one gauge per status.
func TestSetQueueStats(t *testing.T) {
	SetQueueStats(crawler.QueueStatistics{PendingItems: 3, ProcessingItems: 2, FailedItems: 1})
	require.InDelta(t, 3, testutil.ToFloat64(crawlerQueueItems.WithLabelValues("pending")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(crawlerQueueItems.WithLabelValues("processing")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(crawlerQueueItems.WithLabelValues("failed")), 0)
	require.InDelta(t, 0, testutil.ToFloat64(crawlerQueueItems.WithLabelValues("completed")), 0)
}
