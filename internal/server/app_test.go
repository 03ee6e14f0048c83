package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/econcrawl/internal/config"
	"github.com/JakeFAU/econcrawl/internal/crawler"
)

func testConfig(t *testing.T, endpoint string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Dispatcher.PollInterval = 200 * time.Millisecond
	cfg.Logs.MaxBatchWait = 10 * time.Millisecond
	retries := 0
	cfg.Sources = []config.SourceConfig{{
		ID: "fred", Name: "FRED", Enabled: true, Priority: 1, RateLimit: 600,
		RetryAttempts: &retries, Endpoint: endpoint + "/series/{target}",
		Targets: []string{"CPIAUCSL", "UNRATE"}, ProbeTarget: "CPIAUCSL",
	}}
	return cfg
}

// TestAppCrawlsEndToEnd triggers a crawl over HTTP against a local source.
func TestAppCrawlsEndToEnd(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"observations":[{"date":"2026-01-01","value":"312.2"}]}`))
	}))
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app, err := build(ctx, testConfig(t, upstream.URL), zaptest.NewLogger(t), prometheus.NewRegistry())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	req := httptest.NewRequest(http.MethodPost, "/v1/crawler/trigger", bytes.NewBufferString(`{"sources":["fred"]}`))
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		return app.Control().QueueStatistics().CompletedItems == 2
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, int32(2), hits.Load())

	entries, _, err := app.Control().CrawlerLogs(crawler.LogQuery{Source: "fred", Level: crawler.LevelInfo})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		require.Equal(t, crawler.LogSuccess, entry.Status)
	}
	st := app.Control().CrawlerStatus()
	require.True(t, st.IsRunning)
	require.NotNil(t, st.LastCrawl)
	require.NotNil(t, st.NextScheduledCrawl)

	outcome, err := app.Control().TestDataSourceConnection(ctx, "fred")
	require.NoError(t, err)
	require.True(t, outcome.Success)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not shut down")
	}
}

// TestBuildRejectsBadStorage surfaces backend init failures.
func TestBuildRejectsBadStorage(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Storage.Backend = config.StorageLocal
	cfg.Storage.LocalDir = ""
	_, err := build(context.Background(), cfg, nil, prometheus.NewRegistry())
	require.ErrorContains(t, err, "local blob store init failed")
}
