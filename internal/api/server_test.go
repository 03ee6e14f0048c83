package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/econcrawl/internal/config"
	"github.com/JakeFAU/econcrawl/internal/control"
	"github.com/JakeFAU/econcrawl/internal/crawler"
	"github.com/JakeFAU/econcrawl/internal/dispatcher"
)

func TestServer_TriggerCrawl_Succeeds(t *testing.T) {
	t.Parallel()

	ctl := newFakeControl()
	server := newTestServer(ctl)

	body := []byte(`{"sources":["fred"],"series_ids":["CPIAUCSL","UNRATE"],"priority":1,"scheduled_for":"2026-05-01T06:00:00Z"}`)
	rec := serve(server, http.MethodPost, "/v1/crawler/trigger", body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp triggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 2)
	require.Contains(t, resp.Message, "2 job(s)")
	require.Equal(t, []string{"fred"}, ctl.lastTrigger.Sources)
	require.Equal(t, []string{"CPIAUCSL", "UNRATE"}, ctl.lastTrigger.Targets)
	require.Equal(t, 1, *ctl.lastTrigger.Priority)
	require.Equal(t, time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC), *ctl.lastTrigger.ScheduledFor)
}

func TestServer_TriggerCrawl_EmptyBodyCrawlsEverything(t *testing.T) {
	t.Parallel()

	ctl := newFakeControl()
	rec := serve(newTestServer(ctl), http.MethodPost, "/v1/crawler/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Empty(t, ctl.lastTrigger.Sources)
}

func TestServer_TriggerCrawl_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", crawler.Invalid("sources", `unknown source "ecb"`), http.StatusBadRequest, codeValidation},
		{"queue full", fmt.Errorf("enqueue 3 jobs: %w", crawler.ErrQueueFull), http.StatusServiceUnavailable, codeQueueFull},
		{"maintenance", crawler.ErrMaintenanceMode, http.StatusConflict, codeMaintenance},
		{"disabled", crawler.ErrCrawlerDisabled, http.StatusConflict, codeDisabled},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, codeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctl := newFakeControl()
			ctl.triggerErr = tt.err
			rec := serve(newTestServer(ctl), http.MethodPost, "/v1/crawler/trigger", []byte(`{}`))
			require.Equal(t, tt.status, rec.Code)
			require.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestServer_TriggerCrawl_InvalidJSON(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(newFakeControl()), http.MethodPost, "/v1/crawler/trigger", []byte("{invalid"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, codeValidation, decodeError(t, rec).Code)
}

func TestServer_StopAndStatus(t *testing.T) {
	t.Parallel()

	ctl := newFakeControl()
	server := newTestServer(ctl)

	rec := serve(server, http.MethodPost, "/v1/crawler/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, ctl.running)

	rec = serve(server, http.MethodPost, "/v1/crawler/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/crawler/status", nil)
	var st crawler.CrawlerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.False(t, st.IsRunning)
	require.Zero(t, st.ActiveWorkers)
}

func TestServer_PatchConfig(t *testing.T) {
	t.Parallel()

	ctl := newFakeControl()
	server := newTestServer(ctl)

	rec := serve(server, http.MethodPatch, "/v1/crawler/config", []byte(`{"schedule_frequency":"daily"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, crawler.Daily, *ctl.lastSettingsPatch.ScheduleFrequency)

	rec = serve(server, http.MethodGet, "/v1/crawler/config", nil)
	require.JSONEq(t, `{"global_enabled":true,"max_workers":5,"queue_size_limit":100,"default_timeout":30,
		"default_retry_attempts":3,"rate_limit_global":0,"schedule_frequency":"hourly","error_threshold":5,
		"maintenance_mode":false}`, rec.Body.String())

	rec = serve(server, http.MethodPatch, "/v1/crawler/config", []byte(`{"workers":3}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, codeValidation, decodeError(t, rec).Code)
}

func TestServer_Sources(t *testing.T) {
	t.Parallel()

	ctl := newFakeControl()
	server := newTestServer(ctl)

	rec := serve(server, http.MethodGet, "/v1/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":"fred"`)
	require.NotContains(t, rec.Body.String(), "endpoint")

	rec = serve(server, http.MethodPatch, "/v1/sources/fred", []byte(`{"enabled":false}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "fred", ctl.lastSourceID)

	rec = serve(server, http.MethodPatch, "/v1/sources/ecb", []byte(`{"enabled":false}`))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, codeNotFound, decodeError(t, rec).Code)

	rec = serve(server, http.MethodPost, "/v1/sources/fred/test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":true`)

	rec = serve(server, http.MethodGet, "/v1/sources/fred/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestServer_Logs(t *testing.T) {
	t.Parallel()

	ctl := newFakeControl()
	server := newTestServer(ctl)

	rec := serve(server, http.MethodGet,
		"/v1/logs?limit=10&offset=5&level=WARN&source=bls&search=timeout&start_date=2026-01-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 10, ctl.lastQuery.Limit)
	require.Equal(t, 5, ctl.lastQuery.Offset)
	require.Equal(t, crawler.LevelWarn, ctl.lastQuery.Level)
	require.Equal(t, "bls", ctl.lastQuery.Source)
	require.Equal(t, "timeout", ctl.lastQuery.Search)
	require.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *ctl.lastQuery.StartDate)

	var resp logsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)

	for _, bad := range []string{"limit=-1", "offset=x", "level=verbose", "end_date=yesterday"} {
		rec = serve(server, http.MethodGet, "/v1/logs?"+bad, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	ctl.historyErr = control.ErrHistoryUnavailable
	rec = serve(server, http.MethodGet, "/v1/logs/history", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, codeHistoryUnavailable, decodeError(t, rec).Code)
}

func TestServer_Queue(t *testing.T) {
	t.Parallel()

	ctl := newFakeControl()
	server := newTestServer(ctl)

	rec := serve(server, http.MethodGet, "/v1/queue/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total_items":3`)

	rec = serve(server, http.MethodGet, "/v1/queue/jobs?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "pending", ctl.lastJobStatus)

	rec = serve(server, http.MethodGet, "/v1/queue/jobs?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	var healthy bool
	server := NewServer(newFakeControl(), testConfig(), map[string]ReadyCheck{
		"postgres": func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("connection refused")
		},
	}, zap.NewNop())

	rec := serve(server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")

	healthy = true
	rec = serve(server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := NewServer(newFakeControl(), cfg, nil, zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/crawler/status", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/crawler/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, key := range []string{"secre", "secret2", "SECRET"} {
		req = httptest.NewRequest(http.MethodGet, "/v1/crawler/status", nil)
		req.Header.Set("X-API-Key", key)
		rec = httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusForbidden, rec.Code, key)
	}

	rec = serve(server, http.MethodGet, "/v1/crawler/status?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(newFakeControl())
	serve(server, http.MethodGet, "/v1/crawler/status", nil)
	rec := serve(server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(newFakeControl()), http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	newTestServer(newFakeControl()).Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, codeInternal, decodeError(t, rec).Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeControl struct {
	mu                sync.Mutex
	running           bool
	settings          crawler.Settings
	triggerErr        error
	historyErr        error
	lastTrigger       dispatcher.TriggerRequest
	lastSettingsPatch crawler.SettingsPatch
	lastSourceID      string
	lastQuery         crawler.LogQuery
	lastJobStatus     string
}

func newFakeControl() *fakeControl {
	return &fakeControl{settings: crawler.Settings{
		GlobalEnabled: true, MaxWorkers: 5, QueueSizeLimit: 100, DefaultTimeout: 30,
		DefaultRetryAttempts: 3, ScheduleFrequency: crawler.Hourly, ErrorThreshold: 5,
	}}
}

func (f *fakeControl) CrawlerStatus() crawler.CrawlerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return crawler.CrawlerStatus{IsRunning: f.running, GlobalEnabled: true, MaxWorkers: f.settings.MaxWorkers}
}

func (f *fakeControl) QueueStatistics() crawler.QueueStatistics {
	return crawler.QueueStatistics{TotalItems: 3, PendingItems: 3, Capacity: 100}
}

func (f *fakeControl) QueueJobs(status string) ([]crawler.CrawlJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastJobStatus = status
	if status == "bogus" {
		return nil, crawler.Invalid("status", "unknown value")
	}
	return []crawler.CrawlJob{{ID: "j1", SourceID: "fred", Status: crawler.JobStatusPending}}, nil
}

func (f *fakeControl) CrawlerLogs(q crawler.LogQuery) ([]crawler.LogEntry, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	return []crawler.LogEntry{{ID: "l1", Level: crawler.LevelWarn, Source: "bls", Message: "timeout"}}, 1, nil
}

func (f *fakeControl) LogHistory(_ context.Context, q crawler.LogQuery) ([]crawler.LogEntry, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	if f.historyErr != nil {
		return nil, 0, f.historyErr
	}
	return nil, 0, nil
}

func (f *fakeControl) DataSources() []crawler.DataSource {
	return []crawler.DataSource{{ID: "fred", Name: "FRED", Enabled: true, Priority: 1, RateLimit: 120,
		Endpoint: "https://api.example.test/{target}"}}
}

func (f *fakeControl) CrawlerConfig() crawler.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeControl) TriggerCrawl(_ context.Context, req dispatcher.TriggerRequest) ([]crawler.CrawlJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTrigger = req
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	f.running = true
	jobs := make([]crawler.CrawlJob, 0, len(req.Targets))
	for _, target := range req.Targets {
		jobs = append(jobs, crawler.CrawlJob{ID: "job-" + target, Target: target, Status: crawler.JobStatusPending})
	}
	return jobs, nil
}

func (f *fakeControl) StopCrawler() crawler.CrawlerStatus {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return f.CrawlerStatus()
}

func (f *fakeControl) StartCrawler() crawler.CrawlerStatus {
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return f.CrawlerStatus()
}

func (f *fakeControl) UpdateCrawlerConfig(patch crawler.SettingsPatch) (crawler.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSettingsPatch = patch
	return f.settings, nil
}

func (f *fakeControl) UpdateDataSource(id string, _ crawler.SourcePatch) (crawler.DataSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != "fred" {
		return crawler.DataSource{}, fmt.Errorf("source %q: %w", id, crawler.ErrNotFound)
	}
	f.lastSourceID = id
	return crawler.DataSource{ID: id, Name: "FRED"}, nil
}

func (f *fakeControl) TestDataSourceConnection(context.Context, string) (crawler.Outcome, error) {
	return crawler.Outcome{Success: true, StatusCode: 200, DurationMs: 40}, nil
}

func (f *fakeControl) SourceHealth(id string) (crawler.SourceHealth, error) {
	return crawler.SourceHealth{SourceID: id, Status: crawler.HealthHealthy, WindowSize: 20}, nil
}

func testConfig() config.Config {
	return config.Config{Server: config.ServerConfig{Port: 8080, RequestTimeout: 5 * time.Second}}
}

func newTestServer(ctl Control) *Server {
	return NewServer(ctl, testConfig(), nil, zap.NewNop())
}

func serve(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
