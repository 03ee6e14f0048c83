package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/econcrawl/internal/crawler"
	"github.com/JakeFAU/econcrawl/internal/dispatcher"
)

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.control.CrawlerStatus())
}

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.control.CrawlerConfig())
}

// patchConfig handles PATCH /v1/crawler/config. Unknown keys are rejected.
func (s *Server) patchConfig(w http.ResponseWriter, r *http.Request) {
	patch, err := crawler.DecodeSettingsPatch(r.Body)
	if err != nil {
		s.writeControlError(w, "decode config patch", err)
		return
	}
	updated, err := s.control.UpdateCrawlerConfig(patch)
	if err != nil {
		s.writeControlError(w, "update crawler config", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type triggerResponse struct {
	Message string             `json:"message"`
	Jobs    []crawler.CrawlJob `json:"jobs"`
}

// triggerCrawl handles POST /v1/crawler/trigger with an optional
// {"sources","series_ids","priority","scheduled_for"} body. An empty body crawls every
// enabled source.
func (s *Server) triggerCrawl(w http.ResponseWriter, r *http.Request) {
	var req dispatcher.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid JSON")
		return
	}
	jobs, err := s.control.TriggerCrawl(r.Context(), req)
	if err != nil {
		s.writeControlError(w, "trigger crawl", err)
		return
	}
	writeJSON(w, http.StatusAccepted, triggerResponse{
		Message: "Crawl triggered: " + strconv.Itoa(len(jobs)) + " job(s) queued",
		Jobs:    jobs,
	})
}

func (s *Server) stopCrawler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.control.StopCrawler())
}

func (s *Server) startCrawler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.control.StartCrawler())
}

func (s *Server) getQueueStatistics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.control.QueueStatistics())
}

// listQueueJobs handles GET /v1/queue/jobs?status=.
func (s *Server) listQueueJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.control.QueueJobs(strings.TrimSpace(r.URL.Query().Get("status")))
	if err != nil {
		s.writeControlError(w, "list queue jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type logsResponse struct {
	Logs   []crawler.LogEntry `json:"logs"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// listLogs handles GET /v1/logs?limit=&offset=&level=&source=&search=&start_date=&end_date=.
func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	q, err := parseLogQuery(r)
	if err != nil {
		s.writeControlError(w, "parse log query", err)
		return
	}
	entries, total, err := s.control.CrawlerLogs(q)
	if err != nil {
		s.writeControlError(w, "list logs", err)
		return
	}
	writeJSON(w, http.StatusOK, newLogsResponse(entries, total, q))
}

// listLogHistory handles GET /v1/logs/history with the same filters, served
// from the durable log store. It returns 503 when no store is configured.
func (s *Server) listLogHistory(w http.ResponseWriter, r *http.Request) {
	q, err := parseLogQuery(r)
	if err != nil {
		s.writeControlError(w, "parse log query", err)
		return
	}
	entries, total, err := s.control.LogHistory(r.Context(), q)
	if err != nil {
		s.writeControlError(w, "list log history", err)
		return
	}
	writeJSON(w, http.StatusOK, newLogsResponse(entries, total, q))
}

func newLogsResponse(entries []crawler.LogEntry, total int, q crawler.LogQuery) logsResponse {
	if entries == nil {
		entries = []crawler.LogEntry{}
	}
	return logsResponse{Logs: entries, Total: total, Limit: q.Limit, Offset: q.Offset}
}

func parseLogQuery(r *http.Request) (crawler.LogQuery, error) {
	q := r.URL.Query()
	var out crawler.LogQuery
	var err error
	if out.Limit, err = parseNonNegative(q.Get("limit"), "limit"); err != nil {
		return out, err
	}
	if out.Offset, err = parseNonNegative(q.Get("offset"), "offset"); err != nil {
		return out, err
	}
	if raw := q.Get("level"); raw != "" {
		level, ok := crawler.ParseLogLevel(raw)
		if !ok {
			return out, crawler.Invalid("level", "unknown value "+strconv.Quote(raw))
		}
		out.Level = level
	}
	out.Source = strings.TrimSpace(q.Get("source"))
	out.Search = strings.TrimSpace(q.Get("search"))
	if out.StartDate, err = parseTime(q.Get("start_date"), "start_date"); err != nil {
		return out, err
	}
	if out.EndDate, err = parseTime(q.Get("end_date"), "end_date"); err != nil {
		return out, err
	}
	return out, nil
}

func parseNonNegative(raw, field string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0, crawler.Invalid(field, "must be a non-negative integer")
	}
	return val, nil
}

func parseTime(raw, field string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, crawler.Invalid(field, "must be an RFC 3339 timestamp")
	}
	return &ts, nil
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.control.DataSources()})
}

// patchSource handles PATCH /v1/sources/{source_id}. Unknown keys are rejected.
func (s *Server) patchSource(w http.ResponseWriter, r *http.Request) {
	patch, err := crawler.DecodeSourcePatch(r.Body)
	if err != nil {
		s.writeControlError(w, "decode source patch", err)
		return
	}
	updated, err := s.control.UpdateDataSource(chi.URLParam(r, "source_id"), patch)
	if err != nil {
		s.writeControlError(w, "update source", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// testSource handles POST /v1/sources/{source_id}/test. A failed probe is
// still a 200; the outcome carries the error.
func (s *Server) testSource(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.control.TestDataSourceConnection(r.Context(), chi.URLParam(r, "source_id"))
	if err != nil {
		s.writeControlError(w, "test source", err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) getSourceHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.control.SourceHealth(chi.URLParam(r, "source_id"))
	if err != nil {
		s.writeControlError(w, "load source health", err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}
