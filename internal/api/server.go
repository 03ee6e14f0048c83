package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/econcrawl/internal/config"
	"github.com/JakeFAU/econcrawl/internal/control"
	"github.com/JakeFAU/econcrawl/internal/crawler"
	"github.com/JakeFAU/econcrawl/internal/dispatcher"
	"github.com/JakeFAU/econcrawl/internal/metrics"
)

// Control is the operation set served over HTTP.
type Control interface {
	CrawlerStatus() crawler.CrawlerStatus
	QueueStatistics() crawler.QueueStatistics
	QueueJobs(status string) ([]crawler.CrawlJob, error)
	CrawlerLogs(q crawler.LogQuery) ([]crawler.LogEntry, int, error)
	LogHistory(ctx context.Context, q crawler.LogQuery) ([]crawler.LogEntry, int, error)
	DataSources() []crawler.DataSource
	CrawlerConfig() crawler.Settings
	TriggerCrawl(ctx context.Context, req dispatcher.TriggerRequest) ([]crawler.CrawlJob, error)
	StopCrawler() crawler.CrawlerStatus
	StartCrawler() crawler.CrawlerStatus
	UpdateCrawlerConfig(patch crawler.SettingsPatch) (crawler.Settings, error)
	UpdateDataSource(id string, patch crawler.SourcePatch) (crawler.DataSource, error)
	TestDataSourceConnection(ctx context.Context, id string) (crawler.Outcome, error)
	SourceHealth(id string) (crawler.SourceHealth, error)
}

// ReadyCheck reports whether a downstream dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Server wires HTTP handlers to the control service.
type Server struct {
	router  chi.Router
	control Control
	ready   map[string]ReadyCheck
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(ctl Control, cfg config.Config, ready map[string]ReadyCheck, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		control: ctl,
		ready:   ready,
		logger:  logger,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/crawler", func(r chi.Router) {
			r.Get("/status", s.getStatus)
			r.Get("/config", s.getConfig)
			r.Patch("/config", s.patchConfig)
			r.Post("/trigger", s.triggerCrawl)
			r.Post("/stop", s.stopCrawler)
			r.Post("/start", s.startCrawler)
		})
		r.Route("/queue", func(r chi.Router) {
			r.Get("/statistics", s.getQueueStatistics)
			r.Get("/jobs", s.listQueueJobs)
		})
		r.Route("/logs", func(r chi.Router) {
			r.Get("/", s.listLogs)
			r.Get("/history", s.listLogHistory)
		})
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.listSources)
			r.Route("/{source_id}", func(r chi.Router) {
				r.Patch("/", s.patchSource)
				r.Post("/test", s.testSource)
				r.Get("/health", s.getSourceHealth)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failing := map[string]string{}
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failing", failing))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failing": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out","code":"timeout"}`)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	want := []byte(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), want) != 1 {
				writeError(w, http.StatusForbidden, codeUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Error codes carried in the JSON error body.
const (
	codeValidation         = "validation_error"
	codeNotFound           = "not_found"
	codeQueueFull          = "queue_full"
	codeMaintenance        = "maintenance_mode"
	codeDisabled           = "crawler_disabled"
	codeHistoryUnavailable = "history_unavailable"
	codeUnauthorized       = "unauthorized"
	codeInternal           = "internal_error"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeControlError maps control-plane errors onto HTTP statuses.
func (s *Server) writeControlError(w http.ResponseWriter, op string, err error) {
	var vErr *crawler.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, codeValidation, vErr.Error())
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, crawler.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, codeQueueFull, err.Error())
	case errors.Is(err, crawler.ErrMaintenanceMode):
		writeError(w, http.StatusConflict, codeMaintenance, crawler.ErrMaintenanceMode.Error())
	case errors.Is(err, crawler.ErrCrawlerDisabled):
		writeError(w, http.StatusConflict, codeDisabled, crawler.ErrCrawlerDisabled.Error())
	case errors.Is(err, control.ErrHistoryUnavailable):
		writeError(w, http.StatusServiceUnavailable, codeHistoryUnavailable, err.Error())
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to "+op)
	}
}
