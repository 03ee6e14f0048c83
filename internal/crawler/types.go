package crawler

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values tracked by the work queue.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// HealthStatus is the advisory reliability classification of a source.
type HealthStatus string

// Health status values.
const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"
)

// Trigger records why a job was created.
type Trigger string

// Trigger values.
const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// Payload formats understood by the executor.
const (
	FormatJSON = "json"
	FormatRaw  = "raw"
)

// TargetPlaceholder is replaced with the job target inside DataSource.Endpoint.
const TargetPlaceholder = "{target}"

// DataSource is the per-source configuration and its derived health fields.
type DataSource struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Enabled        bool         `json:"enabled"`
	Priority       int          `json:"priority"`
	RateLimit      int          `json:"rate_limit"`
	RetryAttempts  int          `json:"retry_attempts"`
	TimeoutSeconds int          `json:"timeout_seconds"`
	HealthStatus   HealthStatus `json:"health_status"`
	LastSuccess    *time.Time   `json:"last_success"`
	LastError      *string      `json:"last_error"`

	Endpoint    string   `json:"-"`
	Format      string   `json:"-"`
	Targets     []string `json:"-"`
	ProbeTarget string   `json:"-"`

	// InheritsTimeout and InheritsRetries mark values taken from the global
	// defaults; they follow default_timeout and default_retry_attempts until
	// the source sets its own.
	InheritsTimeout bool `json:"-"`
	InheritsRetries bool `json:"-"`
}

// Timeout returns the hard per-attempt deadline.
func (s DataSource) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ExpandTarget replaces every TargetPlaceholder in an endpoint template with
// target. The target is path-escaped before the query string and
// query-escaped inside it.
func ExpandTarget(template, target string) string {
	query := strings.IndexByte(template, '?')
	var b strings.Builder
	rest := template
	offset := 0
	for {
		i := strings.Index(rest, TargetPlaceholder)
		if i < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:i])
		if query >= 0 && offset+i > query {
			b.WriteString(url.QueryEscape(target))
		} else {
			b.WriteString(url.PathEscape(target))
		}
		rest = rest[i+len(TargetPlaceholder):]
		offset += i + len(TargetPlaceholder)
	}
}

// Clone returns a deep copy so callers can hold a stable snapshot.
func (s DataSource) Clone() DataSource {
	out := s
	if s.LastSuccess != nil {
		ts := *s.LastSuccess
		out.LastSuccess = &ts
	}
	if s.LastError != nil {
		msg := *s.LastError
		out.LastError = &msg
	}
	out.Targets = append([]string(nil), s.Targets...)
	return out
}

// CrawlJob is one unit of crawl work for a source and series.
type CrawlJob struct {
	ID            string     `json:"id"`
	SourceID      string     `json:"source_id"`
	Target        string     `json:"target"`
	Priority      int        `json:"priority"`
	Status        JobStatus  `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	LastError     *string    `json:"last_error"`
	Trigger       Trigger    `json:"trigger"`
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	WorkerID      string     `json:"worker_id,omitempty"`
	PayloadURI    string     `json:"payload_uri,omitempty"`

	// Seq is assigned by the queue and breaks CreatedAt ties.
	Seq uint64 `json:"-"`
}

// Settings is the global crawler configuration object.
type Settings struct {
	GlobalEnabled        bool              `json:"global_enabled" mapstructure:"global_enabled"`
	MaxWorkers           int               `json:"max_workers" mapstructure:"max_workers"`
	QueueSizeLimit       int               `json:"queue_size_limit" mapstructure:"queue_size_limit"`
	DefaultTimeout       int               `json:"default_timeout" mapstructure:"default_timeout"`
	DefaultRetryAttempts int               `json:"default_retry_attempts" mapstructure:"default_retry_attempts"`
	RateLimitGlobal      int               `json:"rate_limit_global" mapstructure:"rate_limit_global"`
	ScheduleFrequency    ScheduleFrequency `json:"schedule_frequency" mapstructure:"schedule_frequency"`
	ErrorThreshold       float64           `json:"error_threshold" mapstructure:"error_threshold"`
	MaintenanceMode      bool              `json:"maintenance_mode" mapstructure:"maintenance_mode"`
}

// ScheduleFrequency enumerates recurring crawl cadences.
type ScheduleFrequency string

// Supported schedule frequencies.
const (
	Every15Minutes ScheduleFrequency = "every_15_minutes"
	Hourly         ScheduleFrequency = "hourly"
	Every4Hours    ScheduleFrequency = "every_4_hours"
	Daily          ScheduleFrequency = "daily"
	Weekly         ScheduleFrequency = "weekly"
)

// Valid reports whether f is a known frequency.
func (f ScheduleFrequency) Valid() bool {
	switch f {
	case Every15Minutes, Hourly, Every4Hours, Daily, Weekly:
		return true
	default:
		return false
	}
}

// QueueStatistics summarizes the work queue.
type QueueStatistics struct {
	TotalItems            int        `json:"total_items"`
	PendingItems          int        `json:"pending_items"`
	ProcessingItems       int        `json:"processing_items"`
	CompletedItems        int        `json:"completed_items"`
	FailedItems           int        `json:"failed_items"`
	RetryingItems         int        `json:"retrying_items"`
	OldestPending         *time.Time `json:"oldest_pending"`
	AverageProcessingTime float64    `json:"average_processing_time"`
	Capacity              int        `json:"capacity"`
}

// CrawlerStatus is the runtime state exposed through the control API.
type CrawlerStatus struct {
	IsRunning          bool       `json:"is_running"`
	ActiveWorkers      int        `json:"active_workers"`
	LastCrawl          *time.Time `json:"last_crawl"`
	NextScheduledCrawl *time.Time `json:"next_scheduled_crawl"`
	MaintenanceMode    bool       `json:"maintenance_mode"`
	GlobalEnabled      bool       `json:"global_enabled"`
	MaxWorkers         int        `json:"max_workers"`
}

// SourceHealth is the health monitor's view of one source.
type SourceHealth struct {
	SourceID            string       `json:"source_id"`
	Status              HealthStatus `json:"status"`
	WindowSize          int          `json:"window_size"`
	FailuresInWindow    int          `json:"failures_in_window"`
	FailureRate         float64      `json:"failure_rate"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastSuccess         *time.Time   `json:"last_success"`
	LastError           *string      `json:"last_error"`
}

// Outcome is the result of one crawl attempt.
type Outcome struct {
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"duration_ms"`
	StatusCode int           `json:"status_code,omitempty"`
	Err        error         `json:"-"`
	Error      string        `json:"error,omitempty"`
	PayloadURI string        `json:"payload_uri,omitempty"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID    string
	SourceID string
	URL      string
	Headers  http.Header
	Timeout  time.Duration
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// PayloadReady is published after a fetched payload has been stored.
type PayloadReady struct {
	JobID       string    `json:"job_id"`
	SourceID    string    `json:"source_id"`
	Target      string    `json:"target"`
	BlobURI     string    `json:"blob_uri"`
	ContentHash string    `json:"content_hash"`
	StatusCode  int       `json:"status_code"`
	FetchedAt   time.Time `json:"fetched_at"`
	Bytes       int       `json:"bytes"`
}

// RoutingAttributes returns message attributes used for subscription filters.
func (p PayloadReady) RoutingAttributes() map[string]string {
	return map[string]string{"source_id": p.SourceID, "target": p.Target}
}
