package crawler

import (
	"strings"
	"time"
)

// LogLevel is the severity of a LogEntry.
type LogLevel string

// Log levels, in increasing severity.
const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// ParseLogLevel validates a level string.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch lvl := LogLevel(strings.ToLower(strings.TrimSpace(s))); lvl {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return lvl, true
	default:
		return "", false
	}
}

// LogStatus is the outcome recorded on a LogEntry.
type LogStatus string

// Log statuses.
const (
	LogSuccess LogStatus = "success"
	LogFailed  LogStatus = "failed"
	LogPending LogStatus = "pending"
)

// LogEntry is an immutable crawl event. The JSON shape is consumed by the admin UI.
type LogEntry struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Level      LogLevel       `json:"level"`
	Source     string         `json:"source"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
	Status     LogStatus      `json:"status"`
}

// LogQuery filters LogEntry reads. Zero values mean "any".
type LogQuery struct {
	Limit     int
	Offset    int
	Level     LogLevel
	Source    string
	Search    string
	StartDate *time.Time
	EndDate   *time.Time
}

// Matches reports whether entry satisfies the filter (limit/offset excluded).
func (q LogQuery) Matches(entry LogEntry) bool {
	if q.Level != "" && entry.Level != q.Level {
		return false
	}
	if q.Source != "" && entry.Source != q.Source {
		return false
	}
	if q.StartDate != nil && entry.Timestamp.Before(*q.StartDate) {
		return false
	}
	if q.EndDate != nil && entry.Timestamp.After(*q.EndDate) {
		return false
	}
	if q.Search != "" && !strings.Contains(strings.ToLower(entry.Message), strings.ToLower(q.Search)) {
		return false
	}
	return true
}

// DurationPtr converts a duration to the millisecond pointer used on LogEntry.
func DurationPtr(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}
