package crawler

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors surfaced through the control API.
var (
	ErrNotFound        = errors.New("not found")
	ErrQueueFull       = errors.New("queue full")
	ErrMaintenanceMode = errors.New("crawler is in maintenance mode")
	ErrCrawlerDisabled = errors.New("crawler is globally disabled")
	ErrSourceDisabled  = errors.New("source disabled")
)

// ValidationError rejects a bad config patch or request before it reaches the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransientError indicates a network failure or a 5xx/408/429 response.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e TransientError) Error() string {
	return fmt.Errorf("transient: %w", e.Err).Error()
}

func (e TransientError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates the attempt exceeded the source timeout.
type TimeoutError struct {
	Err error
}

func (e TimeoutError) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e TimeoutError) Unwrap() error {
	return e.Err
}

// RejectedError indicates the source refused the request (4xx other than 408/429).
type RejectedError struct {
	StatusCode int
	Err        error
}

func (e RejectedError) Error() string {
	return fmt.Errorf("rejected: %w", e.Err).Error()
}

func (e RejectedError) Unwrap() error {
	return e.Err
}

// ParseError indicates a malformed response body.
type ParseError struct {
	Err error
}

func (e ParseError) Error() string {
	return fmt.Errorf("parse: %w", e.Err).Error()
}

func (e ParseError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a failed attempt may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var parseErr ParseError
	if errors.As(err, &parseErr) {
		return false
	}
	var rejected RejectedError
	if errors.As(err, &rejected) {
		return false
	}
	if errors.Is(err, ErrSourceDisabled) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// ErrorKind returns a low-cardinality label for metrics and log details.
func ErrorKind(err error) string {
	if err == nil {
		return "none"
	}
	var timeout TimeoutError
	if errors.As(err, &timeout) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var parseErr ParseError
	if errors.As(err, &parseErr) {
		return "parse"
	}
	var rejected RejectedError
	if errors.As(err, &rejected) {
		return "rejected"
	}
	var transient TransientError
	if errors.As(err, &transient) {
		if transient.StatusCode > 0 {
			return "http_status"
		}
		return "network"
	}
	return "unknown"
}
