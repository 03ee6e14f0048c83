package crawler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SourcePatch is a partial update of the operator-editable DataSource fields.
type SourcePatch struct {
	ID             *string `json:"id,omitempty"`
	Name           *string `json:"name,omitempty"`
	Enabled        *bool   `json:"enabled,omitempty"`
	Priority       *int    `json:"priority,omitempty"`
	RateLimit      *int    `json:"rate_limit,omitempty"`
	RetryAttempts  *int    `json:"retry_attempts,omitempty"`
	TimeoutSeconds *int    `json:"timeout_seconds,omitempty"`
}

// Apply returns src with the patch applied, validated.
func (p SourcePatch) Apply(src DataSource) (DataSource, error) {
	if p.ID != nil && *p.ID != src.ID {
		return DataSource{}, Invalid("id", "cannot be changed")
	}
	out := src.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.RateLimit != nil {
		out.RateLimit = *p.RateLimit
	}
	if p.RetryAttempts != nil {
		out.RetryAttempts = *p.RetryAttempts
		out.InheritsRetries = false
	}
	if p.TimeoutSeconds != nil {
		out.TimeoutSeconds = *p.TimeoutSeconds
		out.InheritsTimeout = false
	}
	if err := ValidateSource(out); err != nil {
		return DataSource{}, err
	}
	return out, nil
}

// ValidateSource checks the DataSource invariants.
func ValidateSource(src DataSource) error {
	switch {
	case strings.TrimSpace(src.ID) == "":
		return Invalid("id", "is required")
	case strings.TrimSpace(src.Name) == "":
		return Invalid("name", "is required")
	case src.Priority < 1:
		return Invalid("priority", "must be a positive integer")
	case src.RateLimit <= 0:
		return Invalid("rate_limit", "must be greater than zero")
	case src.RetryAttempts < 0:
		return Invalid("retry_attempts", "must not be negative")
	case src.TimeoutSeconds <= 0:
		return Invalid("timeout_seconds", "must be greater than zero")
	}
	return nil
}

// SettingsPatch is a partial update of the global Settings.
type SettingsPatch struct {
	GlobalEnabled        *bool              `json:"global_enabled,omitempty"`
	MaxWorkers           *int               `json:"max_workers,omitempty"`
	QueueSizeLimit       *int               `json:"queue_size_limit,omitempty"`
	DefaultTimeout       *int               `json:"default_timeout,omitempty"`
	DefaultRetryAttempts *int               `json:"default_retry_attempts,omitempty"`
	RateLimitGlobal      *int               `json:"rate_limit_global,omitempty"`
	ScheduleFrequency    *ScheduleFrequency `json:"schedule_frequency,omitempty"`
	ErrorThreshold       *float64           `json:"error_threshold,omitempty"`
	MaintenanceMode      *bool              `json:"maintenance_mode,omitempty"`
}

// Apply returns current with the patch applied, validated. max_workers may only
// change while maintenance mode is on, either already or in the same patch.
func (p SettingsPatch) Apply(current Settings) (Settings, error) {
	out := current
	if p.GlobalEnabled != nil {
		out.GlobalEnabled = *p.GlobalEnabled
	}
	if p.MaintenanceMode != nil {
		out.MaintenanceMode = *p.MaintenanceMode
	}
	if p.MaxWorkers != nil {
		if *p.MaxWorkers != current.MaxWorkers && !current.MaintenanceMode && !out.MaintenanceMode {
			return Settings{}, Invalid("max_workers", "can only change while maintenance_mode is enabled")
		}
		out.MaxWorkers = *p.MaxWorkers
	}
	if p.QueueSizeLimit != nil {
		out.QueueSizeLimit = *p.QueueSizeLimit
	}
	if p.DefaultTimeout != nil {
		out.DefaultTimeout = *p.DefaultTimeout
	}
	if p.DefaultRetryAttempts != nil {
		out.DefaultRetryAttempts = *p.DefaultRetryAttempts
	}
	if p.RateLimitGlobal != nil {
		out.RateLimitGlobal = *p.RateLimitGlobal
	}
	if p.ScheduleFrequency != nil {
		out.ScheduleFrequency = *p.ScheduleFrequency
	}
	if p.ErrorThreshold != nil {
		out.ErrorThreshold = *p.ErrorThreshold
	}
	if err := out.Validate(); err != nil {
		return Settings{}, err
	}
	return out, nil
}

// Validate checks the global configuration ranges.
func (s Settings) Validate() error {
	switch {
	case s.MaxWorkers <= 0:
		return Invalid("max_workers", "must be greater than zero")
	case s.QueueSizeLimit <= 0:
		return Invalid("queue_size_limit", "must be greater than zero")
	case s.DefaultTimeout <= 0:
		return Invalid("default_timeout", "must be greater than zero")
	case s.DefaultRetryAttempts < 0:
		return Invalid("default_retry_attempts", "must not be negative")
	case s.RateLimitGlobal < 0:
		return Invalid("rate_limit_global", "must not be negative")
	case !s.ScheduleFrequency.Valid():
		return Invalid("schedule_frequency", fmt.Sprintf("unknown value %q", s.ScheduleFrequency))
	case s.ErrorThreshold < 0 || s.ErrorThreshold > 100:
		return Invalid("error_threshold", "must be a percentage between 0 and 100")
	}
	return nil
}

// DecodeSourcePatch parses a JSON patch, rejecting unknown keys.
func DecodeSourcePatch(r io.Reader) (SourcePatch, error) {
	var patch SourcePatch
	if err := decodeStrict(r, &patch); err != nil {
		return SourcePatch{}, err
	}
	return patch, nil
}

// DecodeSettingsPatch parses a JSON patch, rejecting unknown keys.
func DecodeSettingsPatch(r io.Reader) (SettingsPatch, error) {
	var patch SettingsPatch
	if err := decodeStrict(r, &patch); err != nil {
		return SettingsPatch{}, err
	}
	return patch, nil
}

func decodeStrict(r io.Reader, dst any) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read patch: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return Invalid("", "patch body is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syntaxErr):
			return Invalid("", "malformed JSON")
		case errors.As(err, &typeErr):
			return Invalid(typeErr.Field, "wrong type")
		default:
			return Invalid("", strings.TrimPrefix(err.Error(), "json: "))
		}
	}
	return nil
}
