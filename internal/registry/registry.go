// Package registry holds the per-source configuration used by the dispatcher,
// rate limiter and retry manager.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

// Registry is a concurrency-safe map of DataSource records. Every read returns a
// copy, so callers hold a snapshot that later updates cannot alter.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]crawler.DataSource
}

// New validates the sources and builds a Registry.
func New(sources []crawler.DataSource) (*Registry, error) {
	r := &Registry{sources: make(map[string]crawler.DataSource, len(sources))}
	for _, src := range sources {
		if err := crawler.ValidateSource(src); err != nil {
			return nil, fmt.Errorf("source %q: %w", src.ID, err)
		}
		if _, dup := r.sources[src.ID]; dup {
			return nil, fmt.Errorf("source %q: duplicate id", src.ID)
		}
		if src.HealthStatus == "" {
			src.HealthStatus = crawler.HealthHealthy
		}
		r.sources[src.ID] = src.Clone()
	}
	return r, nil
}

// Get returns a snapshot of one source.
func (r *Registry) Get(id string) (crawler.DataSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	if !ok {
		return crawler.DataSource{}, fmt.Errorf("source %q: %w", id, crawler.ErrNotFound)
	}
	return src.Clone(), nil
}

// List returns every source ordered by priority, then id.
func (r *Registry) List() []crawler.DataSource {
	r.mu.RLock()
	out := make([]crawler.DataSource, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, src.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update applies an operator patch. Jobs already dispatched keep the snapshot
// they were started with.
func (r *Registry) Update(id string, patch crawler.SourcePatch) (crawler.DataSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	if !ok {
		return crawler.DataSource{}, fmt.Errorf("source %q: %w", id, crawler.ErrNotFound)
	}
	updated, err := patch.Apply(src)
	if err != nil {
		return crawler.DataSource{}, err
	}
	r.sources[id] = updated
	return updated.Clone(), nil
}

// ApplyDefaults pushes new global defaults to sources that inherit them and
// returns the ids that changed. Jobs already dispatched keep their snapshot.
func (r *Registry) ApplyDefaults(timeoutSeconds, retryAttempts int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var changed []string
	for id, src := range r.sources {
		updated := src
		if src.InheritsTimeout && timeoutSeconds > 0 {
			updated.TimeoutSeconds = timeoutSeconds
		}
		if src.InheritsRetries && retryAttempts >= 0 {
			updated.RetryAttempts = retryAttempts
		}
		if updated.TimeoutSeconds != src.TimeoutSeconds || updated.RetryAttempts != src.RetryAttempts {
			r.sources[id] = updated
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed
}

// RecordHealth stores the health monitor's latest view of a source.
func (r *Registry) RecordHealth(id string, status crawler.HealthStatus, lastSuccess *time.Time, lastErr *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	if !ok {
		return
	}
	src.HealthStatus = status
	if lastSuccess != nil {
		ts := *lastSuccess
		src.LastSuccess = &ts
	}
	if lastErr != nil {
		msg := *lastErr
		src.LastError = &msg
	}
	r.sources[id] = src
}
