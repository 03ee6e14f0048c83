package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

// PrometheusSink counts log entries by source, level and status.
type PrometheusSink struct {
	entries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_log_entries_total",
			Help: "Crawl log entries partitioned by source, level and status.",
		}, []string{"source", "level", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_log_entry_duration_seconds",
			Help:    "Durations reported on crawl log entries, by source and status.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"source", "status"}),
	}
	entries, err := register(reg, s.entries)
	if err != nil {
		return nil, err
	}
	duration, err := register(reg, s.duration)
	if err != nil {
		return nil, err
	}
	s.entries, s.duration = entries, duration
	return s, nil
}

// register adopts an identical collector already registered by an earlier App
// in the same process.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, fmt.Errorf("register log collector: %w", err)
}

// Consume updates the collectors.
func (s *PrometheusSink) Consume(_ context.Context, batch []crawler.LogEntry) error {
	for _, entry := range batch {
		source := entry.Source
		if source == "" {
			source = "crawler"
		}
		s.entries.WithLabelValues(source, string(entry.Level), string(entry.Status)).Inc()
		if entry.DurationMs != nil {
			s.duration.WithLabelValues(source, string(entry.Status)).Observe(float64(*entry.DurationMs) / 1000)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
