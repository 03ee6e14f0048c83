// Package schedule fires recurring crawls on the configured schedule_frequency.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

var specs = map[crawler.ScheduleFrequency]string{
	crawler.Every15Minutes: "@every 15m",
	crawler.Hourly:         "@hourly",
	crawler.Every4Hours:    "0 */4 * * *",
	crawler.Daily:          "@daily",
	crawler.Weekly:         "@weekly",
}

// Spec returns the cron expression for a frequency.
func Spec(freq crawler.ScheduleFrequency) (string, error) {
	spec, ok := specs[freq]
	if !ok {
		return "", crawler.Invalid("schedule_frequency", fmt.Sprintf("unknown value %q", freq))
	}
	return spec, nil
}

// Trigger enqueues one scheduled crawl.
type Trigger interface {
	TriggerScheduled(ctx context.Context)
}

// Schedule owns a cron runner with a single entry.
type Schedule struct {
	mu       sync.Mutex
	cron     *cron.Cron
	parser   cron.Parser
	entry    cron.EntryID
	schedule cron.Schedule
	freq     crawler.ScheduleFrequency
	trigger  Trigger
	ctx      context.Context
	logger   *zap.Logger
}

// New registers the trigger at freq. Nothing fires until Run.
func New(trigger Trigger, freq crawler.ScheduleFrequency, logger *zap.Logger) (*Schedule, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Schedule{
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		parser:  parser,
		trigger: trigger,
		ctx:     context.Background(),
		logger:  logger,
	}
	if err := s.Reschedule(freq); err != nil {
		return nil, err
	}
	return s, nil
}

// Run starts the cron runner and blocks until ctx is done. A firing that is
// still enqueueing when ctx ends is awaited.
func (s *Schedule) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("crawl schedule started", zap.String("frequency", string(s.Frequency())))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Reschedule replaces the cron entry. Unchanged frequencies are a no-op.
func (s *Schedule) Reschedule(freq crawler.ScheduleFrequency) error {
	spec, err := Spec(freq)
	if err != nil {
		return err
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse cron spec %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry != 0 && freq == s.freq {
		return nil
	}
	if s.entry != 0 {
		s.cron.Remove(s.entry)
	}
	s.entry = s.cron.Schedule(sched, cron.FuncJob(s.fire))
	s.schedule = sched
	s.freq = freq
	s.logger.Info("crawl schedule set",
		zap.String("frequency", string(freq)),
		zap.String("spec", spec),
		zap.Time("next_run", sched.Next(time.Now())),
	)
	return nil
}

// Next returns the next firing time.
func (s *Schedule) Next() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cron.Entry(s.entry).Next
	if next.IsZero() {
		next = s.schedule.Next(time.Now())
	}
	return &next
}

// Frequency returns the active frequency.
func (s *Schedule) Frequency() crawler.ScheduleFrequency {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freq
}

func (s *Schedule) fire() {
	s.mu.Lock()
	ctx := s.ctx
	freq := s.freq
	s.mu.Unlock()
	s.logger.Info("scheduled crawl firing", zap.String("frequency", string(freq)))
	s.trigger.TriggerScheduled(ctx)
}
