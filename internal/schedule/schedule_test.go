package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

type countingTrigger struct{ n atomic.Int32 }

func (c *countingTrigger) TriggerScheduled(context.Context) { c.n.Add(1) }

// TestSpecCoversEveryFrequency maps each frequency onto a parseable spec.
func TestSpecCoversEveryFrequency(t *testing.T) {
	t.Parallel()

	for _, freq := range []crawler.ScheduleFrequency{
		crawler.Every15Minutes, crawler.Hourly, crawler.Every4Hours, crawler.Daily, crawler.Weekly,
	} {
		s, err := New(&countingTrigger{}, freq, nil)
		require.NoError(t, err, freq)
		require.Equal(t, freq, s.Frequency())
	}

	_, err := Spec("monthly")
	var vErr *crawler.ValidationError
	require.ErrorAs(t, err, &vErr)
	_, err = New(&countingTrigger{}, "monthly", nil)
	require.Error(t, err)
}

// TestNextFollowsFrequency reports the upcoming firing and moves on reschedule.
func TestNextFollowsFrequency(t *testing.T) {
	t.Parallel()

	s, err := New(&countingTrigger{}, crawler.Every15Minutes, nil)
	require.NoError(t, err)
	next := s.Next()
	require.NotNil(t, next)
	require.WithinDuration(t, time.Now().Add(15*time.Minute), *next, 5*time.Second)

	require.NoError(t, s.Reschedule(crawler.Weekly))
	require.Equal(t, crawler.Weekly, s.Frequency())
	weekly := s.Next()
	require.True(t, weekly.After(time.Now()))
	require.Equal(t, time.Sunday, weekly.Weekday())
	require.Len(t, s.cron.Entries(), 1)

	require.Error(t, s.Reschedule("yearly"))
	require.Equal(t, crawler.Weekly, s.Frequency())
}

// TestRunStopsWithContext returns once ctx is cancelled.
func TestRunStopsWithContext(t *testing.T) {
	t.Parallel()

	s, err := New(&countingTrigger{}, crawler.Hourly, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return !s.cron.Entry(s.entry).Next.IsZero() }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("schedule did not stop")
	}
}

// TestFireCallsTrigger forwards a firing to the dispatcher.
func TestFireCallsTrigger(t *testing.T) {
	t.Parallel()

	trigger := &countingTrigger{}
	s, err := New(trigger, crawler.Daily, nil)
	require.NoError(t, err)
	s.fire()
	require.Equal(t, int32(1), trigger.n.Load())
}
