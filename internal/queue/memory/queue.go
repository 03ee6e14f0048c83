// Package memory provides the bounded, priority-ordered work queue.
package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Queue owns every crawl job from enqueue until it is pruned. Capacity counts
// jobs in every status, so finished jobs hold their slot until Prune.
type Queue struct {
	mu       sync.Mutex
	clock    crawler.Clock
	capacity int
	jobs     map[string]*crawler.CrawlJob
	seq      uint64
	closed   bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int, clock crawler.Clock) *Queue {
	return &Queue{
		clock:    clock,
		capacity: capacity,
		jobs:     make(map[string]*crawler.CrawlJob),
	}
}

// Enqueue adds a pending job or returns crawler.ErrQueueFull.
func (q *Queue) Enqueue(job crawler.CrawlJob) error {
	return q.EnqueueAll([]crawler.CrawlJob{job})
}

// EnqueueAll adds every job or none of them.
func (q *Queue) EnqueueAll(jobs []crawler.CrawlJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if len(q.jobs)+len(jobs) > q.capacity {
		return fmt.Errorf("enqueue %d job(s) with %d/%d used: %w", len(jobs), len(q.jobs), q.capacity, crawler.ErrQueueFull)
	}
	for _, job := range jobs {
		if job.ID == "" {
			return fmt.Errorf("enqueue: job id is required")
		}
		if _, exists := q.jobs[job.ID]; exists {
			return fmt.Errorf("enqueue: duplicate job id %q", job.ID)
		}
	}
	for _, job := range jobs {
		q.seq++
		stored := job
		stored.Status = crawler.JobStatusPending
		stored.Seq = q.seq
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = q.clock.Now()
		}
		q.jobs[stored.ID] = &stored
	}
	return nil
}

// PeekReady returns pending jobs eligible at now, ordered by priority, then
// created_at, then insertion order. Nothing is removed.
func (q *Queue) PeekReady(now time.Time) []crawler.CrawlJob {
	q.mu.Lock()
	ready := make([]crawler.CrawlJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		if job.Status != crawler.JobStatusPending {
			continue
		}
		if job.ScheduledFor == nil || !job.ScheduledFor.After(now) {
			ready = append(ready, *job)
		}
	}
	q.mu.Unlock()

	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
	return ready
}

// Mark moves a job to status, enforcing the job state machine. Entering
// processing counts an attempt; entering a terminal status stamps finished_at.
func (q *Queue) Mark(jobID string, status crawler.JobStatus, errText string) (crawler.CrawlJob, error) {
	return q.transition(jobID, status, errText, nil)
}

// Claim marks a pending job processing on behalf of a worker.
func (q *Queue) Claim(jobID, workerID string) (crawler.CrawlJob, error) {
	return q.transition(jobID, crawler.JobStatusProcessing, "", func(job *crawler.CrawlJob) {
		job.WorkerID = workerID
	})
}

// Complete marks a processing job completed and records where its payload went.
func (q *Queue) Complete(jobID, payloadURI string) (crawler.CrawlJob, error) {
	return q.transition(jobID, crawler.JobStatusCompleted, "", func(job *crawler.CrawlJob) {
		job.PayloadURI = payloadURI
	})
}

// ScheduleRetry marks a processing job retrying until at.
func (q *Queue) ScheduleRetry(jobID string, at time.Time, errText string) (crawler.CrawlJob, error) {
	return q.transition(jobID, crawler.JobStatusRetrying, errText, func(job *crawler.CrawlJob) {
		next := at
		job.NextAttemptAt = &next
	})
}

func (q *Queue) transition(
	jobID string,
	status crawler.JobStatus,
	errText string,
	mutate func(*crawler.CrawlJob),
) (crawler.CrawlJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("job %q: %w", jobID, crawler.ErrNotFound)
	}
	if !crawler.CanTransition(job.Status, status) {
		return crawler.CrawlJob{}, fmt.Errorf("job %q: invalid transition %s -> %s", jobID, job.Status, status)
	}

	now := q.clock.Now()
	switch status {
	case crawler.JobStatusProcessing:
		job.AttemptCount++
		job.StartedAt = &now
		job.FinishedAt = nil
	case crawler.JobStatusCompleted, crawler.JobStatusFailed:
		job.FinishedAt = &now
	}
	job.NextAttemptAt = nil
	if status != crawler.JobStatusProcessing {
		job.WorkerID = ""
	}
	if errText != "" {
		msg := errText
		job.LastError = &msg
	}
	job.Status = status
	if mutate != nil {
		mutate(job)
	}
	return *job, nil
}

// DueRetries returns retrying jobs whose backoff has elapsed, oldest deadline first.
func (q *Queue) DueRetries(now time.Time) []crawler.CrawlJob {
	q.mu.Lock()
	var due []crawler.CrawlJob
	for _, job := range q.jobs {
		if job.Status == crawler.JobStatusRetrying && job.NextAttemptAt != nil && !job.NextAttemptAt.After(now) {
			due = append(due, *job)
		}
	}
	q.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(*due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(*due[j].NextAttemptAt)
		}
		return due[i].Seq < due[j].Seq
	})
	return due
}

// Get returns a copy of one job.
func (q *Queue) Get(jobID string) (crawler.CrawlJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("job %q: %w", jobID, crawler.ErrNotFound)
	}
	return *job, nil
}

// List returns jobs with the given status (all when empty), oldest first.
func (q *Queue) List(status crawler.JobStatus) []crawler.CrawlJob {
	q.mu.Lock()
	out := make([]crawler.CrawlJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		if status == "" || job.Status == status {
			out = append(out, *job)
		}
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Stats recomputes the queue statistics under the lock, so the status counts
// always sum to the total.
func (q *Queue) Stats() crawler.QueueStatistics {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := crawler.QueueStatistics{TotalItems: len(q.jobs), Capacity: q.capacity}
	var finished int
	var totalProcessing time.Duration
	for _, job := range q.jobs {
		switch job.Status {
		case crawler.JobStatusPending:
			stats.PendingItems++
			if stats.OldestPending == nil || job.CreatedAt.Before(*stats.OldestPending) {
				created := job.CreatedAt
				stats.OldestPending = &created
			}
		case crawler.JobStatusProcessing:
			stats.ProcessingItems++
		case crawler.JobStatusCompleted:
			stats.CompletedItems++
		case crawler.JobStatusFailed:
			stats.FailedItems++
		case crawler.JobStatusRetrying:
			stats.RetryingItems++
		}
		if job.Status.Terminal() && job.StartedAt != nil && job.FinishedAt != nil {
			finished++
			totalProcessing += job.FinishedAt.Sub(*job.StartedAt)
		}
	}
	if finished > 0 {
		stats.AverageProcessingTime = float64(totalProcessing.Milliseconds()) / float64(finished)
	}
	return stats
}

// SetCapacity changes the bound. Shrinking below the current size only blocks
// new enqueues until jobs are pruned.
func (q *Queue) SetCapacity(capacity int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.capacity = capacity
}

// Prune removes completed and failed jobs that finished before cutoff.
func (q *Queue) Prune(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, job := range q.jobs {
		if job.Status.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed++
		}
	}
	return removed
}

// Close rejects further enqueues. Jobs already queued remain readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
