package logsink

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

// Query limits.
const (
	DefaultMaxEntries = 10000
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Stream is the append-only crawl log. The newest MaxEntries are kept in memory.
type Stream struct {
	mu      sync.RWMutex
	entries []crawler.LogEntry // ring buffer
	start   int
	size    int

	ids     crawler.IDGenerator
	clock   crawler.Clock
	emitter Emitter
	logger  *zap.Logger
}

// NewStream builds a Stream. emitter may be nil.
func NewStream(maxEntries int, ids crawler.IDGenerator, clock crawler.Clock, emitter Emitter, logger *zap.Logger) *Stream {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		entries: make([]crawler.LogEntry, maxEntries),
		ids:     ids,
		clock:   clock,
		emitter: emitter,
		logger:  logger,
	}
}

// Append stamps id and timestamp, stores the entry and forwards it to the
// emitter. The stored entry is returned.
func (s *Stream) Append(entry crawler.LogEntry) crawler.LogEntry {
	if entry.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			s.logger.Error("generate log entry id", zap.Error(err))
		}
		entry.ID = id
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now()
	}
	if entry.Status == "" {
		entry.Status = crawler.LogPending
	}
	entry.Details = cloneDetails(entry.Details)

	s.mu.Lock()
	if s.size < len(s.entries) {
		s.entries[(s.start+s.size)%len(s.entries)] = entry
		s.size++
	} else {
		s.entries[s.start] = entry
		s.start = (s.start + 1) % len(s.entries)
	}
	s.mu.Unlock()

	if s.emitter != nil {
		s.emitter.Emit(entry)
	}
	return entry
}

// Query returns matching entries newest first, paged by limit and offset,
// plus the number of matches before paging.
func (s *Stream) Query(q crawler.LogQuery) ([]crawler.LogEntry, int) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	offset := max(q.Offset, 0)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]crawler.LogEntry, 0, min(limit, s.size))
	total := 0
	for i := s.size - 1; i >= 0; i-- {
		entry := s.entries[(s.start+i)%len(s.entries)]
		if !q.Matches(entry) {
			continue
		}
		if total >= offset && len(out) < limit {
			out = append(out, entry)
		}
		total++
	}
	return out, total
}

// Len reports how many entries are retained.
func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func cloneDetails(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
