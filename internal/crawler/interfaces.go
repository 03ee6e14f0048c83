package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlobStore writes raw payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes payload notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// LogAppender appends crawl events to the log stream.
type LogAppender interface {
	Append(entry LogEntry) LogEntry
}

// HealthRecorder receives one outcome per crawl attempt.
type HealthRecorder interface {
	Record(sourceID string, success bool, at time.Time, errText string) HealthStatus
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and log IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
