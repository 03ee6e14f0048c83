package store

import (
	"context"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

// LogRepository persists crawl log entries beyond the in-memory ring.
type LogRepository interface {
	// InsertLogs writes a batch; re-inserting an existing id is a no-op.
	InsertLogs(ctx context.Context, entries []crawler.LogEntry) error
	// ListLogs returns entries newest first plus the total matching count.
	ListLogs(ctx context.Context, q crawler.LogQuery) ([]crawler.LogEntry, int, error)
}
