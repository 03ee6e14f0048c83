package logsink

import (
	"context"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

// Sink consumes batches of log entries. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []crawler.LogEntry) error
	Close(ctx context.Context) error
}

// Emitter publishes individual entries; Hub satisfies it.
type Emitter interface {
	Emit(entry crawler.LogEntry)
}
