package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/econcrawl/internal/crawler"
	"github.com/JakeFAU/econcrawl/internal/store"
)

// StoreSink persists batches through a store.LogRepository.
type StoreSink struct {
	repo store.LogRepository
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.LogRepository) *StoreSink {
	return &StoreSink{repo: repo}
}

// Consume writes the batch in one call and returns repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []crawler.LogEntry) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	if err := s.repo.InsertLogs(ctx, batch); err != nil {
		return fmt.Errorf("insert logs: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
