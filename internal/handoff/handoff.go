// Package handoff stores fetched payloads and notifies downstream parsers.
// Parsing and durable storage of economic records happen outside the
// orchestrator; this package is the boundary.
package handoff

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

// Config controls blob layout and notification topic.
type Config struct {
	ContentType string
	BlobPrefix  string
	Topic       string
}

// Handoff hashes, stores and announces successful fetch payloads.
type Handoff struct {
	blobStore crawler.BlobStore
	publisher crawler.Publisher
	hasher    crawler.Hasher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Handoff. publisher may be nil to skip notifications.
func New(
	blobStore crawler.BlobStore,
	publisher crawler.Publisher,
	hasher crawler.Hasher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Handoff {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	return &Handoff{
		blobStore: blobStore,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Deliver persists the payload and publishes a PayloadReady notification.
// It returns the blob URI.
func (h *Handoff) Deliver(ctx context.Context, job crawler.CrawlJob, resp crawler.FetchResponse) (string, error) {
	hash, err := h.hasher.Hash(resp.Body)
	if err != nil {
		return "", fmt.Errorf("hash body: %w", err)
	}

	fetchedAt := h.clock.Now()
	blobPath := h.buildBlobPath(job, hash, fetchedAt.Format("2006/01/02"))
	uri, err := h.blobStore.PutObject(ctx, blobPath, h.cfg.ContentType, bytes.NewReader(resp.Body))
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}

	if h.cfg.Topic == "" || h.publisher == nil {
		return uri, nil
	}
	msg := crawler.PayloadReady{
		JobID:       job.ID,
		SourceID:    job.SourceID,
		Target:      job.Target,
		BlobURI:     uri,
		ContentHash: hash,
		StatusCode:  resp.StatusCode,
		FetchedAt:   fetchedAt,
		Bytes:       len(resp.Body),
	}
	msgID, err := h.publisher.Publish(ctx, h.cfg.Topic, msg)
	if err != nil {
		return "", fmt.Errorf("publish payload: %w", err)
	}
	h.logger.Debug("payload published",
		zap.String("job_id", job.ID),
		zap.String("source", job.SourceID),
		zap.String("blob_uri", uri),
		zap.String("message_id", msgID),
	)
	return uri, nil
}

func (h *Handoff) buildBlobPath(job crawler.CrawlJob, hash, day string) string {
	target := url.PathEscape(job.Target)
	if target == "" {
		target = "_"
	}
	path := fmt.Sprintf("%s/%s/%s/%s.json", job.SourceID, target, day, hash)
	prefix := strings.Trim(h.cfg.BlobPrefix, "/")
	if prefix == "" {
		return path
	}
	return prefix + "/" + path
}
