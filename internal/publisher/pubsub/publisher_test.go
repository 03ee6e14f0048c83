package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

// TestPublishWithoutClient fails fast instead of panicking.
func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "payloads", crawler.PayloadReady{})
	require.ErrorContains(t, err, "not configured")
}

// TestAttributes lifts routing keys from payload notifications.
func TestAttributes(t *testing.T) {
	t.Parallel()

	attrs := attributes(crawler.PayloadReady{SourceID: "fred", Target: "GDP"})
	require.Equal(t, map[string]string{"source_id": "fred", "target": "GDP"}, attrs)
	require.Nil(t, attributes("plain"))
}
