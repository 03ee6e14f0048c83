// Package crawler holds the domain model shared by every orchestration
// subsystem: data sources, crawl jobs and their state machine, queue and
// crawler status snapshots, log entries, the error taxonomy used to decide
// retries, and the small interfaces (Clock, IDGenerator, Fetcher, BlobStore,
// Publisher) that let the queue, dispatcher and executor be tested with fakes.
package crawler
