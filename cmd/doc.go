// Package cmd defines the econcrawl CLI.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics and the control operations (status, config,
//     trigger, stop/start, queue, logs, sources). Handlers delegate to internal/control.Service.
//   - Dispatcher & queue: crawl jobs live in a bounded in-memory priority queue sized by
//     crawler.queue_size_limit. One dispatch loop fills crawler.max_workers slots, admitting a job only when
//     its source's token bucket (and the optional global ceiling) allows it. Refused jobs stay pending.
//   - Fetch pipeline: workers run the Colly-based fetcher under the source's timeout, classify failures as
//     transient, timeout, rejected or parse errors, and retry with capped exponential backoff.
//   - Persistence & fanout: successful payloads are hashed and written to the configured BlobStore
//     (memory/local/GCS) and announced as PayloadReady on Pub/Sub when a project is configured.
//   - Crawl log: every attempt produces one LogEntry kept in a bounded ring and batched to zap, Prometheus
//     and, when db.dsn is set, Postgres.
//
// Quick checklist:
//   - Configure env vars: CRAWLER_SERVER_PORT, CRAWLER_CRAWLER_MAX_WORKERS, CRAWLER_CRAWLER_SCHEDULE_FREQUENCY,
//     storage (CRAWLER_STORAGE_*), pubsub (CRAWLER_PUBSUB_*), CRAWLER_DB_DSN, and source API keys such as
//     FRED_API_KEY referenced from endpoint templates.
//   - Run locally: go run . serve --config config.yaml
//   - Check a source: go run . probe fred
package cmd
