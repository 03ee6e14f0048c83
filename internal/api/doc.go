// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/crawler/... for status, configuration, trigger, stop and start.
//   - /v1/queue/... and /v1/logs for queue statistics and the crawl log.
//   - /v1/sources/... for data source reads, patches, probes and health.
package api
