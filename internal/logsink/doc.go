// Package logsink holds the crawl event stream read by the control API. Entries
// land in a bounded in-memory ring for queries and are fanned out
// asynchronously through a Hub to pluggable sinks such as structured process
// logs, Prometheus counters or a Postgres repository.
package logsink
