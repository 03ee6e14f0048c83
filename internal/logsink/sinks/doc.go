// Package sinks implements concrete log consumers: structured process logs,
// Prometheus counters and repository-backed storage. Each sink satisfies
// logsink.Sink and is safe for repeated Consume/Close cycles.
package sinks
