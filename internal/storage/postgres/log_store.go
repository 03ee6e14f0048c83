package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

const defaultLogTable = "crawl_logs"

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// LogStore implements store.LogRepository on Postgres.
type LogStore struct {
	pool  pool
	table string
}

// NewLogStore connects a pgx pool using the provided config.
func NewLogStore(ctx context.Context, cfg Config) (*LogStore, error) {
	table, err := tableName(cfg.Table, defaultLogTable)
	if err != nil {
		return nil, err
	}
	p, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &LogStore{pool: p, table: table}, nil
}

// NewLogStoreWithPool builds a store from an existing pool (primarily for testing).
func NewLogStoreWithPool(p pool, table string) (*LogStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table, defaultLogTable)
	if err != nil {
		return nil, err
	}
	return &LogStore{pool: p, table: name}, nil
}

var _ pool = (*pgxpool.Pool)(nil)

// Close releases the underlying pool resources.
func (s *LogStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *LogStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the log table and its timestamp index when missing.
func (s *LogStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id          TEXT PRIMARY KEY,
	ts          TIMESTAMPTZ NOT NULL,
	level       TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL,
	details     JSONB,
	duration_ms BIGINT,
	status      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_ts_idx ON %[1]s (ts DESC);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure log schema: %w", err)
	}
	return nil
}

// InsertLogs writes a batch with one multi-row statement. Existing ids are skipped.
func (s *LogStore) InsertLogs(ctx context.Context, entries []crawler.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	const cols = 8
	values := make([]string, 0, len(entries))
	args := make([]any, 0, len(entries)*cols)
	for i, entry := range entries {
		details, err := marshalDetails(entry.Details)
		if err != nil {
			return fmt.Errorf("marshal details for %s: %w", entry.ID, err)
		}
		placeholders := make([]string, cols)
		for c := range placeholders {
			placeholders[c] = fmt.Sprintf("$%d", i*cols+c+1)
		}
		values = append(values, "("+strings.Join(placeholders, ",")+")")
		args = append(args,
			entry.ID,
			entry.Timestamp,
			string(entry.Level),
			entry.Source,
			entry.Message,
			details,
			entry.DurationMs,
			string(entry.Status),
		)
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (id, ts, level, source, message, details, duration_ms, status) VALUES %s ON CONFLICT (id) DO NOTHING",
		s.table, strings.Join(values, ","),
	)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert logs: %w", err)
	}
	return nil
}

// ListLogs returns matching entries newest first plus the total match count.
func (s *LogStore) ListLogs(ctx context.Context, q crawler.LogQuery) ([]crawler.LogEntry, int, error) {
	where, args := buildFilter(q)

	var total int64
	countQuery := fmt.Sprintf("SELECT count(*) FROM %s%s", s.table, where)
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count logs: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, max(q.Offset, 0))
	listQuery := fmt.Sprintf(`SELECT id, ts, level, source, message, COALESCE(details::text, ''), COALESCE(duration_ms, -1), status
FROM %s%s ORDER BY ts DESC, id DESC LIMIT $%d OFFSET $%d`, s.table, where, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []crawler.LogEntry
	for rows.Next() {
		var (
			entry         crawler.LogEntry
			level, status string
			details       string
			duration      int64
		)
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &level, &entry.Source, &entry.Message, &details, &duration, &status); err != nil {
			return nil, 0, fmt.Errorf("scan log row: %w", err)
		}
		entry.Level = crawler.LogLevel(level)
		entry.Status = crawler.LogStatus(status)
		if duration >= 0 {
			d := duration
			entry.DurationMs = &d
		}
		if details != "" {
			if err := json.Unmarshal([]byte(details), &entry.Details); err != nil {
				return nil, 0, fmt.Errorf("decode details for %s: %w", entry.ID, err)
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate log rows: %w", err)
	}
	return out, int(total), nil
}

func buildFilter(q crawler.LogQuery) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if q.Level != "" {
		add("level = $%d", string(q.Level))
	}
	if q.Source != "" {
		add("source = $%d", q.Source)
	}
	if q.Search != "" {
		add("message ILIKE '%%' || $%d || '%%'", q.Search)
	}
	if q.StartDate != nil {
		add("ts >= $%d", *q.StartDate)
	}
	if q.EndDate != nil {
		add("ts <= $%d", *q.EndDate)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if len(details) == 0 {
		return nil, nil
	}
	return json.Marshal(details)
}
