package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/felipepmaragno/llm-chat-proxy/internal/domain"
	"github.com/lib/pq"
)

const schema = `
	CREATE TABLE IF NOT EXISTS dispatch_log (
		id                  TEXT PRIMARY KEY,
		request_id          TEXT NOT NULL,
		model               TEXT NOT NULL,
		endpoint            TEXT NOT NULL DEFAULT '',
		outcome             TEXT NOT NULL,
		attempts            INTEGER NOT NULL,
		attempted_endpoints TEXT[] NOT NULL DEFAULT '{}',
		latency_ms          BIGINT NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS dispatch_log_created_at_idx ON dispatch_log (created_at DESC);
`

type PostgresDispatchLog struct {
	db *sql.DB
}

func NewPostgresDispatchLog(db *sql.DB) *PostgresDispatchLog {
	return &PostgresDispatchLog{db: db}
}

// Open connects to databaseURL and ensures the dispatch_log table exists.
func Open(ctx context.Context, databaseURL string) (*PostgresDispatchLog, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	l := NewPostgresDispatchLog(db)
	if err := l.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (r *PostgresDispatchLog) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create dispatch_log: %w", err)
	}
	return nil
}

func (r *PostgresDispatchLog) Record(ctx context.Context, rec domain.DispatchRecord) error {
	query := `
		INSERT INTO dispatch_log (id, request_id, model, endpoint, outcome, attempts, attempted_endpoints, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.RequestID,
		rec.Model,
		rec.Endpoint,
		rec.Outcome,
		rec.Attempts,
		pq.Array(nonNilEndpoints(rec.AttemptedEndpoints)),
		rec.LatencyMs,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch record: %w", err)
	}

	return nil
}

// nonNilEndpoints keeps attempted_endpoints NOT NULL: pq encodes a nil slice as NULL.
func nonNilEndpoints(endpoints []string) []string {
	if endpoints == nil {
		return []string{}
	}
	return endpoints
}

func (r *PostgresDispatchLog) Recent(ctx context.Context, limit int) ([]domain.DispatchRecord, error) {
	if limit <= 0 {
		limit = DefaultCapacity
	}

	query := `
		SELECT id, request_id, model, endpoint, outcome, attempts, attempted_endpoints, latency_ms, created_at
		FROM dispatch_log
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatch log: %w", err)
	}
	defer rows.Close()

	var records []domain.DispatchRecord
	for rows.Next() {
		var rec domain.DispatchRecord
		var endpoints pq.StringArray
		err := rows.Scan(
			&rec.ID,
			&rec.RequestID,
			&rec.Model,
			&rec.Endpoint,
			&rec.Outcome,
			&rec.Attempts,
			&endpoints,
			&rec.LatencyMs,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch record: %w", err)
		}
		rec.AttemptedEndpoints = []string(endpoints)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Ping is used by the readiness check.
func (r *PostgresDispatchLog) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresDispatchLog) Close() error {
	return r.db.Close()
}
