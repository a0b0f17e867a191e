package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool. A CLI needs only a handful of connections.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 4
	config.MinConns = 0
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Debug().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS insight_queries (
	id           TEXT PRIMARY KEY,
	oid          TEXT NOT NULL,
	query        TEXT NOT NULL,
	stream       TEXT NOT NULL DEFAULT '',
	mode         TEXT NOT NULL,
	rows         INTEGER NOT NULL DEFAULT 0,
	billed_units BIGINT NOT NULL DEFAULT 0,
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS insight_queries_created_at ON insight_queries (created_at DESC);
CREATE TABLE IF NOT EXISTS insight_jobs (
	job_id       TEXT PRIMARY KEY,
	oid          TEXT NOT NULL,
	query        TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	result_url   TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);`

// Migrate creates the audit tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating audit tables: %w", err)
	}
	return nil
}

// LogQuery inserts a query record into the audit log.
func (db *DB) LogQuery(ctx context.Context, rec *QueryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO insight_queries (id, oid, query, stream, mode, rows,
			billed_units, duration_ms, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := db.pool.Exec(ctx, query,
		rec.ID, rec.OID, truncateForDB(rec.Query, 65535), rec.Stream, rec.Mode,
		rec.Rows, rec.BilledUnits, rec.DurationMS, rec.Status,
		truncateForDB(rec.Error, 4096), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting query record: %w", err)
	}
	return nil
}

// UpsertJob records the latest observed state of a download job.
func (db *DB) UpsertJob(ctx context.Context, job *JobRecord) error {
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	query := `
		INSERT INTO insight_jobs (job_id, oid, query, status, result_url, error,
			created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			result_url = EXCLUDED.result_url,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at,
			query = CASE WHEN EXCLUDED.query = '' THEN insight_jobs.query ELSE EXCLUDED.query END`

	_, err := db.pool.Exec(ctx, query,
		job.JobID, job.OID, truncateForDB(job.Query, 65535), job.Status,
		job.ResultURL, truncateForDB(job.Error, 4096),
		job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting job %s: %w", job.JobID, err)
	}
	return nil
}

// ListQueries returns audited queries, newest first.
func (db *DB) ListQueries(ctx context.Context, filter ListFilter) ([]QueryRecord, error) {
	query := `
		SELECT id, oid, query, stream, mode, rows, billed_units, duration_ms,
			status, error, created_at
		FROM insight_queries
		WHERE ($1 = '' OR oid = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := db.pool.Query(ctx, query,
		filter.OID, filter.Status, filter.Since, filter.limit(), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var results []QueryRecord
	for rows.Next() {
		var rec QueryRecord
		if err := rows.Scan(
			&rec.ID, &rec.OID, &rec.Query, &rec.Stream, &rec.Mode, &rec.Rows,
			&rec.BilledUnits, &rec.DurationMS, &rec.Status, &rec.Error, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning query row: %w", err)
		}
		results = append(results, rec)
	}

	return results, rows.Err()
}

// ListJobs returns tracked download jobs, most recently updated first.
func (db *DB) ListJobs(ctx context.Context, filter ListFilter) ([]JobRecord, error) {
	query := `
		SELECT job_id, oid, query, status, result_url, error,
			created_at, updated_at, completed_at
		FROM insight_jobs
		WHERE ($1 = '' OR oid = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3::timestamptz IS NULL OR updated_at >= $3)
		ORDER BY updated_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := db.pool.Query(ctx, query,
		filter.OID, filter.Status, filter.Since, filter.limit(), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying job log: %w", err)
	}
	defer rows.Close()

	var results []JobRecord
	for rows.Next() {
		var job JobRecord
		if err := rows.Scan(
			&job.JobID, &job.OID, &job.Query, &job.Status, &job.ResultURL, &job.Error,
			&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		results = append(results, job)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
