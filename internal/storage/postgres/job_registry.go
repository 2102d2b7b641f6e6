// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/warc-tiering/internal/jobs"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// JobRegistryConfig controls the Postgres connection pool used for job rows.
type JobRegistryConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobRegistry reads and recovers ingestion job rows.
type JobRegistry struct {
	pool  pool
	table string
}

// NewJobRegistry creates a Postgres-backed JobRegistry using the provided config.
func NewJobRegistry(ctx context.Context, cfg JobRegistryConfig) (*JobRegistry, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobRegistry{pool: p, table: table}, nil
}

// NewJobRegistryWithPool constructs a registry from an existing pool (primarily for testing).
func NewJobRegistryWithPool(p pool, table string) (*JobRegistry, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &JobRegistry{pool: p, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "ingest_jobs"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (r *JobRegistry) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

func (r *JobRegistry) columns() string {
	return "id, status, source_code, output_dir, started_at, last_progress_at, retry_count"
}

// List returns jobs matching q, oldest progress first.
func (r *JobRegistry) List(ctx context.Context, q jobs.Query) ([]jobs.Record, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE ($1 = '' OR status = $1)
  AND ($2 = '' OR source_code = $2)
  AND (cardinality($3::text[]) = 0 OR id = ANY($3))
ORDER BY COALESCE(last_progress_at, started_at) ASC, id ASC`, r.columns(), r.table)

	ids := q.JobIDs
	if ids == nil {
		ids = []string{}
	}
	rows, err := r.pool.Query(ctx, query, string(q.Status), q.SourceCode, ids)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// Get retrieves a single job by ID.
func (r *JobRegistry) Get(ctx context.Context, id string) (jobs.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, r.columns(), r.table)
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobs.Record{}, jobs.ErrNotFound
		}
		return jobs.Record{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return rec, nil
}

// SetRetryable moves a running job to retryable inside its own transaction.
// The row is locked first so a concurrent scheduler update is never lost.
func (r *JobRegistry) SetRetryable(ctx context.Context, id string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}

	var status string
	err = tx.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1 FOR UPDATE`, r.table), id).Scan(&status)
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, jobs.ErrNotFound
		}
		return false, fmt.Errorf("lock job %s: %w", id, err)
	}
	if jobs.Status(status) != jobs.StatusRunning {
		_ = tx.Rollback(ctx)
		return false, nil
	}

	update := fmt.Sprintf(`
UPDATE %s
SET status = $2, retry_count = 0, updated_at = now()
WHERE id = $1 AND status = $3`, r.table)
	tag, err := tx.Exec(ctx, update, id, string(jobs.StatusRetryable), string(jobs.StatusRunning))
	if err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanRecord(row pgx.Row) (jobs.Record, error) {
	var (
		rec      jobs.Record
		status   string
		progress *time.Time
	)
	if err := row.Scan(
		&rec.ID,
		&status,
		&rec.SourceCode,
		&rec.OutputDir,
		&rec.StartedAt,
		&progress,
		&rec.RetryCount,
	); err != nil {
		return jobs.Record{}, err
	}
	rec.Status = jobs.Status(status)
	rec.LastProgressAt = progress
	return rec, nil
}
