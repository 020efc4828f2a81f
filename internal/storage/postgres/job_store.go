// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bjpl/open-learn-co-sub001/internal/collection"
)

// dbPool is the slice of pgxpool.Pool the stores use; pgxmock satisfies it.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool builds a pgx pool from config.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// JobStore persists the collection-job ledger in Postgres.
//
// Expected schema:
//
//	CREATE TABLE collection_jobs (
//	    id              UUID PRIMARY KEY,
//	    source_key      TEXT NOT NULL,
//	    trigger_time    TIMESTAMPTZ NOT NULL,
//	    status          TEXT NOT NULL,
//	    attempt_count   INT NOT NULL DEFAULT 0,
//	    next_retry_at   TIMESTAMPTZ,
//	    last_error      TEXT NOT NULL DEFAULT '',
//	    heartbeat_at    TIMESTAMPTZ,
//	    finished_at     TIMESTAMPTZ,
//	    items_fetched   INT NOT NULL DEFAULT 0,
//	    items_stored    INT NOT NULL DEFAULT 0,
//	    items_duplicate INT NOT NULL DEFAULT 0,
//	    errors          INT NOT NULL DEFAULT 0
//	);
type JobStore struct {
	pool dbPool
}

// NewJobStore constructs a JobStore over an existing pool.
func NewJobStore(pool dbPool) (*JobStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const jobColumns = `id, source_key, trigger_time, status, attempt_count, next_retry_at,
last_error, heartbeat_at, finished_at, items_fetched, items_stored, items_duplicate, errors`

// CreateJob writes the ledger row before the job runs, so a crash between
// trigger and execution is visible to the recovery scan. Store errors here
// are fatal to scheduling.
func (s *JobStore) CreateJob(ctx context.Context, job collection.CollectionJob) error {
	query := `
INSERT INTO collection_jobs (
	id, source_key, trigger_time, status, attempt_count, next_retry_at, last_error
) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := s.pool.Exec(ctx, query,
		job.ID,
		job.SourceKey,
		job.TriggerTime,
		string(job.Status),
		job.AttemptCount,
		job.NextRetryAt,
		job.LastError,
	)
	if err != nil {
		return collection.Fatal(fmt.Errorf("insert job: %w", err))
	}
	return nil
}

// UpdateJobStatus advances a job along its lifecycle. The WHERE clause
// encodes the permitted transitions so a concurrent or replayed writer can
// never regress a row.
func (s *JobStore) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status collection.JobStatus,
	errText string,
	attempt int,
	nextRetryAt *time.Time,
) error {
	query := `
UPDATE collection_jobs
SET status = $2,
    last_error = $3,
    attempt_count = $4,
    next_retry_at = $5,
    finished_at = CASE
        WHEN $2 IN ('succeeded','failed','dead_lettered') THEN now()
        ELSE finished_at
    END
WHERE id = $1
  AND status NOT IN ('succeeded','dead_lettered')
  AND ($2 <> 'scheduled' OR status = 'failed')
  AND ($2 <> 'running' OR status = 'scheduled')`
	tag, err := s.pool.Exec(ctx, query, jobID, string(status), errText, attempt, nextRetryAt)
	if err != nil {
		return collection.Fatal(fmt.Errorf("update job status: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: no legal transition to %s", jobID, status)
	}
	return nil
}

// RecordStats attaches collection counters to a job row.
func (s *JobStore) RecordStats(ctx context.Context, jobID string, stats collection.CollectStats) error {
	query := `
UPDATE collection_jobs
SET items_fetched = $2, items_stored = $3, items_duplicate = $4, errors = $5
WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query,
		jobID, stats.ItemsFetched, stats.ItemsStored, stats.ItemsDuplicate, stats.Errors,
	); err != nil {
		return fmt.Errorf("record stats: %w", err)
	}
	return nil
}

// Heartbeat refreshes the liveness marker for a running job.
func (s *JobStore) Heartbeat(ctx context.Context, jobID string, at time.Time) error {
	query := `UPDATE collection_jobs SET heartbeat_at = $2 WHERE id = $1 AND status = 'running'`
	if _, err := s.pool.Exec(ctx, query, jobID, at); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (collection.CollectionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM collection_jobs WHERE id = $1`
	row := s.pool.QueryRow(ctx, query, jobID)
	job, err := scanJob(row)
	if err != nil {
		return collection.CollectionJob{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, newest trigger first.
func (s *JobStore) ListJobs(ctx context.Context, filter collection.JobFilter) ([]collection.CollectionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM collection_jobs WHERE 1=1`
	args := []any{}
	if filter.SourceKey != "" {
		args = append(args, filter.SourceKey)
		query += fmt.Sprintf(" AND source_key = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY trigger_time DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// OrphanedJobs returns scheduled/running jobs whose last sign of life
// predates cutoff.
func (s *JobStore) OrphanedJobs(ctx context.Context, cutoff time.Time) ([]collection.CollectionJob, error) {
	query := `SELECT ` + jobColumns + `
FROM collection_jobs
WHERE status IN ('scheduled','running')
  AND COALESCE(heartbeat_at, trigger_time) < $1
ORDER BY trigger_time ASC`
	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("orphaned jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ResetForReplay returns an orphaned job to scheduled for its single replay.
func (s *JobStore) ResetForReplay(ctx context.Context, jobID string) error {
	query := `
UPDATE collection_jobs
SET status = 'scheduled', heartbeat_at = NULL
WHERE id = $1 AND status IN ('scheduled','running')`
	tag, err := s.pool.Exec(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("reset for replay: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not replayable", jobID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (collection.CollectionJob, error) {
	var (
		job    collection.CollectionJob
		status string
	)
	err := row.Scan(
		&job.ID,
		&job.SourceKey,
		&job.TriggerTime,
		&status,
		&job.AttemptCount,
		&job.NextRetryAt,
		&job.LastError,
		&job.HeartbeatAt,
		&job.FinishedAt,
		&job.Stats.ItemsFetched,
		&job.Stats.ItemsStored,
		&job.Stats.ItemsDuplicate,
		&job.Stats.Errors,
	)
	if err != nil {
		return collection.CollectionJob{}, err
	}
	job.Status = collection.JobStatus(status)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]collection.CollectionJob, error) {
	var out []collection.CollectionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}
