// Package postgres provides the Postgres-backed job repository.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JeremiahM37/librarr/internal/librarr"
)

// JobRepoConfig controls the Postgres connection pool used for job rows.
type JobRepoConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// JobRepo persists job records as one JSONB blob per job id.
type JobRepo struct {
	pool   querier
	logger *zap.Logger
}

// NewJobRepo connects a pool, applies pending migrations, and returns the
// repository.
func NewJobRepo(ctx context.Context, cfg JobRepoConfig, logger *zap.Logger) (*JobRepo, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	repo, err := NewJobRepoWithPool(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// NewJobRepoWithPool constructs a repository from an existing pool
// (primarily for testing) and applies pending migrations.
func NewJobRepoWithPool(ctx context.Context, pool querier, logger *zap.Logger) (*JobRepo, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	repo := &JobRepo{pool: pool, logger: logger}
	if err := repo.applyMigrations(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

// Close releases the underlying pool resources.
func (r *JobRepo) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// LoadAll returns every persisted job. Rows whose blob no longer decodes
// are skipped with a warning rather than failing startup.
func (r *JobRepo) LoadAll(ctx context.Context) ([]librarr.Job, error) {
	rows, err := r.pool.Query(ctx, `SELECT job_id, data FROM download_jobs`)
	if err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}
	defer rows.Close()

	var jobs []librarr.Job
	for rows.Next() {
		var jobID string
		var data []byte
		if err := rows.Scan(&jobID, &data); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		var job librarr.Job
		if err := json.Unmarshal(data, &job); err != nil {
			r.logger.Warn("skipping undecodable job row",
				zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		job.ID = jobID
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// Save upserts the job blob; updated_at always advances.
func (r *JobRepo) Save(ctx context.Context, job librarr.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO download_jobs (job_id, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (job_id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		job.ID, data)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// Delete removes the job row.
func (r *JobRepo) Delete(ctx context.Context, jobID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM download_jobs WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}
