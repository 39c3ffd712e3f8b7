package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// migration is a forward-only schema upgrade applied exactly once and
// recorded in schema_migrations. Never reorder or rewrite an entry that has
// shipped; append a new one instead.
type migration struct {
	name        string
	description string
	stmts       []string
}

var migrations = []migration{
	{
		name:        "0001_download_jobs_table",
		description: "Create persistent download job table",
		stmts: []string{`
CREATE TABLE IF NOT EXISTS download_jobs (
	job_id     TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`},
	},
	{
		name:        "0002_download_jobs_updated_at_idx",
		description: "Index download jobs by update time",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS download_jobs_updated_at_idx ON download_jobs (updated_at)`,
		},
	},
}

func (r *JobRepo) applyMigrations(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	name        TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	for _, m := range migrations {
		applied, err := r.migrationApplied(ctx, m.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := r.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", m.name, err)
			}
		}
		_, err = r.pool.Exec(ctx,
			`INSERT INTO schema_migrations (name, description) VALUES ($1, $2)`,
			m.name, m.description)
		if err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		r.logger.Info("applied db migration", zap.String("name", m.name))
	}
	return nil
}

func (r *JobRepo) migrationApplied(ctx context.Context, name string) (bool, error) {
	var one int
	err := r.pool.QueryRow(ctx,
		`SELECT 1 FROM schema_migrations WHERE name = $1`, name).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	return true, nil
}
