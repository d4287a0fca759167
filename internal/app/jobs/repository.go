package jobs

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createJobsTableSQL = `
CREATE TABLE IF NOT EXISTS scheduled_jobs (
  id text PRIMARY KEY,
  name text NOT NULL,
  due_at timestamptz NOT NULL,
  metadata jsonb NOT NULL DEFAULT '{}'::jsonb,
  created_at timestamptz NOT NULL DEFAULT now(),
  started_at timestamptz,
  completed_at timestamptz,
  error text NOT NULL DEFAULT ''
)`

const createJobsDueIndexSQL = `
CREATE INDEX IF NOT EXISTS scheduled_jobs_due_idx
ON scheduled_jobs (due_at)
WHERE started_at IS NULL`

const insertJobSQL = `
INSERT INTO scheduled_jobs (id, name, due_at, metadata)
VALUES ($1, $2, $3, $4)
`

// claimDueJobsSQL stamps started_at on a batch of due rows. SKIP LOCKED lets
// several runners poll the table without handing out the same job twice.
const claimDueJobsSQL = `
UPDATE scheduled_jobs
SET started_at = $1
WHERE id IN (
  SELECT id FROM scheduled_jobs
  WHERE started_at IS NULL AND due_at <= $1
  ORDER BY due_at, id
  LIMIT $2
  FOR UPDATE SKIP LOCKED
)
RETURNING id, name, due_at, metadata, created_at, started_at, completed_at, error
`

const markJobDoneSQL = `
UPDATE scheduled_jobs
SET completed_at = now(),
    error = $2
WHERE id = $1
`

const listPendingJobsSQL = `
SELECT id, name, due_at, metadata, created_at, started_at, completed_at, error
FROM scheduled_jobs
WHERE completed_at IS NULL
ORDER BY due_at, id
LIMIT $1
`

const getJobSQL = `
SELECT id, name, due_at, metadata, created_at, started_at, completed_at, error
FROM scheduled_jobs
WHERE id = $1
`

type Repository interface {
	Insert(ctx context.Context, job Job) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	MarkDone(ctx context.Context, id string, jobErr error) error
	ListPending(ctx context.Context, limit int) ([]Job, error)
	Get(ctx context.Context, id string) (Job, error)
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createJobsTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createJobsDueIndexSQL); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRepository) Insert(ctx context.Context, job Job) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := InsertTx(ctx, tx, job); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// InsertTx writes job inside a transaction owned by the caller, so a job can
// be committed together with the state that scheduled it.
func InsertTx(ctx context.Context, tx pgx.Tx, job Job) error {
	if job.ID == "" || job.Name == "" {
		return ErrInvalidJob
	}
	metadata := job.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	_, err := tx.Exec(ctx, insertJobSQL, job.ID, job.Name, job.DueAt.UTC(), metadata)
	return err
}

func (r *PostgresRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := r.Pool.Query(ctx, claimDueJobsSQL, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING has no ordering guarantee.
	slices.SortFunc(jobs, func(a, b Job) int {
		if c := a.DueAt.Compare(b.DueAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return jobs, nil
}

func (r *PostgresRepository) MarkDone(ctx context.Context, id string, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	tag, err := r.Pool.Exec(ctx, markJobDoneSQL, id, msg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *PostgresRepository) ListPending(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx, listPendingJobsSQL, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Job, error) {
	rows, err := r.Pool.Query(ctx, getJobSQL, id)
	if err != nil {
		return Job{}, err
	}
	job, err := pgx.CollectExactlyOneRow(rows, scanJob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrJobNotFound
		}
		return Job{}, err
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	return pgx.CollectRows(rows, scanJob)
}

func scanJob(row pgx.CollectableRow) (Job, error) {
	var job Job
	var metadata []byte
	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.DueAt,
		&metadata,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.Error,
	)
	job.Metadata = metadata
	return job, err
}
