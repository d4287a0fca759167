package decisionengine

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/decisionbot/project/internal/app/jobs"
	"github.com/decisionbot/project/internal/decision"
)

const uniqueViolation = "23505"

const createDecisionStateTableSQL = `
CREATE TABLE IF NOT EXISTS issue_decision_state (
  issue_id text PRIMARY KEY,
  issue_url text NOT NULL,
  initiator text NOT NULL,
  team text NOT NULL,
  period_start timestamptz NOT NULL,
  period_end timestamptz NOT NULL,
  current_statuses jsonb NOT NULL,
  status_history jsonb NOT NULL,
  reversibility text NOT NULL,
  resolution text NOT NULL,
  finalized_at timestamptz,
  version bigint NOT NULL DEFAULT 1,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const addFinalizedAtColumnSQL = `
ALTER TABLE issue_decision_state ADD COLUMN IF NOT EXISTS finalized_at timestamptz`

const insertDecisionStateSQL = `
INSERT INTO issue_decision_state (
  issue_id, issue_url, initiator, team, period_start, period_end,
  current_statuses, status_history, reversibility, resolution, version
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
`

const updateDecisionStateSQL = `
UPDATE issue_decision_state
SET period_start = $2,
    period_end = $3,
    current_statuses = $4,
    status_history = $5,
    reversibility = $6,
    resolution = $7,
    version = version + 1,
    updated_at = now()
WHERE issue_id = $1 AND version = $8
`

const selectDecisionStateSQL = `
SELECT issue_id, issue_url, initiator, team, period_start, period_end,
       current_statuses, status_history, reversibility, resolution,
       finalized_at, version, created_at, updated_at
FROM issue_decision_state
WHERE issue_id = $1
`

const markDecisionFinalizedSQL = `
UPDATE issue_decision_state
SET finalized_at = $2,
    version = version + 1,
    updated_at = now()
WHERE issue_id = $1 AND finalized_at IS NULL
`

// PostgresRepository stores one row per issue. The primary key on issue_id
// rejects a second open decision and version guards concurrent votes.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createDecisionStateTableSQL, addFinalizedAtColumnSQL} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, issueID string) (decision.State, error) {
	var state decision.State
	err := r.Pool.QueryRow(ctx, selectDecisionStateSQL, issueID).Scan(
		&state.IssueID,
		&state.IssueURL,
		&state.Initiator,
		&state.Team,
		&state.PeriodStart,
		&state.PeriodEnd,
		&state.CurrentStatuses,
		&state.StatusHistory,
		&state.Reversibility,
		&state.Resolution,
		&state.FinalizedAt,
		&state.Version,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decision.State{}, ErrNotFound
		}
		return decision.State{}, err
	}
	if state.StatusHistory == nil {
		state.StatusHistory = map[string][]decision.UserStatus{}
	}
	return state, nil
}

// Insert creates the decision and, when finalize is set, its finalize job in
// the same transaction.
func (r *PostgresRepository) Insert(ctx context.Context, state decision.State, finalize *jobs.Job) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertDecisionStateSQL,
		state.IssueID,
		state.IssueURL,
		state.Initiator,
		state.Team,
		state.PeriodStart,
		state.PeriodEnd,
		state.CurrentStatuses,
		state.StatusHistory,
		state.Reversibility,
		state.Resolution,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConflict
		}
		return err
	}
	if finalize != nil {
		if err := jobs.InsertTx(ctx, tx, *finalize); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Update replaces the aggregate if it is still at expectedVersion.
func (r *PostgresRepository) Update(ctx context.Context, state decision.State, expectedVersion int64, finalize *jobs.Job) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, updateDecisionStateSQL,
		state.IssueID,
		state.PeriodStart,
		state.PeriodEnd,
		state.CurrentStatuses,
		state.StatusHistory,
		state.Reversibility,
		state.Resolution,
		expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	if finalize != nil {
		if err := jobs.InsertTx(ctx, tx, *finalize); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// MarkFinalized records that the finalize action ran. The version bump makes a
// vote racing the finalizer retry and see the finalized state. A missing or
// already finalized decision is reported as ErrNotFound.
func (r *PostgresRepository) MarkFinalized(ctx context.Context, issueID string, at time.Time) error {
	tag, err := r.Pool.Exec(ctx, markDecisionFinalizedSQL, issueID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
