package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opal-net/opal/internal/model"
)

const jobColumns = `id, kind, status, input, result, error, progress, progress_message,
	 created_at, started_at, completed_at`

// CreateJob inserts a new job in Pending state and returns it.
func (db *DB) CreateJob(ctx context.Context, kind model.JobKind, input json.RawMessage) (model.Job, error) {
	row := db.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, kind, status, input)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+jobColumns,
		uuid.New(), kind, model.JobStatusPending, input,
	)
	job, err := scanJob(row)
	if err != nil {
		return model.Job{}, fmt.Errorf("storage: create job: %w", err)
	}
	return job, nil
}

// GetJob returns a job by ID, or ErrNotFound.
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("storage: get job: %w", err)
	}
	return job, nil
}

// StartJob transitions a job from Pending to Processing and stamps
// started_at. The WHERE clause enforces the lifecycle: starting a job that
// is not Pending returns ErrInvalidTransition, starting an absent job
// returns ErrNotFound.
func (db *DB) StartJob(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, started_at = now()
		 WHERE id = $1 AND status = $3`,
		id, model.JobStatusProcessing, model.JobStatusPending,
	)
	if err != nil {
		return fmt.Errorf("storage: start job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.jobTransitionError(ctx, id)
	}
	return nil
}

// CompleteJob transitions a Processing job to Completed, stores the result
// snapshot, forces progress to 100, and stamps completed_at.
func (db *DB) CompleteJob(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, result = $3, progress = 100, completed_at = now()
		 WHERE id = $1 AND status = $4`,
		id, model.JobStatusCompleted, result, model.JobStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("storage: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.jobTransitionError(ctx, id)
	}
	return nil
}

// FailJob transitions a Processing job to Failed with the given error text
// and stamps completed_at. Failed jobs are terminal.
func (db *DB) FailJob(ctx context.Context, id uuid.UUID, errText string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, error = $3, completed_at = now()
		 WHERE id = $1 AND status = $4`,
		id, model.JobStatusFailed, errText, model.JobStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("storage: fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.jobTransitionError(ctx, id)
	}
	return nil
}

// UpdateJobProgress mutates progress fields of a Processing job without
// changing status. GREATEST keeps the percentage monotonically
// non-decreasing even if updates arrive out of order, and executor
// reports are capped at 99: only CompleteJob writes 100, so full
// progress always means Completed. Updates against non-Processing jobs
// are silently dropped: a terminal status wins.
func (db *DB) UpdateJobProgress(ctx context.Context, id uuid.UUID, percent int, message *string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 99 {
		percent = 99
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE jobs SET progress = GREATEST(progress, $2),
		 progress_message = COALESCE($3, progress_message)
		 WHERE id = $1 AND status = $4`,
		id, percent, message, model.JobStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("storage: update job progress: %w", err)
	}
	return nil
}

// DeleteJob removes a job row, or returns ErrNotFound. It exists to
// undo creation when a submission is rejected; dispatched jobs are
// never deleted.
func (db *DB) DeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// jobTransitionError distinguishes a missing job from an illegal transition
// after an UPDATE matched zero rows.
func (db *DB) jobTransitionError(ctx context.Context, id uuid.UUID) error {
	if _, err := db.GetJob(ctx, id); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

func scanJob(row pgx.Row) (model.Job, error) {
	var j model.Job
	err := row.Scan(
		&j.ID, &j.Kind, &j.Status, &j.Input, &j.Result, &j.Error,
		&j.Progress, &j.ProgressMessage,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	return j, err
}
