package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"seva-orchestrator/internal/models"
)

// BeginTask writes the write-ahead task row for one dispatch attempt. If a
// pending row already exists for (job, stage) and is younger than the grace
// period, ErrTaskInFlight is returned; an older pending row is an orphan
// from a crashed worker and is adopted, so the re-dispatch reuses the same
// idempotency key. A succeeded row for the pair surfaces as
// ErrTaskAlreadySucceeded.
func (s *Store) BeginTask(ctx context.Context, jobID, stage, workerID string, grace time.Duration) (models.Task, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var pending models.Task
	err = tx.QueryRow(ctx, `
		SELECT id, attempt, created_at FROM tasks
		WHERE job_id = $1 AND stage = $2 AND status = $3
		FOR UPDATE
	`, jobID, stage, models.TaskPending).Scan(&pending.ID, &pending.Attempt, &pending.CreatedAt)
	switch {
	case err == nil:
		if time.Since(pending.CreatedAt) < grace {
			return models.Task{}, ErrTaskInFlight
		}
		// Orphaned by a crash mid-call; resume it under the new worker.
		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET worker_id = $2, created_at = NOW() WHERE id = $1
		`, pending.ID, workerID); err != nil {
			return models.Task{}, fmt.Errorf("adopt task: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return models.Task{}, fmt.Errorf("commit: %w", err)
		}
		return models.Task{
			ID:             pending.ID,
			JobID:          jobID,
			Stage:          stage,
			IdempotencyKey: models.TaskIdempotencyKey(jobID, stage),
			Attempt:        pending.Attempt,
			Status:         models.TaskPending,
			WorkerID:       workerID,
			CreatedAt:      time.Now().UTC(),
		}, nil
	case errors.Is(err, pgx.ErrNoRows):
		// fall through
	default:
		return models.Task{}, fmt.Errorf("query pending task: %w", err)
	}

	// A succeeded row for a job still sitting in this stage means the worker
	// died between the task commit and the job transition. Inserting another
	// row would trip the active-task index, so surface the row instead.
	var succeeded models.Task
	err = tx.QueryRow(ctx, `
		SELECT id, attempt FROM tasks
		WHERE job_id = $1 AND stage = $2 AND status = $3
	`, jobID, stage, models.TaskSucceeded).Scan(&succeeded.ID, &succeeded.Attempt)
	switch {
	case err == nil:
		return models.Task{
			ID:             succeeded.ID,
			JobID:          jobID,
			Stage:          stage,
			IdempotencyKey: models.TaskIdempotencyKey(jobID, stage),
			Attempt:        succeeded.Attempt,
			Status:         models.TaskSucceeded,
		}, ErrTaskAlreadySucceeded
	case errors.Is(err, pgx.ErrNoRows):
		// fall through to insert
	default:
		return models.Task{}, fmt.Errorf("query succeeded task: %w", err)
	}

	var attempt int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks WHERE job_id = $1 AND stage = $2
	`, jobID, stage).Scan(&attempt); err != nil {
		return models.Task{}, fmt.Errorf("count attempts: %w", err)
	}
	attempt++

	task := models.Task{
		ID:             uuid.New().String(),
		JobID:          jobID,
		Stage:          stage,
		IdempotencyKey: models.TaskIdempotencyKey(jobID, stage),
		Attempt:        attempt,
		Status:         models.TaskPending,
		WorkerID:       workerID,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO tasks (id, job_id, stage, idempotency_key, attempt, status, worker_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, task.ID, task.JobID, task.Stage, task.IdempotencyKey, task.Attempt, task.Status, task.WorkerID, task.CreatedAt); err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

// FinishTask records the terminal outcome of a dispatch attempt.
func (s *Store) FinishTask(ctx context.Context, taskID, status, lastError string) error {
	var errText *string
	if lastError != "" {
		errText = &lastError
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, last_error = $3, finished_at = NOW()
		WHERE id = $1 AND status = $4
	`, taskID, status, errText, models.TaskPending)
	return err
}

// TasksForStage lists all attempts for a (job, stage) pair in order.
func (s *Store) TasksForStage(ctx context.Context, jobID, stage string) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, stage, idempotency_key, attempt, status, last_error, worker_id, created_at, finished_at
		FROM tasks WHERE job_id = $1 AND stage = $2 ORDER BY attempt
	`, jobID, stage)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var t models.Task
		var lastErr pgtype.Text
		var finished pgtype.Timestamptz
		if err := rows.Scan(&t.ID, &t.JobID, &t.Stage, &t.IdempotencyKey, &t.Attempt,
			&t.Status, &lastErr, &t.WorkerID, &t.CreatedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if lastErr.Valid {
			v := lastErr.String
			t.LastError = &v
		}
		if finished.Valid {
			ft := finished.Time
			t.FinishedAt = &ft
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
