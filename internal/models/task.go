package models

import (
	"fmt"
	"time"
)

// Task statuses. A row is written before the collaborator call (write-ahead)
// as pending and finished with one of the terminal values.
const (
	TaskPending         = "pending"
	TaskSucceeded       = "succeeded"
	TaskFailedTransient = "failed_transient"
	TaskFailedPermanent = "failed_permanent"
)

// Task records one dispatch attempt against a collaborator for a job stage.
type Task struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	Stage          string     `json:"stage"`
	IdempotencyKey string     `json:"idempotency_key"`
	Attempt        int        `json:"attempt"`
	Status         string     `json:"status"`
	LastError      *string    `json:"last_error,omitempty"`
	WorkerID       string     `json:"worker_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// TaskIdempotencyKey is the deterministic key shared by every attempt of a
// (job, stage) pair. Collaborators that honor it give exactly-once effect.
func TaskIdempotencyKey(jobID, stage string) string {
	return fmt.Sprintf("%s:%s", jobID, stage)
}
