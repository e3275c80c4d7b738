// Package dispatch issues collaborator calls for job stages with a
// write-ahead task record, bounded retry, and outcome classification.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"seva-orchestrator/internal/capability"
	"seva-orchestrator/internal/models"
	"seva-orchestrator/internal/store"
	"seva-orchestrator/internal/telemetry"
)

// StageFunc invokes the collaborator capability bound to a stage and
// returns the result fragment to merge into the job.
type StageFunc func(ctx context.Context, job models.Job, idemKey string) (map[string]any, error)

// TaskStore persists write-ahead task rows. Implemented by internal/store.
type TaskStore interface {
	BeginTask(ctx context.Context, jobID, stage, workerID string, grace time.Duration) (models.Task, error)
	FinishTask(ctx context.Context, taskID, status, lastError string) error
}

// Outcome classifications.
const (
	OutcomeSuccess   = "success"
	OutcomePermanent = "permanent_failure"
	OutcomeTransient = "transient_failure"
)

// Outcome is the classified result of dispatching one stage.
type Outcome struct {
	Status   string
	Result   map[string]any
	Attempts int
	Err      error
}

// Policy is the retry discipline. Collaborator-specific values come from
// configuration, never hard-coded per stage.
type Policy struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	StageTimeout time.Duration
	GracePeriod  time.Duration
}

// Dispatcher runs stage calls under the retry policy. The sleep function is
// injectable so tests do not wait out real backoff.
type Dispatcher struct {
	tasks    TaskStore
	stages   map[string]StageFunc
	policy   Policy
	workerID string
	sleep    func(context.Context, time.Duration) error
}

func New(tasks TaskStore, policy Policy, workerID string) *Dispatcher {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.BackoffBase <= 0 {
		policy.BackoffBase = 2 * time.Second
	}
	if policy.BackoffCap <= 0 {
		policy.BackoffCap = 10 * time.Second
	}
	return &Dispatcher{
		tasks:    tasks,
		stages:   make(map[string]StageFunc),
		policy:   policy,
		workerID: workerID,
		sleep:    sleepCtx,
	}
}

// Register binds a StageFunc to a stage name.
func (d *Dispatcher) Register(stage string, fn StageFunc) {
	if stage == "" || fn == nil {
		return
	}
	d.stages[stage] = fn
}

// SetSleep overrides the backoff sleeper. Test hook.
func (d *Dispatcher) SetSleep(fn func(context.Context, time.Duration) error) {
	d.sleep = fn
}

// Dispatch invokes the capability bound to stage for the job. Each attempt
// is recorded as a task row before the call is made, so a crash mid-call
// leaves a pending row that recovery re-dispatches under the same
// idempotency key. Transient failures retry with exponential backoff up to
// the budget; exhausting the budget or hitting a permanent rejection
// returns a permanent outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, job models.Job, stage string) Outcome {
	fn, ok := d.stages[stage]
	if !ok {
		return Outcome{Status: OutcomePermanent, Err: fmt.Errorf("no capability bound to stage %q", stage)}
	}

	idemKey := models.TaskIdempotencyKey(job.ID, stage)
	var lastErr error

	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		task, err := d.tasks.BeginTask(ctx, job.ID, stage, d.workerID, d.policy.GracePeriod)
		replay := false
		if err != nil {
			switch {
			case errors.Is(err, store.ErrTaskAlreadySucceeded):
				// A crash landed between the task commit and the job
				// transition. The collaborator already ran; re-invoke under
				// the same idempotency key so it dedups and returns the
				// original result, without writing new rows.
				replay = true
			case errors.Is(err, store.ErrTaskInFlight):
				// Another worker holds a fresh pending row; stand down.
				return Outcome{Status: OutcomeTransient, Attempts: attempt - 1, Err: err}
			default:
				return Outcome{Status: OutcomeTransient, Attempts: attempt - 1, Err: fmt.Errorf("write-ahead task: %w", err)}
			}
		}

		stageCtx := ctx
		var cancel context.CancelFunc
		if d.policy.StageTimeout > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, d.policy.StageTimeout)
		}
		result, err := fn(stageCtx, job, idemKey)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			if !replay {
				if ferr := d.tasks.FinishTask(ctx, task.ID, models.TaskSucceeded, ""); ferr != nil {
					log.Printf("finish task %s: %v", task.ID, ferr)
				}
			}
			telemetry.StageSuccess.Inc()
			return Outcome{Status: OutcomeSuccess, Result: result, Attempts: attempt}
		}

		// Timeouts count against the retry budget as transients.
		if errors.Is(err, context.DeadlineExceeded) {
			err = capability.Transient(err)
		}

		if capability.IsPermanent(err) {
			if !replay {
				if ferr := d.tasks.FinishTask(ctx, task.ID, models.TaskFailedPermanent, err.Error()); ferr != nil {
					log.Printf("finish task %s: %v", task.ID, ferr)
				}
			}
			telemetry.StageFailures.Inc()
			return Outcome{Status: OutcomePermanent, Attempts: attempt, Err: err}
		}

		if !replay {
			if ferr := d.tasks.FinishTask(ctx, task.ID, models.TaskFailedTransient, err.Error()); ferr != nil {
				log.Printf("finish task %s: %v", task.ID, ferr)
			}
		}
		lastErr = err

		if attempt < d.policy.MaxAttempts {
			telemetry.StageRetries.Inc()
			wait := backoffWithJitter(d.policy.BackoffBase, d.policy.BackoffCap, attempt)
			if err := d.sleep(ctx, wait); err != nil {
				return Outcome{Status: OutcomeTransient, Attempts: attempt, Err: err}
			}
		}
	}

	telemetry.StageFailures.Inc()
	return Outcome{
		Status:   OutcomePermanent,
		Attempts: d.policy.MaxAttempts,
		Err:      fmt.Errorf("retry budget exhausted after %d attempts: %w", d.policy.MaxAttempts, lastErr),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
