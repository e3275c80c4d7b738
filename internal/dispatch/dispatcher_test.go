package dispatch

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"seva-orchestrator/internal/capability"
	"seva-orchestrator/internal/models"
	"seva-orchestrator/internal/store"
)

// fakeTasks records write-ahead rows the way the Postgres store does: one
// row per attempt, all sharing the stage idempotency key. Like the partial
// unique index on the real table, it refuses a new row while a succeeded
// one exists for the pair.
type fakeTasks struct {
	rows []models.Task
}

func (f *fakeTasks) BeginTask(_ context.Context, jobID, stage, workerID string, _ time.Duration) (models.Task, error) {
	for _, row := range f.rows {
		if row.JobID == jobID && row.Stage == stage && row.Status == models.TaskSucceeded {
			return row, store.ErrTaskAlreadySucceeded
		}
	}
	task := models.Task{
		ID:             fmt.Sprintf("t%d", len(f.rows)+1),
		JobID:          jobID,
		Stage:          stage,
		Attempt:        len(f.rows) + 1,
		Status:         models.TaskPending,
		IdempotencyKey: models.TaskIdempotencyKey(jobID, stage),
		WorkerID:       workerID,
	}
	f.rows = append(f.rows, task)
	return task, nil
}

func (f *fakeTasks) FinishTask(_ context.Context, taskID, status, lastError string) error {
	for i := range f.rows {
		if f.rows[i].ID == taskID {
			f.rows[i].Status = status
			if lastError != "" {
				f.rows[i].LastError = &lastError
			}
		}
	}
	return nil
}

func newTestDispatcher(tasks *fakeTasks) *Dispatcher {
	d := New(tasks, Policy{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}, "w1")
	d.SetSleep(func(context.Context, time.Duration) error { return nil })
	return d
}

func TestDispatchRetriesTransientThenSucceeds(t *testing.T) {
	tasks := &fakeTasks{}
	d := newTestDispatcher(tasks)

	calls := 0
	var seenKeys []string
	d.Register(models.StageTranscribe, func(_ context.Context, _ models.Job, idemKey string) (map[string]any, error) {
		calls++
		seenKeys = append(seenKeys, idemKey)
		if calls < 3 {
			return nil, capability.Transientf("speech service flaked")
		}
		return map[string]any{models.ResultTranscript: "done"}, nil
	})

	out := d.Dispatch(context.Background(), models.Job{ID: "j1"}, models.StageTranscribe)
	if out.Status != OutcomeSuccess {
		t.Fatalf("expected success got %s (%v)", out.Status, out.Err)
	}
	if out.Attempts != 3 {
		t.Fatalf("expected 3 attempts got %d", out.Attempts)
	}

	if len(tasks.rows) != 3 {
		t.Fatalf("expected one task row per attempt, got %d", len(tasks.rows))
	}
	for i, row := range tasks.rows {
		if row.IdempotencyKey != "j1:"+models.StageTranscribe {
			t.Fatalf("row %d carries wrong idempotency key %q", i, row.IdempotencyKey)
		}
	}
	if tasks.rows[0].Status != models.TaskFailedTransient || tasks.rows[2].Status != models.TaskSucceeded {
		t.Fatalf("task statuses wrong: %+v", tasks.rows)
	}
	for _, k := range seenKeys {
		if k != seenKeys[0] {
			t.Fatalf("idempotency key must be stable across retries: %v", seenKeys)
		}
	}
}

func TestDispatchStopsOnPermanent(t *testing.T) {
	tasks := &fakeTasks{}
	d := newTestDispatcher(tasks)

	calls := 0
	d.Register(models.StageExtractIntent, func(context.Context, models.Job, string) (map[string]any, error) {
		calls++
		return nil, capability.Permanentf("no scheme identified")
	})

	out := d.Dispatch(context.Background(), models.Job{ID: "j1"}, models.StageExtractIntent)
	if out.Status != OutcomePermanent {
		t.Fatalf("expected permanent got %s", out.Status)
	}
	if calls != 1 {
		t.Fatalf("permanent rejection must not be retried, got %d calls", calls)
	}
	if tasks.rows[0].Status != models.TaskFailedPermanent {
		t.Fatalf("task row not marked permanent: %+v", tasks.rows[0])
	}
}

func TestDispatchExhaustsBudget(t *testing.T) {
	tasks := &fakeTasks{}
	d := newTestDispatcher(tasks)

	d.Register(models.StageNavigatePortal, func(context.Context, models.Job, string) (map[string]any, error) {
		return nil, capability.Transientf("portal down")
	})

	out := d.Dispatch(context.Background(), models.Job{ID: "j1"}, models.StageNavigatePortal)
	if out.Status != OutcomePermanent {
		t.Fatalf("exhausted budget must be permanent, got %s", out.Status)
	}
	if out.Attempts != 3 {
		t.Fatalf("expected 3 attempts got %d", out.Attempts)
	}
	if out.Err == nil || !strings.Contains(out.Err.Error(), "retry budget exhausted") {
		t.Fatalf("expected budget error, got %v", out.Err)
	}
}

func TestDispatchTimeoutCountsAsTransient(t *testing.T) {
	tasks := &fakeTasks{}
	d := New(tasks, Policy{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond, StageTimeout: 10 * time.Millisecond}, "w1")
	d.SetSleep(func(context.Context, time.Duration) error { return nil })

	d.Register(models.StageSolveCaptcha, func(ctx context.Context, _ models.Job, _ string) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	out := d.Dispatch(context.Background(), models.Job{ID: "j1"}, models.StageSolveCaptcha)
	if out.Status != OutcomePermanent || out.Attempts != 2 {
		t.Fatalf("timeouts must burn the retry budget: %+v", out)
	}
	if tasks.rows[0].Status != models.TaskFailedTransient {
		t.Fatalf("timeout attempt should be transient: %+v", tasks.rows[0])
	}
}

func TestDispatchReplaysSucceededOrphan(t *testing.T) {
	// A worker died after marking the task succeeded but before the job
	// transition committed. The next dispatch must not wedge on the
	// active-task index: it replays the call under the original idempotency
	// key and recovers the result.
	tasks := &fakeTasks{rows: []models.Task{{
		ID:             "t1",
		JobID:          "j1",
		Stage:          models.StageNavigatePortal,
		Attempt:        1,
		Status:         models.TaskSucceeded,
		IdempotencyKey: models.TaskIdempotencyKey("j1", models.StageNavigatePortal),
	}}}
	d := newTestDispatcher(tasks)

	calls := 0
	var seenKey string
	d.Register(models.StageNavigatePortal, func(_ context.Context, _ models.Job, idemKey string) (map[string]any, error) {
		calls++
		seenKey = idemKey
		return map[string]any{models.ResultReference: "REF-1"}, nil
	})

	out := d.Dispatch(context.Background(), models.Job{ID: "j1"}, models.StageNavigatePortal)
	if out.Status != OutcomeSuccess {
		t.Fatalf("expected recovered success, got %s (%v)", out.Status, out.Err)
	}
	if calls != 1 {
		t.Fatalf("expected one replay call, got %d", calls)
	}
	if seenKey != "j1:"+models.StageNavigatePortal {
		t.Fatalf("replay must reuse the original idempotency key, got %q", seenKey)
	}
	if len(tasks.rows) != 1 {
		t.Fatalf("replay must not write new task rows, got %d", len(tasks.rows))
	}
	if out.Result[models.ResultReference] != "REF-1" {
		t.Fatalf("result fragment lost: %v", out.Result)
	}
}

func TestDispatchUnknownStage(t *testing.T) {
	d := newTestDispatcher(&fakeTasks{})
	out := d.Dispatch(context.Background(), models.Job{ID: "j1"}, "unknown")
	if out.Status != OutcomePermanent {
		t.Fatalf("unknown stage must fail permanently, got %s", out.Status)
	}
}
