package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"seva-orchestrator/internal/config"
	"seva-orchestrator/internal/dispatch"
	"seva-orchestrator/internal/models"
	"seva-orchestrator/internal/orchestrator"
	"seva-orchestrator/internal/store"
	"seva-orchestrator/internal/telemetry"
)

// JobStore is the read surface the processor needs beside the machine.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
}

// Queue is the work-handoff surface. Implemented by internal/queue.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, runAt time.Time) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// TerminalNotifier is the notification dispatcher surface.
type TerminalNotifier interface {
	NotifyTerminal(ctx context.Context, job models.Job) error
	NotifyMilestone(ctx context.Context, job models.Job)
}

// Processor drives the worker execution loop: lease a job, run the stage
// bound to its status, advance the state machine, hand the job back to the
// queue or park it.
type Processor struct {
	cfg        config.Config
	queue      Queue
	store      JobStore
	machine    *orchestrator.Machine
	dispatcher *dispatch.Dispatcher
	notifier   TerminalNotifier
	workerID   string
}

func NewProcessor(cfg config.Config, q Queue, st JobStore, m *orchestrator.Machine, d *dispatch.Dispatcher, n TerminalNotifier, workerID string) *Processor {
	return &Processor{
		cfg:        cfg,
		queue:      q,
		store:      st,
		machine:    m,
		dispatcher: d,
		notifier:   n,
		workerID:   workerID,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), 100)
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		telemetry.InFlightGauge.Inc()
		if err := p.Step(ctx, jobID); err != nil {
			// Keep the lease. Acking a failed step would drop the job from
			// every queue structure with nothing left to revive it;
			// RequeueExpired hands it to another worker once the visibility
			// timeout lapses.
			log.Printf("worker=%s step job=%s: %v", p.workerID, jobID, err)
			continue
		}
		_ = p.queue.Ack(ctx, jobID)
		telemetry.InFlightGauge.Dec()
	}
}

// Step performs at most one transition for the job. Parked statuses
// (awaiting_consent without a record, awaiting_confirmation) leave the job
// sitting in its status without occupying a worker; external events
// re-enqueue it.
func (p *Processor) Step(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	switch {
	case models.IsTerminal(job.Status):
		// Late queue entry after cancel or a duplicate replay.
		return p.finishTerminal(ctx, job)

	case job.Status == models.StatusQueued:
		advanced, err := p.machine.Advance(ctx, job.ID, job.Version, orchestrator.Event{Type: orchestrator.EventStarted})
		return p.afterAdvance(ctx, job.ID, advanced, err)

	case job.Status == models.StatusAwaitingConsent:
		advanced, opened, err := p.machine.ResolveConsentGate(ctx, job)
		if err != nil {
			if errors.Is(err, store.ErrConcurrentModification) {
				return p.requeue(ctx, job.ID)
			}
			return err
		}
		if !opened {
			telemetry.ConsentBlocked.Inc()
			return nil // parked until a consent record arrives
		}
		return p.afterAdvance(ctx, job.ID, advanced, nil)

	case job.Status == models.StatusAwaitingConfirmation:
		return nil // parked until the confirmation event arrives

	default:
		return p.runStage(ctx, job)
	}
}

func (p *Processor) runStage(ctx context.Context, job models.Job) error {
	stage, successEvent, ok := orchestrator.StageFor(job.Status)
	if !ok {
		log.Printf("job=%s status=%s has no stage binding", job.ID, job.Status)
		return nil
	}

	// Cover the worst-case retry sequence so the lease does not expire
	// mid-dispatch and hand the job to a second worker.
	budget := time.Duration(p.cfg.MaxAttempts) * (p.cfg.StageTimeout + p.cfg.BackoffCap)
	_ = p.queue.ExtendLease(ctx, job.ID, budget)

	outcome := p.dispatcher.Dispatch(ctx, job, stage)
	switch outcome.Status {
	case dispatch.OutcomeSuccess:
		ev := orchestrator.Event{
			Type:   successEvent,
			Result: outcome.Result,
			Detail: map[string]any{"stage": stage, "attempts": outcome.Attempts},
		}
		if scheme, ok := outcome.Result["scheme"].(string); ok {
			ev.Scheme = scheme
		}
		advanced, err := p.machine.Advance(ctx, job.ID, job.Version, ev)
		return p.afterAdvance(ctx, job.ID, advanced, err)

	case dispatch.OutcomeTransient:
		// Budget not exhausted but dispatch could not run to a verdict
		// (task held elsewhere, shutdown). Try again shortly.
		return p.queue.Enqueue(ctx, job.ID, time.Now().Add(p.cfg.WorkerPollInterval*5))

	default: // permanent failure or exhausted retries
		cause := "collaborator rejected the request"
		if outcome.Err != nil {
			cause = outcome.Err.Error()
		}
		advanced, err := p.machine.Advance(ctx, job.ID, job.Version, orchestrator.Event{
			Type:   orchestrator.EventStageFailed,
			Result: map[string]any{models.ResultFailureCause: cause},
			Detail: map[string]any{"stage": stage, "attempts": outcome.Attempts},
		})
		return p.afterAdvance(ctx, job.ID, advanced, err)
	}
}

// afterAdvance routes the advanced job onward. A version conflict means
// another actor moved the job first (cancel, a racing worker): the stale
// event is discarded and the job re-enters the queue so the next holder
// re-derives the action from current state.
func (p *Processor) afterAdvance(ctx context.Context, jobID string, job models.Job, err error) error {
	if err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			return p.requeue(ctx, jobID)
		}
		if errors.Is(err, orchestrator.ErrConsentMissing) {
			telemetry.ConsentBlocked.Inc()
			return nil
		}
		return err
	}

	if models.IsTerminal(job.Status) {
		return p.finishTerminal(ctx, job)
	}

	p.notifier.NotifyMilestone(ctx, job)

	if job.Status == models.StatusAwaitingConfirmation {
		return nil // parked
	}
	// awaiting_consent re-enters the queue once: the next step resolves the
	// gate or parks the job.
	return p.requeue(ctx, jobID)
}

func (p *Processor) requeue(ctx context.Context, jobID string) error {
	return p.queue.Enqueue(ctx, jobID, time.Now())
}

func (p *Processor) finishTerminal(ctx context.Context, job models.Job) error {
	if job.Status == models.StatusCancelled {
		return nil
	}
	return p.notifier.NotifyTerminal(ctx, job)
}
