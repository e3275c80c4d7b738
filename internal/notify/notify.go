// Package notify delivers citizen-facing status messages on job
// transitions. Terminal notifications are triggered exactly once per job
// via the notification flag on the job row; channel delivery itself is
// at-least-once.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"seva-orchestrator/internal/capability"
	"seva-orchestrator/internal/models"
	"seva-orchestrator/internal/telemetry"
)

// JobStore is the slice of the central store the dispatcher needs.
type JobStore interface {
	ClaimNotification(ctx context.Context, jobID string) (bool, error)
	AppendAudit(ctx context.Context, jobID, event string, detail map[string]any, service string) error
}

// Dispatcher sends terminal and milestone messages through the
// notification collaborator.
type Dispatcher struct {
	store       JobStore
	notifier    capability.Notifier
	milestones  map[string]bool
	maxAttempts int
	retryDelay  time.Duration
	sleep       func(context.Context, time.Duration) error
}

// New builds a dispatcher. milestones lists intermediate statuses that also
// produce a message; terminal statuses always do.
func New(store JobStore, notifier capability.Notifier, milestones []string) *Dispatcher {
	m := make(map[string]bool, len(milestones))
	for _, s := range milestones {
		m[s] = true
	}
	return &Dispatcher{
		store:       store,
		notifier:    notifier,
		milestones:  m,
		maxAttempts: 3,
		retryDelay:  2 * time.Second,
		sleep:       sleepCtx,
	}
}

// SetSleep overrides the retry sleeper. Test hook.
func (d *Dispatcher) SetSleep(fn func(context.Context, time.Duration) error) {
	d.sleep = fn
}

// NotifyTerminal sends the completed/failed message for a job. The claim on
// the notification flag is atomic, so replays and resumed workers cannot
// re-trigger it. After the claim, transient channel failures are retried a
// few times before giving up; only then is the lost delivery surfaced in
// the audit log.
func (d *Dispatcher) NotifyTerminal(ctx context.Context, job models.Job) error {
	if job.Status != models.StatusCompleted && job.Status != models.StatusFailed {
		return fmt.Errorf("job %s is not terminal-notifiable: %s", job.ID, job.Status)
	}

	claimed, err := d.store.ClaimNotification(ctx, job.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	n := capability.Notification{
		JobID:          job.ID,
		Phone:          job.CitizenPhone,
		Message:        terminalMessage(job),
		IdempotencyKey: job.ID + ":terminal",
	}
	var receipt capability.Receipt
	for attempt := 1; ; attempt++ {
		receipt, err = d.notifier.Notify(ctx, n)
		if err == nil || capability.IsPermanent(err) || attempt >= d.maxAttempts {
			break
		}
		log.Printf("notify job=%s attempt=%d: %v", job.ID, attempt, err)
		if serr := d.sleep(ctx, d.retryDelay); serr != nil {
			break
		}
	}
	if err != nil {
		// Notification failure never breaks the job; record and move on.
		log.Printf("notify job=%s failed: %v", job.ID, err)
		return d.store.AppendAudit(ctx, job.ID, "notification_failed", map[string]any{
			"error": err.Error(),
		}, "notify")
	}

	telemetry.NotificationsSent.Inc()
	return d.store.AppendAudit(ctx, job.ID, "notification_sent", map[string]any{
		"delivery_id": receipt.DeliveryID,
		"status":      job.Status,
	}, "notify")
}

// NotifyMilestone sends an optional progress message for configured
// intermediate statuses. Best-effort, no dedup flag.
func (d *Dispatcher) NotifyMilestone(ctx context.Context, job models.Job) {
	if !d.milestones[job.Status] {
		return
	}
	msg := fmt.Sprintf("Namaste %s, your %s request is progressing (%s).",
		job.CitizenName, schemeLabel(job.Scheme), job.Status)
	if _, err := d.notifier.Notify(ctx, capability.Notification{
		JobID:          job.ID,
		Phone:          job.CitizenPhone,
		Message:        msg,
		IdempotencyKey: job.ID + ":" + job.Status,
	}); err != nil {
		log.Printf("milestone notify job=%s status=%s: %v", job.ID, job.Status, err)
	}
}

func terminalMessage(job models.Job) string {
	switch job.Status {
	case models.StatusCompleted:
		ref, _ := job.Result[models.ResultReference].(string)
		if ref == "" {
			return fmt.Sprintf("Namaste %s, your %s application has been submitted successfully.",
				job.CitizenName, schemeLabel(job.Scheme))
		}
		return fmt.Sprintf("Namaste %s, your %s application has been submitted successfully. Reference number: %s.",
			job.CitizenName, schemeLabel(job.Scheme), ref)
	default:
		cause, _ := job.Result[models.ResultFailureCause].(string)
		if cause == "" {
			cause = "an unexpected error"
		}
		return fmt.Sprintf("Namaste %s, your %s application could not be completed due to %s. Please contact your VLE.",
			job.CitizenName, schemeLabel(job.Scheme), cause)
	}
}

func schemeLabel(scheme string) string {
	if scheme == "" {
		return "service"
	}
	return scheme
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
