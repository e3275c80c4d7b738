package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"seva-orchestrator/internal/models"
	"seva-orchestrator/internal/store"
)

// Event types consumed by Advance. Stage events are produced by the task
// dispatcher; consent and confirmation events arrive from the API.
const (
	EventStarted           = "started"
	EventTranscribed       = "transcribed"
	EventIntentExtracted   = "intent_extracted"
	EventConsentGranted    = "consent_granted"
	EventDocumentsVerified = "documents_verified"
	EventPortalNavigated   = "portal_navigated"
	EventCaptchaSolved     = "captcha_solved"
	EventConfirmed         = "confirmed"
	EventStageFailed       = "stage_failed"
	EventCancelled         = "cancelled"
)

// transitions is the full edge set of the job state machine. failed and
// cancelled are reachable from every non-terminal state via the two
// catch-all events handled in Advance.
var transitions = map[string]map[string]string{
	models.StatusQueued: {
		EventStarted: models.StatusTranscribing,
	},
	models.StatusTranscribing: {
		EventTranscribed: models.StatusIntentExtracted,
	},
	models.StatusIntentExtracted: {
		EventIntentExtracted: models.StatusAwaitingConsent,
	},
	models.StatusAwaitingConsent: {
		EventConsentGranted: models.StatusVerifyingDocuments,
	},
	models.StatusVerifyingDocuments: {
		EventDocumentsVerified: models.StatusNavigatingPortal,
	},
	models.StatusNavigatingPortal: {
		EventPortalNavigated: models.StatusSolvingCaptcha,
	},
	models.StatusSolvingCaptcha: {
		EventCaptchaSolved: models.StatusAwaitingConfirmation,
	},
	models.StatusAwaitingConfirmation: {
		EventConfirmed: models.StatusCompleted,
	},
}

// stageBindings maps a status to the collaborator stage that must succeed
// to leave it, and the event that success produces.
var stageBindings = map[string]struct {
	Stage string
	Event string
}{
	models.StatusTranscribing:       {models.StageTranscribe, EventTranscribed},
	models.StatusIntentExtracted:    {models.StageExtractIntent, EventIntentExtracted},
	models.StatusVerifyingDocuments: {models.StageVerifyDocuments, EventDocumentsVerified},
	models.StatusNavigatingPortal:   {models.StageNavigatePortal, EventPortalNavigated},
	models.StatusSolvingCaptcha:     {models.StageSolveCaptcha, EventCaptchaSolved},
}

// StageFor returns the stage bound to a status and the event its success
// produces. ok is false for statuses with no collaborator work (queued,
// the two parked statuses, terminals).
func StageFor(status string) (stage, event string, ok bool) {
	b, ok := stageBindings[status]
	return b.Stage, b.Event, ok
}

var (
	// ErrInvalidTransition is returned when an event is not legal for the
	// job's current status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConsentMissing blocks the consent-gated transition. The job stays
	// in awaiting_consent; this is not a terminal failure.
	ErrConsentMissing = errors.New("consent record missing")
)

// Event is one input to the state machine: an event type, the result
// fragment it contributes, and the scheme when the event fixes it.
type Event struct {
	Type   string
	Scheme string
	Result map[string]any
	Detail map[string]any
}

// Store is the persistence surface the machine drives. Implemented by
// internal/store for Postgres and by in-memory fakes in tests.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ApplyTransition(ctx context.Context, p store.TransitionParams) (models.Job, error)
	HasConsent(ctx context.Context, jobID, scheme string) (bool, error)
	RecordConsent(ctx context.Context, rec models.ConsentRecord) (models.ConsentRecord, error)
}

// Machine owns the transition graph. All job mutation flows through it.
type Machine struct {
	store   Store
	service string
}

func New(st Store, service string) *Machine {
	return &Machine{store: st, service: service}
}

// Advance validates ev against the transition table for the job's current
// status and commits the new status, result fragment, and audit row with an
// optimistic version bump. A version mismatch surfaces as
// store.ErrConcurrentModification; the caller must reload and re-derive the
// next action rather than retry the stale event.
func (m *Machine) Advance(ctx context.Context, jobID string, expectedVersion int64, ev Event) (models.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.Version != expectedVersion {
		return models.Job{}, store.ErrConcurrentModification
	}
	if models.IsTerminal(job.Status) {
		return models.Job{}, fmt.Errorf("%w: job is %s", ErrInvalidTransition, job.Status)
	}

	var next string
	switch ev.Type {
	case EventStageFailed:
		next = models.StatusFailed
	case EventCancelled:
		next = models.StatusCancelled
	default:
		var ok bool
		next, ok = transitions[job.Status][ev.Type]
		if !ok {
			return models.Job{}, fmt.Errorf("%w: %s does not accept %s", ErrInvalidTransition, job.Status, ev.Type)
		}
	}

	// Consent gate: nothing that invokes the portal agent runs without a
	// recorded consent artifact.
	if next == models.StatusVerifyingDocuments {
		scheme := ev.Scheme
		if scheme == "" {
			scheme = job.Scheme
		}
		ok, err := m.store.HasConsent(ctx, job.ID, scheme)
		if err != nil {
			return models.Job{}, err
		}
		if !ok {
			return models.Job{}, ErrConsentMissing
		}
	}

	detail := map[string]any{"from": job.Status, "to": next}
	for k, v := range ev.Detail {
		detail[k] = v
	}

	return m.store.ApplyTransition(ctx, store.TransitionParams{
		JobID:           job.ID,
		ExpectedVersion: expectedVersion,
		NewStatus:       next,
		Scheme:          ev.Scheme,
		ResultFragment:  ev.Result,
		Completed:       next == models.StatusCompleted || next == models.StatusFailed,
		AuditEvent:      ev.Type,
		AuditDetail:     detail,
		Service:         m.service,
	})
}

// Cancel marks the job cancelled from any non-terminal state. In-flight
// collaborator calls are not forcibly aborted; their late results lose the
// version race and are discarded. Retries the version check a few times
// since cancel intent is not tied to any particular version.
func (m *Machine) Cancel(ctx context.Context, jobID, reason string) (models.Job, error) {
	for attempt := 0; attempt < 3; attempt++ {
		job, err := m.store.GetJob(ctx, jobID)
		if err != nil {
			return models.Job{}, err
		}
		if models.IsTerminal(job.Status) {
			if job.Status == models.StatusCancelled {
				return job, nil
			}
			return models.Job{}, fmt.Errorf("%w: job is %s", ErrInvalidTransition, job.Status)
		}
		job, err = m.Advance(ctx, jobID, job.Version, Event{
			Type:   EventCancelled,
			Detail: map[string]any{"reason": reason},
		})
		if errors.Is(err, store.ErrConcurrentModification) {
			continue
		}
		return job, err
	}
	return models.Job{}, store.ErrConcurrentModification
}

// ResolveConsentGate attempts to move a job out of awaiting_consent. When
// the submission attested consent, the record is written now that intent
// extraction has fixed the scheme. Returns the (possibly advanced) job and
// whether the gate opened; a still-parked job is not an error.
func (m *Machine) ResolveConsentGate(ctx context.Context, job models.Job) (models.Job, bool, error) {
	if job.Status != models.StatusAwaitingConsent {
		return job, false, fmt.Errorf("%w: consent gate from %s", ErrInvalidTransition, job.Status)
	}

	has, err := m.store.HasConsent(ctx, job.ID, job.Scheme)
	if err != nil {
		return job, false, err
	}
	if !has {
		attested, _ := job.Request[models.RequestConsentRecorded].(bool)
		text, _ := job.Request[models.RequestConsentText].(string)
		hash, _ := job.Request[models.RequestConsentAudio].(string)
		if !attested || hash == "" {
			return job, false, nil
		}
		origin, _ := job.Request[models.RequestOrigin].(string)
		if _, err := m.store.RecordConsent(ctx, models.ConsentRecord{
			JobID:        job.ID,
			CitizenPhone: job.CitizenPhone,
			VLEID:        job.VLEID,
			ConsentText:  text,
			AudioHash:    hash,
			Scheme:       job.Scheme,
			Origin:       origin,
		}); err != nil {
			return job, false, err
		}
	}

	advanced, err := m.Advance(ctx, job.ID, job.Version, Event{Type: EventConsentGranted})
	if err != nil {
		return job, false, err
	}
	return advanced, true, nil
}
