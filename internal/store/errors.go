package store

import "errors"

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrConcurrentModification is returned when a version-checked update
	// loses the race. Callers must reload the job and re-derive the next
	// action from current state rather than retry the stale event.
	ErrConcurrentModification = errors.New("concurrent modification: version mismatch")

	// ErrDuplicateConsent is returned when an active consent record already
	// exists for the job/scheme pair with a different audio hash.
	ErrDuplicateConsent = errors.New("active consent record already exists")

	// ErrTaskInFlight is returned when a pending task already exists for the
	// (job, stage) pair and is still within its grace period.
	ErrTaskInFlight = errors.New("task already in flight for stage")

	// ErrTaskAlreadySucceeded is returned when a succeeded task row exists
	// for the (job, stage) pair. A worker died between the task commit and
	// the job transition; the dispatcher must replay the call under the same
	// idempotency key instead of inserting a new row.
	ErrTaskAlreadySucceeded = errors.New("task already succeeded for stage")
)
