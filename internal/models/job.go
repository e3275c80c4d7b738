package models

import (
	"time"
)

// JobStatus values persisted in Postgres. Transitions between them are
// owned by internal/orchestrator; nothing else writes jobs.status.
const (
	StatusQueued               = "queued"
	StatusTranscribing         = "transcribing"
	StatusIntentExtracted      = "intent_extracted"
	StatusAwaitingConsent      = "awaiting_consent"
	StatusVerifyingDocuments   = "verifying_documents"
	StatusNavigatingPortal     = "navigating_portal"
	StatusSolvingCaptcha       = "solving_captcha"
	StatusAwaitingConfirmation = "awaiting_confirmation"
	StatusCompleted            = "completed"
	StatusFailed               = "failed"
	StatusCancelled            = "cancelled"
)

// Stage names, one per collaborator capability. The dispatcher derives the
// task idempotency key from (job id, stage), so these strings are part of
// the persisted contract.
const (
	StageTranscribe      = "transcribe"
	StageExtractIntent   = "extract_intent"
	StageVerifyDocuments = "verify_documents"
	StageNavigatePortal  = "navigate_portal"
	StageSolveCaptcha    = "solve_captcha"
)

// Government schemes a job can target.
const (
	SchemePMKisan        = "pm-kisan"
	SchemeEShram         = "e-shram"
	SchemeEPFO           = "epfo"
	SchemeWidowPension   = "widow-pension"
	SchemeRationCard     = "ration-card"
	SchemeAyushmanBharat = "ayushman-bharat"
)

// IsTerminal reports whether no further transitions are permitted from status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Job is a citizen service request persisted in Postgres. Status moves only
// through version-checked updates; Version is the sole concurrency control.
// Request holds submission inputs (artifact keys, language hint, consent
// attestation); Result accumulates stage output fragments.
type Job struct {
	ID               string         `json:"id"`
	VLEID            string         `json:"vle_id"`
	CitizenName      string         `json:"citizen_name"`
	CitizenPhone     string         `json:"citizen_phone"`
	Scheme           string         `json:"scheme,omitempty"`
	Status           string         `json:"status"`
	Version          int64          `json:"version"`
	Request          map[string]any `json:"request,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
	NotificationSent bool           `json:"notification_sent"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Request map keys written at submission and consumed by stage handlers.
const (
	RequestAudioKey        = "audio_key"
	RequestLanguageHint    = "language_hint"
	RequestDocumentKeys    = "document_keys"
	RequestConsentRecorded = "consent_recorded"
	RequestConsentText     = "consent_text"
	RequestConsentAudio    = "consent_audio_hash"
	RequestOrigin          = "origin"
)

// Result map keys contributed by stages.
const (
	ResultTranscript      = "transcript"
	ResultIntent          = "intent"
	ResultEntities        = "entities"
	ResultExtractedFields = "extracted_fields"
	ResultMaskedArtifact  = "masked_artifact"
	ResultReference       = "reference"
	ResultFailureCause    = "failure_cause"
)
