// Package capability defines the narrow contracts of the external
// collaborators: speech transcription, intent extraction, document
// verification, portal navigation, and citizen notification. The
// orchestration core depends only on these interfaces, never on a concrete
// provider, so fallback providers plug in without touching the core.
package capability

import (
	"context"
	"errors"
	"fmt"
)

// TranscribeRequest carries the voice payload for one job.
type TranscribeRequest struct {
	JobID          string `json:"job_id"`
	AudioKey       string `json:"audio_key"`
	LanguageHint   string `json:"language_hint,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// TranscribeResult is the collaborator's transcript.
type TranscribeResult struct {
	Transcript string  `json:"transcript"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (TranscribeResult, error)
}

// IntentRequest carries a transcript for scheme/entity extraction.
type IntentRequest struct {
	JobID          string `json:"job_id"`
	Transcript     string `json:"transcript"`
	IdempotencyKey string `json:"idempotency_key"`
}

// IntentResult names the target scheme and any extracted entities.
type IntentResult struct {
	Scheme   string         `json:"scheme"`
	Intent   string         `json:"intent,omitempty"`
	Entities map[string]any `json:"entities,omitempty"`
}

type IntentExtractor interface {
	ExtractIntent(ctx context.Context, req IntentRequest) (IntentResult, error)
}

// VerifyRequest references one uploaded document image.
type VerifyRequest struct {
	JobID          string   `json:"job_id"`
	DocumentKeys   []string `json:"document_keys"`
	IdempotencyKey string   `json:"idempotency_key"`
}

// VerifyResult holds extracted fields and the masked artifact reference.
type VerifyResult struct {
	ExtractedFields map[string]any `json:"extracted_fields,omitempty"`
	MaskedArtifact  string         `json:"masked_artifact,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
}

type DocumentVerifier interface {
	VerifyDocument(ctx context.Context, req VerifyRequest) (VerifyResult, error)
}

// NavigateRequest asks the portal agent to drive the scheme portal.
type NavigateRequest struct {
	JobID          string         `json:"job_id"`
	Scheme         string         `json:"scheme"`
	Fields         map[string]any `json:"fields,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// NavigateResult carries the portal outcome and application reference.
type NavigateResult struct {
	Reference string `json:"reference,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// PortalNavigator drives autonomous portal navigation, including the
// CAPTCHA step that follows it.
type PortalNavigator interface {
	NavigatePortal(ctx context.Context, req NavigateRequest) (NavigateResult, error)
	SolveCaptcha(ctx context.Context, req NavigateRequest) (NavigateResult, error)
}

// Notification is one citizen-facing message.
type Notification struct {
	JobID          string `json:"job_id"`
	Phone          string `json:"phone"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Receipt acknowledges channel delivery.
type Receipt struct {
	DeliveryID string `json:"delivery_id,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) (Receipt, error)
}

// Set bundles one provider per capability for wiring.
type Set struct {
	Transcriber Transcriber
	Extractor   IntentExtractor
	Verifier    DocumentVerifier
	Navigator   PortalNavigator
	Notifier    Notifier
}

// transientError marks network/timeout/5xx-class failures the dispatcher
// may retry.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// permanentError marks 4xx-class/semantic rejections that are never retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf wraps a formatted error as retryable.
func Transientf(format string, args ...any) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf wraps a formatted error as non-retryable.
func Permanentf(format string, args ...any) error {
	return &permanentError{err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err was classified non-retryable. Unclassified
// errors default to transient: the unknown case is a network-ish failure,
// and the retry budget bounds the damage.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
