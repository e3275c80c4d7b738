// Package api exposes the central HTTP surface: job submission and
// lifecycle events for online agents, and the batch sync endpoint for
// offline-first edge devices.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"seva-orchestrator/internal/artifact"
	"seva-orchestrator/internal/config"
	"seva-orchestrator/internal/models"
	"seva-orchestrator/internal/orchestrator"
	"seva-orchestrator/internal/store"
	"seva-orchestrator/internal/telemetry"
)

// JobStore is the persistence surface the API needs. Implemented by
// internal/store; tests supply fakes.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetJobs(ctx context.Context, ids []string) ([]models.Job, error)
	FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error)
	ClaimSyncToken(ctx context.Context, token, jobID string, ttl time.Duration) (bool, error)
	RecordConsent(ctx context.Context, rec models.ConsentRecord) (models.ConsentRecord, error)
	ListAudit(ctx context.Context, jobID string) ([]models.AuditLogEntry, error)
	AppendAudit(ctx context.Context, jobID, event string, detail map[string]any, service string) error
}

// Queue is the work-handoff surface the API needs.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, runAt time.Time) error
	Remove(ctx context.Context, jobID string) error
}

// Limiter throttles submissions per VLE. Nil disables limiting.
type Limiter interface {
	AllowVLE(ctx context.Context, vleID string) (bool, float64, error)
}

// TerminalNotifier delivers the citizen-facing terminal message after a
// confirmation event lands through the API.
type TerminalNotifier interface {
	NotifyTerminal(ctx context.Context, job models.Job) error
}

// Server wires HTTP handlers for the orchestration API.
type Server struct {
	cfg       config.Config
	store     JobStore
	queue     Queue
	machine   *orchestrator.Machine
	limiter   Limiter
	artifacts artifact.Store
	notifier  TerminalNotifier
}

// New constructs the API server. limiter, artifacts, and notifier may be nil
// in reduced deployments.
func New(cfg config.Config, st JobStore, q Queue, m *orchestrator.Machine, limiter Limiter, artifacts artifact.Store, notifier TerminalNotifier) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		machine:   m,
		limiter:   limiter,
		artifacts: artifacts,
		notifier:  notifier,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/wait", s.handleWait)
	r.Get("/jobs/{id}/audit", s.handleAudit)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/jobs/{id}/consent", s.handleConsent)
	r.Post("/jobs/{id}/confirm", s.handleConfirm)
	r.Post("/sync", s.handleSync)
	return r
}

type submitRequest struct {
	VLEID           string   `json:"vle_id"`
	CitizenName     string   `json:"citizen_name"`
	CitizenPhone    string   `json:"citizen_phone"`
	LanguageHint    string   `json:"language_hint"`
	AudioBase64     string   `json:"audio_base64"`
	DocumentsBase64 []string `json:"documents_base64"`
	ConsentRecorded bool     `json:"consent_recorded"`
	ConsentText     string   `json:"consent_text"`
	IdempotencyKey  string   `json:"idempotency_key"`
	Origin          string   `json:"origin"`
}

type submitResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if msg := validateSubmit(req); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowVLE(r.Context(), req.VLEID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	jobRequest, err := s.buildJobRequest(r, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, idempotent, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		VLEID:          req.VLEID,
		CitizenName:    req.CitizenName,
		CitizenPhone:   req.CitizenPhone,
		Request:        jobRequest,
		IdempotencyKey: req.IdempotencyKey,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		http.Error(w, "create job failed", http.StatusInternalServerError)
		return
	}

	if !idempotent {
		if err := s.queue.Enqueue(r.Context(), job.ID, time.Now()); err != nil {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		telemetry.JobsSubmitted.Inc()
	}

	writeJSON(w, http.StatusAccepted, submitResponse{Job: job, Idempotent: idempotent})
}

func validateSubmit(req submitRequest) string {
	switch {
	case req.VLEID == "":
		return "vle_id is required"
	case req.CitizenName == "":
		return "citizen_name is required"
	case req.CitizenPhone == "":
		return "citizen_phone is required"
	case req.AudioBase64 == "":
		return "audio_base64 is required"
	}
	return ""
}

// buildJobRequest uploads submission artifacts and assembles the request
// payload persisted on the job. Blobs never enter the job record; only keys
// and the consent attestation do.
func (s *Server) buildJobRequest(r *http.Request, req submitRequest) (map[string]any, error) {
	audio, err := base64.StdEncoding.DecodeString(req.AudioBase64)
	if err != nil {
		return nil, errors.New("audio_base64 is not valid base64")
	}
	if s.cfg.ArtifactMaxBytes > 0 && int64(len(audio)) > s.cfg.ArtifactMaxBytes {
		return nil, fmt.Errorf("audio exceeds %d bytes", s.cfg.ArtifactMaxBytes)
	}

	prefix := uuid.New().String()
	audioKey := prefix + "/audio"
	if s.artifacts != nil {
		if _, err := s.artifacts.Put(r.Context(), audioKey, audio, http.DetectContentType(audio)); err != nil {
			return nil, errors.New("store audio artifact failed")
		}
	}

	docKeys := make([]any, 0, len(req.DocumentsBase64))
	for i, encoded := range req.DocumentsBase64 {
		doc, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("documents_base64[%d] is not valid base64", i)
		}
		if s.cfg.ArtifactMaxBytes > 0 && int64(len(doc)) > s.cfg.ArtifactMaxBytes {
			return nil, fmt.Errorf("document %d exceeds %d bytes", i, s.cfg.ArtifactMaxBytes)
		}
		contentType := http.DetectContentType(doc)
		doc, contentType = artifact.DownscaleDocument(doc, contentType, s.cfg.DocumentMaxWidth)
		key := fmt.Sprintf("%s/doc-%d", prefix, i)
		if s.artifacts != nil {
			if _, err := s.artifacts.Put(r.Context(), key, doc, contentType); err != nil {
				return nil, errors.New("store document artifact failed")
			}
		}
		docKeys = append(docKeys, key)
	}

	jobRequest := map[string]any{
		models.RequestAudioKey:        audioKey,
		models.RequestLanguageHint:    req.LanguageHint,
		models.RequestDocumentKeys:    docKeys,
		models.RequestConsentRecorded: req.ConsentRecorded,
		models.RequestOrigin:          req.Origin,
	}
	if req.ConsentRecorded {
		// The consent audio is the submission voice note; its hash is the
		// ledger artifact.
		sum := sha256.Sum256(audio)
		jobRequest[models.RequestConsentText] = req.ConsentText
		jobRequest[models.RequestConsentAudio] = hex.EncodeToString(sum[:])
	}
	return jobRequest, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleWait long-polls until the job's version exceeds the caller's or the
// bounded wait expires, then returns the current job either way. Replaces
// client-side busy polling over flaky rural links.
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var sinceVersion int64
	if v := r.URL.Query().Get("version"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &sinceVersion); err != nil {
			http.Error(w, "version must be an integer", http.StatusBadRequest)
			return
		}
	}
	timeout := s.cfg.LongPollMax
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		if d < timeout {
			timeout = d
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		job, err := s.store.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "job not found", http.StatusNotFound)
				return
			}
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		if job.Version > sinceVersion || models.IsTerminal(job.Status) || time.Now().After(deadline) {
			writeJSON(w, http.StatusOK, job)
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	entries, err := s.store.ListAudit(r.Context(), id)
	if err != nil {
		http.Error(w, "audit lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.machine.Cancel(r.Context(), id, "cancel requested via API")
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "job not found", http.StatusNotFound)
		case errors.Is(err, orchestrator.ErrInvalidTransition):
			http.Error(w, "job already finished", http.StatusConflict)
		default:
			http.Error(w, "cancel failed", http.StatusInternalServerError)
		}
		return
	}
	_ = s.queue.Remove(r.Context(), id)
	writeJSON(w, http.StatusOK, job)
}

type consentRequest struct {
	ConsentText string `json:"consent_text"`
	AudioHash   string `json:"audio_hash"`
	Origin      string `json:"origin"`
}

// handleConsent records a consent artifact for a parked job and re-enqueues
// it so the worker can open the gate.
func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req consentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.AudioHash == "" {
		http.Error(w, "audio_hash is required", http.StatusBadRequest)
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if models.IsTerminal(job.Status) {
		http.Error(w, "job already finished", http.StatusConflict)
		return
	}
	if job.Scheme == "" {
		http.Error(w, "scheme not yet determined", http.StatusConflict)
		return
	}

	rec, err := s.store.RecordConsent(r.Context(), models.ConsentRecord{
		JobID:        job.ID,
		CitizenPhone: job.CitizenPhone,
		VLEID:        job.VLEID,
		ConsentText:  req.ConsentText,
		AudioHash:    req.AudioHash,
		Scheme:       job.Scheme,
		Origin:       req.Origin,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateConsent) {
			http.Error(w, "consent already recorded with a different artifact", http.StatusConflict)
			return
		}
		http.Error(w, "record consent failed", http.StatusInternalServerError)
		return
	}

	if job.Status == models.StatusAwaitingConsent {
		_ = s.queue.Enqueue(r.Context(), job.ID, time.Now())
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleConfirm applies the VLE's confirmation to a job parked in
// awaiting_confirmation and triggers the terminal notification.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if job.Status != models.StatusAwaitingConfirmation {
		http.Error(w, fmt.Sprintf("job is %s, not awaiting confirmation", job.Status), http.StatusConflict)
		return
	}

	advanced, err := s.machine.Advance(r.Context(), job.ID, job.Version, orchestrator.Event{
		Type:   orchestrator.EventConfirmed,
		Detail: map[string]any{"source": "api"},
	})
	if err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			http.Error(w, "job changed, retry", http.StatusConflict)
			return
		}
		http.Error(w, "confirm failed", http.StatusInternalServerError)
		return
	}

	if s.notifier != nil {
		_ = s.notifier.NotifyTerminal(r.Context(), advanced)
	}
	writeJSON(w, http.StatusOK, advanced)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
