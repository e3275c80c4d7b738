package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"seva-orchestrator/internal/models"
	"seva-orchestrator/internal/orchestrator"
	"seva-orchestrator/internal/store"
	"seva-orchestrator/internal/syncqueue"
	"seva-orchestrator/internal/telemetry"
)

// handleSync applies a batch of edge operations. Each op carries a
// client-generated token; a token seen before is acknowledged as a duplicate
// without re-applying. Ops that no longer fit the job's current state are
// reported as conflicts: the server state wins and the device reconciles
// from the snapshots in the response.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncqueue.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	resp := syncqueue.SyncResponse{Results: make([]syncqueue.OpResult, 0, len(req.Ops))}
	touched := map[string]bool{}
	for _, id := range req.JobIDs {
		touched[id] = true
	}

	for _, op := range req.Ops {
		res := s.applyOp(r, op)
		resp.Results = append(resp.Results, res)
		if res.JobID != "" {
			touched[res.JobID] = true
		}
		switch res.Status {
		case syncqueue.SyncApplied:
			telemetry.SyncOpsApplied.Inc()
		case syncqueue.SyncDuplicate:
			telemetry.SyncOpsDuplicate.Inc()
		}
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	jobs, err := s.store.GetJobs(r.Context(), ids)
	if err != nil {
		http.Error(w, "snapshot lookup failed", http.StatusInternalServerError)
		return
	}
	resp.Jobs = jobs

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) applyOp(r *http.Request, op syncqueue.Op) syncqueue.OpResult {
	ctx := r.Context()
	if op.Token == "" {
		return syncqueue.OpResult{Status: syncqueue.SyncRejected, Error: "op token is required"}
	}

	// Replay check. Submit ops are also checked here, before any artifact
	// upload; CreateJob's own key claim remains the backstop for races.
	if existing, found, err := s.store.FindByIdempotencyKey(ctx, op.Token); err != nil {
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncRejected, Error: "token lookup failed"}
	} else if found {
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncDuplicate, JobID: existing.ID}
	}

	switch op.Kind {
	case syncqueue.OpSubmitJob:
		return s.applySubmitOp(r, op)
	case syncqueue.OpRecordConsent:
		return s.applyConsentOp(ctx, op)
	case syncqueue.OpConfirmJob:
		return s.applyConfirmOp(ctx, op)
	case syncqueue.OpCancelJob:
		return s.applyCancelOp(ctx, op)
	default:
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncRejected, Error: "unknown op kind: " + op.Kind}
	}
}

func (s *Server) applySubmitOp(r *http.Request, op syncqueue.Op) syncqueue.OpResult {
	var req submitRequest
	raw, err := json.Marshal(op.Payload)
	if err == nil {
		err = json.Unmarshal(raw, &req)
	}
	if err != nil {
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncRejected, Error: "malformed submit payload"}
	}
	if msg := validateSubmit(req); msg != "" {
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncRejected, Error: msg}
	}

	jobRequest, err := s.buildJobRequest(r, req)
	if err != nil {
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncRejected, Error: err.Error()}
	}
	jobRequest[models.RequestOrigin] = "edge"

	job, idempotent, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		VLEID:          req.VLEID,
		CitizenName:    req.CitizenName,
		CitizenPhone:   req.CitizenPhone,
		Request:        jobRequest,
		IdempotencyKey: op.Token,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncRejected, Error: "create job failed"}
	}
	if idempotent {
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncDuplicate, JobID: job.ID}
	}
	if err := s.queue.Enqueue(r.Context(), job.ID, time.Now()); err != nil {
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncRejected, Error: "enqueue failed"}
	}
	telemetry.JobsSubmitted.Inc()
	return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncApplied, JobID: job.ID}
}

// resolveJob maps an op's job reference to a job. The reference is either a
// central job id or, for ops queued offline behind an unsynced submit, the
// submit op's token.
func (s *Server) resolveJob(ctx context.Context, ref string) (models.Job, error) {
	job, err := s.store.GetJob(ctx, ref)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Job{}, err
	}
	job, found, err := s.store.FindByIdempotencyKey(ctx, ref)
	if err != nil {
		return models.Job{}, err
	}
	if !found {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (s *Server) applyConsentOp(ctx context.Context, op syncqueue.Op) syncqueue.OpResult {
	job, err := s.resolveJob(ctx, op.JobID)
	if err != nil {
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncRejected, Error: "job not found"}
	}
	text, _ := op.Payload["consent_text"].(string)
	hash, _ := op.Payload["audio_hash"].(string)
	origin, _ := op.Payload["origin"].(string)
	if hash == "" {
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncRejected, JobID: job.ID, Error: "audio_hash is required"}
	}
	if models.IsTerminal(job.Status) || job.Scheme == "" {
		// The job moved past (or never reached) the point where this consent
		// applies. Record the attestation in the audit trail and let the
		// snapshot tell the device where the job actually is.
		_ = s.store.AppendAudit(ctx, job.ID, "sync_consent_replayed", map[string]any{
			"status": job.Status, "audio_hash": hash,
		}, "api")
		_, _ = s.store.ClaimSyncToken(ctx, op.Token, job.ID, s.cfg.IdempotencyTTL)
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncConflict, JobID: job.ID}
	}

	if _, err := s.store.RecordConsent(ctx, models.ConsentRecord{
		JobID:        job.ID,
		CitizenPhone: job.CitizenPhone,
		VLEID:        job.VLEID,
		ConsentText:  text,
		AudioHash:    hash,
		Scheme:       job.Scheme,
		Origin:       origin,
	}); err != nil {
		if errors.Is(err, store.ErrDuplicateConsent) {
			return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncConflict, JobID: job.ID, Error: "conflicting consent artifact"}
		}
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncRejected, JobID: job.ID, Error: "record consent failed"}
	}
	if job.Status == models.StatusAwaitingConsent {
		_ = s.queue.Enqueue(ctx, job.ID, time.Now())
	}
	_, _ = s.store.ClaimSyncToken(ctx, op.Token, job.ID, s.cfg.IdempotencyTTL)
	return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncApplied, JobID: job.ID}
}

func (s *Server) applyConfirmOp(ctx context.Context, op syncqueue.Op) syncqueue.OpResult {
	job, err := s.resolveJob(ctx, op.JobID)
	if err != nil {
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncRejected, Error: "job not found"}
	}
	if job.Status != models.StatusAwaitingConfirmation {
		_ = s.store.AppendAudit(ctx, job.ID, "sync_confirm_replayed", map[string]any{
			"status": job.Status,
		}, "api")
		_, _ = s.store.ClaimSyncToken(ctx, op.Token, job.ID, s.cfg.IdempotencyTTL)
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncConflict, JobID: job.ID}
	}

	advanced, err := s.machine.Advance(ctx, job.ID, job.Version, orchestrator.Event{
		Type:   orchestrator.EventConfirmed,
		Detail: map[string]any{"source": "sync"},
	})
	if err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncConflict, JobID: job.ID}
		}
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncRejected, JobID: job.ID, Error: "confirm failed"}
	}
	if s.notifier != nil {
		_ = s.notifier.NotifyTerminal(ctx, advanced)
	}
	_, _ = s.store.ClaimSyncToken(ctx, op.Token, job.ID, s.cfg.IdempotencyTTL)
	return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncApplied, JobID: job.ID}
}

func (s *Server) applyCancelOp(ctx context.Context, op syncqueue.Op) syncqueue.OpResult {
	job, err := s.resolveJob(ctx, op.JobID)
	if err != nil {
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncRejected, Error: "job not found"}
	}
	if _, err := s.machine.Cancel(ctx, job.ID, "cancelled via edge sync"); err != nil {
		if errors.Is(err, orchestrator.ErrInvalidTransition) {
			// Already finished; server state wins.
			_, _ = s.store.ClaimSyncToken(ctx, op.Token, job.ID, s.cfg.IdempotencyTTL)
			return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncConflict, JobID: job.ID}
		}
		return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncRejected, JobID: job.ID, Error: "cancel failed"}
	}
	_ = s.queue.Remove(ctx, job.ID)
	_, _ = s.store.ClaimSyncToken(ctx, op.Token, job.ID, s.cfg.IdempotencyTTL)
	return syncqueue.OpResult{Token: op.Token, Status: syncqueue.SyncApplied, JobID: job.ID}
}
