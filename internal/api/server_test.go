package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seva-orchestrator/internal/artifact"
	"seva-orchestrator/internal/config"
	"seva-orchestrator/internal/models"
	"seva-orchestrator/internal/orchestrator"
	"seva-orchestrator/internal/store"
	"seva-orchestrator/internal/syncqueue"
)

// memStore backs the API and the state machine in-memory, mirroring the
// Postgres store's idempotency and version-check behavior.
type memStore struct {
	mu       sync.Mutex
	seq      int
	jobs     map[string]models.Job
	idemKeys map[string]string
	consents map[string]models.ConsentRecord
	audits   []models.AuditLogEntry
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     map[string]models.Job{},
		idemKeys: map[string]string{},
		consents: map[string]models.ConsentRecord{},
	}
}

func (m *memStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.IdempotencyKey != "" {
		if id, ok := m.idemKeys[p.IdempotencyKey]; ok {
			return m.jobs[id], true, nil
		}
	}
	m.seq++
	job := models.Job{
		ID:           fmt.Sprintf("job-%d", m.seq),
		VLEID:        p.VLEID,
		CitizenName:  p.CitizenName,
		CitizenPhone: p.CitizenPhone,
		Status:       models.StatusQueued,
		Version:      1,
		Request:      p.Request,
		Result:       map[string]any{},
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	m.jobs[job.ID] = job
	if p.IdempotencyKey != "" {
		m.idemKeys[p.IdempotencyKey] = job.ID
	}
	m.audits = append(m.audits, models.AuditLogEntry{JobID: job.ID, Event: "job_submitted"})
	return job, false, nil
}

func (m *memStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (m *memStore) GetJobs(_ context.Context, ids []string) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []models.Job
	for _, id := range ids {
		if job, ok := m.jobs[id]; ok {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (m *memStore) FindByIdempotencyKey(_ context.Context, key string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.idemKeys[key]
	if !ok {
		return models.Job{}, false, nil
	}
	return m.jobs[id], true, nil
}

func (m *memStore) ClaimSyncToken(_ context.Context, token, jobID string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.idemKeys[token]; ok {
		return false, nil
	}
	m.idemKeys[token] = jobID
	return true, nil
}

func (m *memStore) RecordConsent(_ context.Context, rec models.ConsentRecord) (models.ConsentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.JobID + "|" + rec.Scheme
	if existing, ok := m.consents[key]; ok {
		if existing.AudioHash == rec.AudioHash {
			return existing, nil
		}
		return models.ConsentRecord{}, store.ErrDuplicateConsent
	}
	m.consents[key] = rec
	return rec, nil
}

func (m *memStore) HasConsent(_ context.Context, jobID, scheme string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.consents[jobID+"|"+scheme]
	return ok, nil
}

func (m *memStore) ApplyTransition(_ context.Context, p store.TransitionParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[p.JobID]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	if job.Version != p.ExpectedVersion {
		return models.Job{}, store.ErrConcurrentModification
	}
	job.Status = p.NewStatus
	job.Version++
	if p.Scheme != "" {
		job.Scheme = p.Scheme
	}
	for k, v := range p.ResultFragment {
		job.Result[k] = v
	}
	m.jobs[p.JobID] = job
	m.audits = append(m.audits, models.AuditLogEntry{JobID: p.JobID, Event: p.AuditEvent})
	return job, nil
}

func (m *memStore) ListAudit(_ context.Context, jobID string) ([]models.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []models.AuditLogEntry
	for _, e := range m.audits {
		if e.JobID == jobID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (m *memStore) AppendAudit(_ context.Context, jobID, event string, _ map[string]any, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, models.AuditLogEntry{JobID: jobID, Event: event})
	return nil
}

type memQueue struct {
	mu       sync.Mutex
	enqueued []string
	removed  []string
}

func (q *memQueue) Enqueue(_ context.Context, jobID string, _ time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func (q *memQueue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, jobID)
	return nil
}

type allowAllLimiter struct{ rejected bool }

func (l *allowAllLimiter) AllowVLE(context.Context, string) (bool, float64, error) {
	return !l.rejected, 0, nil
}

type recordingNotifier struct{ notified []string }

func (n *recordingNotifier) NotifyTerminal(_ context.Context, job models.Job) error {
	n.notified = append(n.notified, job.ID)
	return nil
}

func newTestServer(t *testing.T) (*Server, *memStore, *memQueue, *recordingNotifier) {
	t.Helper()
	st := newMemStore()
	q := &memQueue{}
	n := &recordingNotifier{}
	cfg := config.Config{
		IdempotencyTTL:   time.Hour,
		LongPollMax:      time.Second,
		ArtifactMaxBytes: 1 << 20,
	}
	machine := orchestrator.New(st, "api")
	artifacts := &artifact.LocalStore{BaseDir: t.TempDir()}
	return New(cfg, st, q, machine, &allowAllLimiter{}, artifacts, n), st, q, n
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func validSubmit() submitRequest {
	return submitRequest{
		VLEID:           "vle-1",
		CitizenName:     "Ramesh",
		CitizenPhone:    "9999999999",
		LanguageHint:    "hi",
		AudioBase64:     base64.StdEncoding.EncodeToString([]byte("voice-note")),
		ConsentRecorded: true,
		ConsentText:     "I consent to this application",
		IdempotencyKey:  "sub-1",
	}
}

func TestSubmitValidation(t *testing.T) {
	s, _, q, _ := newTestServer(t)
	router := s.Router()

	for _, tc := range []struct {
		name   string
		mutate func(*submitRequest)
	}{
		{"missing vle", func(r *submitRequest) { r.VLEID = "" }},
		{"missing name", func(r *submitRequest) { r.CitizenName = "" }},
		{"missing phone", func(r *submitRequest) { r.CitizenPhone = "" }},
		{"missing audio", func(r *submitRequest) { r.AudioBase64 = "" }},
		{"bad audio encoding", func(r *submitRequest) { r.AudioBase64 = "!!not-base64!!" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := validSubmit()
			tc.mutate(&req)
			rec := postJSON(t, router, "/jobs", req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	// A rejected submission never creates or enqueues a job.
	assert.Empty(t, q.enqueued)
}

func TestSubmitCreatesAndEnqueues(t *testing.T) {
	s, st, q, _ := newTestServer(t)
	rec := postJSON(t, s.Router(), "/jobs", validSubmit())
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Idempotent)
	assert.Equal(t, models.StatusQueued, resp.Job.Status)
	assert.Equal(t, []string{resp.Job.ID}, q.enqueued)

	job, err := st.GetJob(context.Background(), resp.Job.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, job.Request[models.RequestAudioKey])
	assert.Equal(t, true, job.Request[models.RequestConsentRecorded])
	assert.NotEmpty(t, job.Request[models.RequestConsentAudio], "consent audio hash must be recorded")
}

func TestSubmitIdempotentReplay(t *testing.T) {
	s, _, q, _ := newTestServer(t)
	router := s.Router()

	first := postJSON(t, router, "/jobs", validSubmit())
	require.Equal(t, http.StatusAccepted, first.Code)
	second := postJSON(t, router, "/jobs", validSubmit())
	require.Equal(t, http.StatusAccepted, second.Code)

	var r1, r2 submitResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &r1))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &r2))
	assert.Equal(t, r1.Job.ID, r2.Job.ID)
	assert.True(t, r2.Idempotent)
	assert.Len(t, q.enqueued, 1, "replay must not enqueue twice")
}

func TestSubmitRateLimited(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	s.limiter = &allowAllLimiter{rejected: true}
	rec := postJSON(t, s.Router(), "/jobs", validSubmit())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetJob(t *testing.T) {
	s, st, _, _ := newTestServer(t)
	router := s.Router()

	job, _, err := st.CreateJob(context.Background(), store.CreateJobParams{VLEID: "vle-1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWaitReturnsOnNewerVersion(t *testing.T) {
	s, st, _, _ := newTestServer(t)
	job, _, err := st.CreateJob(context.Background(), store.CreateJobParams{VLEID: "vle-1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/wait?version=0&timeout=100ms", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(1), got.Version)
}

func TestCancel(t *testing.T) {
	s, st, q, _ := newTestServer(t)
	router := s.Router()
	job, _, err := st.CreateJob(context.Background(), store.CreateJobParams{VLEID: "vle-1"})
	require.NoError(t, err)

	rec := postJSON(t, router, "/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{job.ID}, q.removed)

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestConsentUnparksGate(t *testing.T) {
	s, st, q, _ := newTestServer(t)
	st.jobs["j1"] = models.Job{
		ID: "j1", Status: models.StatusAwaitingConsent, Scheme: models.SchemePMKisan,
		Version: 4, CitizenPhone: "9999999999", VLEID: "vle-1",
		Request: map[string]any{}, Result: map[string]any{},
	}

	rec := postJSON(t, s.Router(), "/jobs/j1/consent", consentRequest{
		ConsentText: "I consent", AudioHash: "hash-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"j1"}, q.enqueued, "consent must re-enqueue the parked job")

	ok, err := st.HasConsent(context.Background(), "j1", models.SchemePMKisan)
	require.NoError(t, err)
	assert.True(t, ok)

	// A conflicting artifact for the same job/scheme is rejected.
	rec = postJSON(t, s.Router(), "/jobs/j1/consent", consentRequest{AudioHash: "different"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConfirmCompletesAndNotifies(t *testing.T) {
	s, st, _, n := newTestServer(t)
	st.jobs["j1"] = models.Job{
		ID: "j1", Status: models.StatusAwaitingConfirmation, Scheme: models.SchemePMKisan,
		Version: 8, Request: map[string]any{}, Result: map[string]any{},
	}

	rec := postJSON(t, s.Router(), "/jobs/j1/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := st.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, []string{"j1"}, n.notified)

	// Confirming again conflicts: the job is no longer awaiting.
	rec = postJSON(t, s.Router(), "/jobs/j1/confirm", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSyncBatch(t *testing.T) {
	s, st, q, _ := newTestServer(t)
	router := s.Router()

	submitPayload := map[string]any{
		"vle_id":        "vle-1",
		"citizen_name":  "Sita",
		"citizen_phone": "8888888888",
		"audio_base64":  base64.StdEncoding.EncodeToString([]byte("offline-voice")),
	}
	batch := syncqueue.SyncRequest{Ops: []syncqueue.Op{
		{Token: "tok-submit", Kind: syncqueue.OpSubmitJob, Payload: submitPayload},
	}}

	rec := postJSON(t, router, "/sync", batch)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp syncqueue.SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, syncqueue.SyncApplied, resp.Results[0].Status)
	jobID := resp.Results[0].JobID
	require.NotEmpty(t, jobID)
	assert.Equal(t, []string{jobID}, q.enqueued)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, "edge", resp.Jobs[0].Request[models.RequestOrigin])

	// A dropped-connection replay of the same batch is a duplicate: one job.
	rec = postJSON(t, router, "/sync", batch)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, syncqueue.SyncDuplicate, resp.Results[0].Status)
	assert.Equal(t, jobID, resp.Results[0].JobID)
	assert.Len(t, q.enqueued, 1)

	// Cancel op referencing the submit token instead of the central id.
	cancelBatch := syncqueue.SyncRequest{Ops: []syncqueue.Op{
		{Token: "tok-cancel", Kind: syncqueue.OpCancelJob, JobID: "tok-submit"},
	}}
	rec = postJSON(t, router, "/sync", cancelBatch)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, syncqueue.SyncApplied, resp.Results[0].Status)

	got, err := st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	// A confirm arriving after the cancel landed is a conflict resolved
	// server-side.
	confirmBatch := syncqueue.SyncRequest{Ops: []syncqueue.Op{
		{Token: "tok-confirm", Kind: syncqueue.OpConfirmJob, JobID: jobID},
	}}
	rec = postJSON(t, router, "/sync", confirmBatch)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, syncqueue.SyncConflict, resp.Results[0].Status)
}

func TestSyncSubmitReplayDoesNotReupload(t *testing.T) {
	st := newMemStore()
	q := &memQueue{}
	dir := t.TempDir()
	cfg := config.Config{
		IdempotencyTTL:   time.Hour,
		LongPollMax:      time.Second,
		ArtifactMaxBytes: 1 << 20,
	}
	s := New(cfg, st, q, orchestrator.New(st, "api"), &allowAllLimiter{}, &artifact.LocalStore{BaseDir: dir}, nil)
	router := s.Router()

	batch := syncqueue.SyncRequest{Ops: []syncqueue.Op{{
		Token: "tok-1",
		Kind:  syncqueue.OpSubmitJob,
		Payload: map[string]any{
			"vle_id":        "vle-1",
			"citizen_name":  "Sita",
			"citizen_phone": "8888888888",
			"audio_base64":  base64.StdEncoding.EncodeToString([]byte("offline-voice")),
		},
	}}}

	rec := postJSON(t, router, "/sync", batch)
	require.Equal(t, http.StatusOK, rec.Code)
	first := countArtifacts(t, dir)
	require.Equal(t, 1, first, "submit stores the voice note once")

	// A dropped-connection replay must not write orphan blobs for the
	// retention sweep to collect.
	rec = postJSON(t, router, "/sync", batch)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp syncqueue.SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, syncqueue.SyncDuplicate, resp.Results[0].Status)
	assert.Equal(t, first, countArtifacts(t, dir))
}

func countArtifacts(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}
