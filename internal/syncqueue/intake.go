package syncqueue

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// IntakeRouter is the local intake surface on the VLE's device. Every
// handler only appends to the offline log, so submissions succeed with zero
// connectivity; the sync loop pushes them when a link appears.
func (q *Queue) IntakeRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Post("/ops/submit", q.handleIntakeSubmit)
	r.Post("/ops/{ref}/consent", q.intakeEvent(OpRecordConsent))
	r.Post("/ops/{ref}/confirm", q.intakeEvent(OpConfirmJob))
	r.Post("/ops/{ref}/cancel", q.intakeEvent(OpCancelJob))
	r.Get("/ops/pending", q.handleIntakePending)
	return r
}

func (q *Queue) handleIntakeSubmit(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	op, err := q.Enqueue(Op{Kind: OpSubmitJob, Payload: payload})
	if err != nil {
		http.Error(w, "append op failed", http.StatusInternalServerError)
		return
	}
	writeIntakeJSON(w, http.StatusAccepted, op)
}

// intakeEvent queues a job-scoped operation. ref is the central job id when
// the device knows it, or the submit op's token when the job has not synced
// yet; the central API resolves either.
func (q *Queue) intakeEvent(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := chi.URLParam(r, "ref")
		var payload map[string]any
		// The body is optional for confirm/cancel.
		_ = json.NewDecoder(r.Body).Decode(&payload)

		jobID := ref
		if id, ok := q.JobIDFor(ref); ok {
			jobID = id
		}
		op, err := q.Enqueue(Op{Kind: kind, JobID: jobID, Payload: payload})
		if err != nil {
			http.Error(w, "append op failed", http.StatusInternalServerError)
			return
		}
		writeIntakeJSON(w, http.StatusAccepted, op)
	}
}

func (q *Queue) handleIntakePending(w http.ResponseWriter, _ *http.Request) {
	ops, err := q.Pending()
	if err != nil {
		http.Error(w, "read log failed", http.StatusInternalServerError)
		return
	}
	writeIntakeJSON(w, http.StatusOK, map[string]any{"ops": ops})
}

func writeIntakeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
