package syncqueue

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func intakePost(t *testing.T, h http.Handler, path string, body any) (*httptest.ResponseRecorder, Op) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var op Op
	if rec.Code == http.StatusAccepted {
		if err := json.Unmarshal(rec.Body.Bytes(), &op); err != nil {
			t.Fatalf("decode op: %v", err)
		}
	}
	return rec, op
}

func TestIntakeAppendsToOfflineLog(t *testing.T) {
	q, err := New(t.TempDir(), "http://central.invalid")
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	router := q.IntakeRouter()

	rec, submitOp := intakePost(t, router, "/ops/submit", map[string]any{
		"vle_id":        "vle-1",
		"citizen_name":  "Ramesh",
		"citizen_phone": "9999999999",
		"audio_base64":  "dm9pY2U=",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit intake: %d %s", rec.Code, rec.Body.String())
	}
	if submitOp.Token == "" || submitOp.Kind != OpSubmitJob {
		t.Fatalf("submit op not assigned a token: %+v", submitOp)
	}

	// The job has not synced yet, so the cancel references the submit token.
	rec, cancelOp := intakePost(t, router, "/ops/"+submitOp.Token+"/cancel", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel intake: %d", rec.Code)
	}
	if cancelOp.Kind != OpCancelJob || cancelOp.JobID != submitOp.Token {
		t.Fatalf("cancel op must carry the submit token: %+v", cancelOp)
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].Kind != OpSubmitJob || pending[1].Kind != OpCancelJob {
		t.Fatalf("log must hold both ops in order: %+v", pending)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/pending", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pending endpoint: %d", rec.Code)
	}

	badReq := httptest.NewRequest(http.MethodPost, "/ops/submit", bytes.NewReader([]byte("{broken")))
	badRec := httptest.NewRecorder()
	router.ServeHTTP(badRec, badReq)
	if badRec.Code != http.StatusBadRequest {
		t.Fatalf("malformed submit must be rejected, got %d", badRec.Code)
	}
}

func TestIntakeResolvesKnownCentralID(t *testing.T) {
	q, err := New(t.TempDir(), "http://central.invalid")
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	q.mu.Lock()
	q.st.Jobs["tok-1"] = "central-7"
	q.mu.Unlock()

	rec, op := intakePost(t, q.IntakeRouter(), "/ops/tok-1/consent", map[string]any{
		"audio_hash": "hash-1",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("consent intake: %d", rec.Code)
	}
	if op.JobID != "central-7" {
		t.Fatalf("a synced token must resolve to the central id, got %q", op.JobID)
	}
	if op.Payload["audio_hash"] != "hash-1" {
		t.Fatalf("payload lost: %+v", op.Payload)
	}
}
