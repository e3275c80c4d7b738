package syncqueue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// ackServer acknowledges pushed ops, optionally only the first maxAck per
// round, and records how many ops it has applied per token.
type ackServer struct {
	maxAck  int
	applied map[string]int
}

func (a *ackServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		var resp SyncResponse
		for i, op := range req.Ops {
			if a.maxAck > 0 && i >= a.maxAck {
				break
			}
			status := SyncApplied
			if a.applied[op.Token] > 0 {
				status = SyncDuplicate
			}
			a.applied[op.Token]++
			resp.Results = append(resp.Results, OpResult{
				Token:  op.Token,
				Status: status,
				JobID:  "central-" + op.Token,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func newTestQueue(t *testing.T, srv *httptest.Server) *Queue {
	t.Helper()
	q, err := New(t.TempDir(), srv.URL)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	q.SetClient(srv.Client())
	return q
}

func TestSyncAppliesOnceAcrossRounds(t *testing.T) {
	srv := &ackServer{applied: map[string]int{}}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	q := newTestQueue(t, ts)

	op, err := q.Enqueue(Op{Kind: OpSubmitJob, Payload: map[string]any{"citizen_name": "Ramesh"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	report, err := q.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Pushed != 1 || report.Applied != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if id, ok := q.JobIDFor(op.Token); !ok || id != "central-"+op.Token {
		t.Fatalf("token not mapped to central id: %q %v", id, ok)
	}

	// A second round resends nothing new; the server sees the known job ids
	// but the op is behind the cursor.
	report, err = q.Sync(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if report.Pushed != 0 {
		t.Fatalf("synced op must not be resent: %+v", report)
	}
	if srv.applied[op.Token] != 1 {
		t.Fatalf("op applied %d times, want 1", srv.applied[op.Token])
	}
}

func TestSyncResendsUnacknowledgedSuffix(t *testing.T) {
	srv := &ackServer{applied: map[string]int{}, maxAck: 1}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	q := newTestQueue(t, ts)

	op1, _ := q.Enqueue(Op{Kind: OpSubmitJob})
	op2, _ := q.Enqueue(Op{Kind: OpCancelJob, JobID: op1.Token})

	report, err := q.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Pushed != 2 || report.Applied != 1 {
		t.Fatalf("expected partial ack, got %+v", report)
	}

	// Next round resends only the unacked op, with the same token.
	srv.maxAck = 0
	report, err = q.Sync(context.Background())
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if report.Pushed != 1 || report.Applied != 1 {
		t.Fatalf("expected suffix resend, got %+v", report)
	}
	if srv.applied[op1.Token] != 1 || srv.applied[op2.Token] != 1 {
		t.Fatalf("ops must each apply once: %v", srv.applied)
	}
}

func TestSyncRepeatedAfterDrop(t *testing.T) {
	srv := &ackServer{applied: map[string]int{}}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	dir := t.TempDir()
	q, err := New(dir, ts.URL)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	q.SetClient(ts.Client())

	op, _ := q.Enqueue(Op{Kind: OpConfirmJob, JobID: "j1"})
	if _, err := q.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Simulate a device that lost the cursor state but kept the log: the op
	// is resent with the same token and the server reports a duplicate, not
	// a second application.
	if err := os.Remove(filepath.Join(dir, "state.json")); err != nil {
		t.Fatalf("drop state: %v", err)
	}
	q2, err := New(dir, ts.URL)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	q2.SetClient(ts.Client())
	report, err := q2.Sync(context.Background())
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if report.Duplicates != 1 || report.Applied != 0 {
		t.Fatalf("expected duplicate ack, got %+v", report)
	}
	if srv.applied[op.Token] != 2 {
		t.Fatalf("server saw op %d times, want 2 (once as duplicate)", srv.applied[op.Token])
	}
}

func TestPendingStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()
	q, err := New(dir, "http://unused")
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if _, err := q.Enqueue(Op{Kind: OpSubmitJob}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// A power cut mid-append leaves a torn final line.
	f, err := os.OpenFile(filepath.Join(dir, "ops.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.WriteString(`{"token":"trunc`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	_ = f.Close()

	ops, err := q.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected the intact op only, got %d", len(ops))
	}
}
