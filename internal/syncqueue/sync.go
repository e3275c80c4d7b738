package syncqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"seva-orchestrator/internal/models"
)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func defaultClient() httpDoer {
	return &http.Client{Timeout: 30 * time.Second}
}

// SetClient overrides the HTTP client. Test hook.
func (q *Queue) SetClient(c httpDoer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.client = c
}

// Sync op result statuses returned by the central API.
const (
	SyncApplied   = "applied"
	SyncDuplicate = "duplicate"
	SyncConflict  = "conflict"
	SyncRejected  = "rejected"
)

// SyncRequest is the batch pushed to POST /sync.
type SyncRequest struct {
	Ops    []Op     `json:"ops"`
	JobIDs []string `json:"job_ids,omitempty"`
}

// OpResult is the server's verdict on one pushed op. Conflicts are already
// resolved server-side (replayed against current state); they are reported
// for observability, never surfaced to the citizen.
type OpResult struct {
	Token  string `json:"token"`
	Status string `json:"status"`
	JobID  string `json:"job_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SyncResponse carries per-op results and authoritative snapshots for every
// job the device has open.
type SyncResponse struct {
	Results []OpResult   `json:"results"`
	Jobs    []models.Job `json:"jobs,omitempty"`
}

// Report summarizes one sync round.
type Report struct {
	Pushed     int
	Applied    int
	Duplicates int
	Conflicts  int
	Rejected   int
	Jobs       []models.Job
}

// Run syncs on the given interval until the context is cancelled. Failed
// rounds are logged and retried next tick; the log keeps absorbing local
// operations throughout.
func (q *Queue) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := q.Sync(ctx)
			if err != nil {
				log.Printf("sync round failed: %v", err)
				continue
			}
			if report.Pushed > 0 {
				log.Printf("sync pushed=%d applied=%d duplicate=%d conflict=%d rejected=%d",
					report.Pushed, report.Applied, report.Duplicates, report.Conflicts, report.Rejected)
			}
		}
	}
}

// Sync pushes unsynced local operations in log order and pulls authoritative
// state for open jobs. The synced offset only advances past operations the
// server acknowledged, so a dropped connection mid-batch resends them with
// the same tokens and the server deduplicates.
func (q *Queue) Sync(ctx context.Context) (Report, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := q.pendingLocked()
	if err != nil {
		return Report{}, err
	}
	ops := make([]Op, len(pending))
	for i, p := range pending {
		ops[i] = p.Op
	}

	reqBody := SyncRequest{Ops: ops}
	seen := map[string]bool{}
	for _, id := range q.st.Jobs {
		if id != "" && !seen[id] {
			seen[id] = true
			reqBody.JobIDs = append(reqBody.JobIDs, id)
		}
	}
	if len(ops) == 0 && len(reqBody.JobIDs) == 0 {
		return Report{}, nil
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return Report{}, fmt.Errorf("marshal sync request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return Report{}, fmt.Errorf("build sync request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(httpReq)
	if err != nil {
		return Report{}, fmt.Errorf("sync: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Report{}, fmt.Errorf("read sync response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Report{}, fmt.Errorf("sync: status %d", resp.StatusCode)
	}

	var syncResp SyncResponse
	if err := json.Unmarshal(data, &syncResp); err != nil {
		return Report{}, fmt.Errorf("decode sync response: %w", err)
	}

	report := Report{Pushed: len(ops), Jobs: syncResp.Jobs}
	acked := map[string]OpResult{}
	for _, res := range syncResp.Results {
		acked[res.Token] = res
	}

	// Advance the cursor only through the contiguous acknowledged prefix so
	// an op the server never saw is resent next round.
	for _, p := range pending {
		res, ok := acked[p.Op.Token]
		if !ok {
			break
		}
		switch res.Status {
		case SyncApplied:
			report.Applied++
		case SyncDuplicate:
			report.Duplicates++
		case SyncConflict:
			report.Conflicts++
		case SyncRejected:
			report.Rejected++
		}
		if res.JobID != "" {
			q.st.Jobs[p.Op.Token] = res.JobID
		}
		q.st.Offset = p.End
	}

	if err := q.saveStateLocked(); err != nil {
		return report, err
	}
	return report, nil
}
