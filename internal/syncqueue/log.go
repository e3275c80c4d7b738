// Package syncqueue is the edge-resident offline queue: an append-only
// JSONL log of local operations plus opportunistic reconciliation with the
// central job store. Enqueue never touches the network, so the agent's
// device never blocks on connectivity.
package syncqueue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Local operation kinds pushed during sync.
const (
	OpSubmitJob     = "submit_job"
	OpRecordConsent = "record_consent"
	OpConfirmJob    = "confirm_job"
	OpCancelJob     = "cancel_job"
)

// Op is one locally captured operation. Token is the client-generated
// idempotency token: a repeated sync after a dropped connection cannot
// create duplicate jobs or dispatches.
type Op struct {
	Token       string         `json:"token"`
	Kind        string         `json:"kind"`
	JobID       string         `json:"job_id,omitempty"`
	BaseVersion int64          `json:"base_version,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	QueuedAt    time.Time      `json:"queued_at"`
}

type state struct {
	Offset int64             `json:"offset"`
	Jobs   map[string]string `json:"jobs"` // local token -> central job id
}

// Queue owns the local log and its sync cursor.
type Queue struct {
	mu        sync.Mutex
	logPath   string
	statePath string
	st        state
	baseURL   string
	client    httpDoer
}

// New opens (or creates) the queue under dir, syncing against the central
// API at baseURL.
func New(dir, baseURL string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	q := &Queue{
		logPath:   filepath.Join(dir, "ops.jsonl"),
		statePath: filepath.Join(dir, "state.json"),
		baseURL:   baseURL,
		client:    defaultClient(),
		st:        state{Jobs: map[string]string{}},
	}
	if err := q.loadState(); err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue appends op to the local log. Always succeeds locally; a missing
// token is assigned here.
func (q *Queue) Enqueue(op Op) (Op, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if op.Token == "" {
		op.Token = uuid.New().String()
	}
	if op.QueuedAt.IsZero() {
		op.QueuedAt = time.Now().UTC()
	}

	line, err := json.Marshal(op)
	if err != nil {
		return Op{}, fmt.Errorf("marshal op: %w", err)
	}

	f, err := os.OpenFile(q.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Op{}, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return Op{}, fmt.Errorf("append op: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Op{}, fmt.Errorf("sync log: %w", err)
	}
	return op, nil
}

// pendingOp pairs an unsynced operation with the byte offset just past its
// log line, so the sync cursor can advance per acknowledged op.
type pendingOp struct {
	Op  Op
	End int64
}

// Pending returns unsynced operations in log order.
func (q *Queue) Pending() ([]Op, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending, err := q.pendingLocked()
	if err != nil {
		return nil, err
	}
	ops := make([]Op, len(pending))
	for i, p := range pending {
		ops[i] = p.Op
	}
	return ops, nil
}

func (q *Queue) pendingLocked() ([]pendingOp, error) {
	f, err := os.Open(q.logPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(q.st.Offset, 0); err != nil {
		return nil, fmt.Errorf("seek log: %w", err)
	}

	offset := q.st.Offset
	var ops []pendingOp
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		offset += int64(len(raw)) + 1
		var op Op
		if err := json.Unmarshal(raw, &op); err != nil {
			// A torn tail write from a power cut; everything before it is
			// intact, so stop here and resend from this point next time.
			return ops, nil
		}
		ops = append(ops, pendingOp{Op: op, End: offset})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log: %w", err)
	}
	return ops, nil
}

// JobIDFor resolves a local token to the central job id, when known.
func (q *Queue) JobIDFor(token string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.st.Jobs[token]
	return id, ok
}

// OpenJobIDs lists every central job id this device has touched.
func (q *Queue) OpenJobIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.st.Jobs))
	seen := map[string]bool{}
	for _, id := range q.st.Jobs {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

func (q *Queue) loadState() error {
	data, err := os.ReadFile(q.statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(data, &q.st); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	if q.st.Jobs == nil {
		q.st.Jobs = map[string]string{}
	}
	return nil
}

func (q *Queue) saveStateLocked() error {
	data, err := json.Marshal(q.st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := q.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, q.statePath); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}
