package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"seva-orchestrator/internal/models"
)

// Store wraps pgxpool for Postgres persistence. It is the single source of
// truth for jobs and the only writer of consent, audit, and task rows.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	VLEID          string
	CitizenName    string
	CitizenPhone   string
	Request        map[string]any
	IdempotencyKey string
	IdempotencyTTL time.Duration
}

// CreateJob inserts a job row in status queued, honoring the idempotency
// key when provided. The creation audit row is committed in the same
// transaction. Returns the job and whether an existing job was reused.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.Request == nil {
		p.Request = map[string]any{}
	}
	requestJSON, err := json.Marshal(p.Request)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal request: %w", err)
	}

	// If the idempotency key already exists, short-circuit before creating
	// anything.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, vle_id, citizen_name, citizen_phone, status, version, request, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $7)
	`, id, p.VLEID, p.CitizenName, p.CitizenPhone, models.StatusQueued, requestJSON, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts, service)
		VALUES ($1, 'job_submitted', $2, $3, 'api')
	`, id, []byte(fmt.Sprintf(`{"vle_id":%q}`, p.VLEID)), now); err != nil {
		return models.Job{}, false, fmt.Errorf("insert audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:           id,
		VLEID:        p.VLEID,
		CitizenName:  p.CitizenName,
		CitizenPhone: p.CitizenPhone,
		Status:       models.StatusQueued,
		Version:      1,
		Request:      p.Request,
		Result:       map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// ClaimSyncToken records an edge operation token against a job, reusing the
// idempotency_keys table. Returns false when the token was already claimed,
// which marks a replayed op.
func (s *Store) ClaimSyncToken(ctx context.Context, token, jobID string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key, job_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING
	`, token, jobID, time.Now().UTC().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("claim sync token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const jobColumns = `id, vle_id, citizen_name, citizen_phone, scheme, status, version, request, result, notification_sent, created_at, updated_at, completed_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// GetJobs fetches jobs by id, skipping unknown ids.
func (s *Store) GetJobs(ctx context.Context, ids []string) ([]models.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var requestJSON, resultJSON []byte
	var completed pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.VLEID, &job.CitizenName, &job.CitizenPhone, &job.Scheme,
		&job.Status, &job.Version, &requestJSON, &resultJSON, &job.NotificationSent,
		&job.CreatedAt, &job.UpdatedAt, &completed); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(requestJSON, &job.Request); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal request: %w", err)
	}
	if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// TransitionParams describes one version-checked status transition and the
// audit row committed with it.
type TransitionParams struct {
	JobID           string
	ExpectedVersion int64
	NewStatus       string
	Scheme          string
	ResultFragment  map[string]any
	Completed       bool
	AuditEvent      string
	AuditDetail     map[string]any
	Service         string
}

// ApplyTransition commits a status change and its audit row as a single
// transaction. The UPDATE is guarded by the expected version; losing the
// race returns ErrConcurrentModification and writes nothing, including the
// audit row. An audit insert failure aborts the whole transition.
func (s *Store) ApplyTransition(ctx context.Context, p TransitionParams) (models.Job, error) {
	fragment := p.ResultFragment
	if fragment == nil {
		fragment = map[string]any{}
	}
	fragmentJSON, err := json.Marshal(fragment)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal result fragment: %w", err)
	}
	detail := p.AuditDetail
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal audit detail: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $3,
		    version = version + 1,
		    scheme = COALESCE(NULLIF($4, ''), scheme),
		    result = result || $5,
		    updated_at = NOW(),
		    completed_at = CASE WHEN $6 THEN NOW() ELSE completed_at END
		WHERE id = $1 AND version = $2
	`, p.JobID, p.ExpectedVersion, p.NewStatus, p.Scheme, fragmentJSON, p.Completed)
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, p.JobID).Scan(&exists); err != nil {
			return models.Job{}, fmt.Errorf("check job exists: %w", err)
		}
		if !exists {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, ErrConcurrentModification
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts, service)
		VALUES ($1, $2, $3, NOW(), $4)
	`, p.JobID, p.AuditEvent, detailJSON, p.Service); err != nil {
		return models.Job{}, fmt.Errorf("insert audit: %w", err)
	}

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, p.JobID)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("reload job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// ClaimNotification atomically flips the notification flag for a terminal
// job. It returns true exactly once per job.
func (s *Store) ClaimNotification(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET notification_sent = TRUE, updated_at = NOW()
		WHERE id = $1 AND notification_sent = FALSE AND status IN ($2, $3)
	`, jobID, models.StatusCompleted, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendAudit adds an audit row outside a transition (consent capture,
// notification delivery, sync replay).
func (s *Store) AppendAudit(ctx context.Context, jobID, event string, detail map[string]any, service string) error {
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts, service)
		VALUES ($1, $2, $3, NOW(), $4)
	`, jobID, event, detailJSON, service)
	return err
}

// ListAudit returns a job's audit entries in commit order.
func (s *Store) ListAudit(ctx context.Context, jobID string) ([]models.AuditLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, event, detail, ts, service FROM audit_logs
		WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.Event, &detailJSON, &e.TS, &e.Service); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
			return nil, fmt.Errorf("unmarshal audit detail: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
