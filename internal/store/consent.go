package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"seva-orchestrator/internal/models"
)

// RecordConsent appends a consent record for the job/scheme pair. A retry
// carrying the same audio hash returns the existing record; a different
// hash against an active record fails with ErrDuplicateConsent.
func (s *Store) RecordConsent(ctx context.Context, rec models.ConsentRecord) (models.ConsentRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO consent_records (id, job_id, citizen_phone, vle_id, consent_text, audio_hash, scheme, recorded_at, origin)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id, scheme) DO NOTHING
	`, rec.ID, rec.JobID, rec.CitizenPhone, rec.VLEID, rec.ConsentText, rec.AudioHash, rec.Scheme, rec.RecordedAt, rec.Origin)
	if err != nil {
		return models.ConsentRecord{}, fmt.Errorf("insert consent: %w", err)
	}
	if tag.RowsAffected() == 1 {
		if err := s.AppendAudit(ctx, rec.JobID, "consent_recorded", map[string]any{
			"scheme": rec.Scheme, "audio_hash": rec.AudioHash,
		}, "ledger"); err != nil {
			return models.ConsentRecord{}, err
		}
		return rec, nil
	}

	existing, err := s.GetConsent(ctx, rec.JobID, rec.Scheme)
	if err != nil {
		return models.ConsentRecord{}, err
	}
	if existing.AudioHash == rec.AudioHash {
		return existing, nil
	}
	return models.ConsentRecord{}, ErrDuplicateConsent
}

// GetConsent returns the active consent record for the job/scheme pair.
func (s *Store) GetConsent(ctx context.Context, jobID, scheme string) (models.ConsentRecord, error) {
	var rec models.ConsentRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, job_id, citizen_phone, vle_id, consent_text, audio_hash, scheme, recorded_at, origin
		FROM consent_records WHERE job_id = $1 AND scheme = $2
	`, jobID, scheme).Scan(&rec.ID, &rec.JobID, &rec.CitizenPhone, &rec.VLEID,
		&rec.ConsentText, &rec.AudioHash, &rec.Scheme, &rec.RecordedAt, &rec.Origin)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ConsentRecord{}, ErrNotFound
	}
	if err != nil {
		return models.ConsentRecord{}, fmt.Errorf("query consent: %w", err)
	}
	return rec, nil
}

// HasConsent reports whether an active consent record exists for the
// job/scheme pair. The consent gate transition depends on this.
func (s *Store) HasConsent(ctx context.Context, jobID, scheme string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM consent_records WHERE job_id = $1 AND scheme = $2)
	`, jobID, scheme).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check consent: %w", err)
	}
	return exists, nil
}
