package models

import (
	"time"
)

// ConsentRecord is the DPDP consent artifact for one job/scheme pair.
// Immutable once written; at most one active record per (job, scheme).
type ConsentRecord struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	CitizenPhone string    `json:"citizen_phone"`
	VLEID        string    `json:"vle_id"`
	ConsentText  string    `json:"consent_text"`
	AudioHash    string    `json:"audio_hash"`
	Scheme       string    `json:"scheme"`
	RecordedAt   time.Time `json:"recorded_at"`
	Origin       string    `json:"origin,omitempty"`
}

// AuditLogEntry is an append-only lifecycle event row. Entries are never
// updated or deleted; they are the admissible record of every transition.
type AuditLogEntry struct {
	ID      int64          `json:"id"`
	JobID   string         `json:"job_id"`
	Event   string         `json:"event"`
	Detail  map[string]any `json:"detail,omitempty"`
	TS      time.Time      `json:"ts"`
	Service string         `json:"service"`
}
