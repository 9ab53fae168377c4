// Package models defines the shared domain types exchanged between the
// ingress API, the Redis-backed job store, and the worker runners.
package models

import "time"

// Status enumerates the lifecycle states of a conversion job. A job advances
// monotonically through queued, processing, and uploading before reaching one
// of the terminal states; failed may be entered directly from any prior state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusUploading  Status = "uploading"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether the value is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusUploading, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job is the durable record kept in the state store for every accepted
// submission. StartedAt is set on the first transition to processing and
// CompletedAt on entry to a terminal state; Error is non-empty iff the job
// failed.
type Job struct {
	ID          string
	Status      Status
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	InputPath   string
}

// Submission is the queue payload carried from the ingress to a worker. The
// schema is fixed; tokens ride along so the worker can authenticate the
// artifact upload and the completion webhook without another store round trip.
type Submission struct {
	JobID             string `json:"job_id"`
	OutputURL         string `json:"output_url"`
	OutputAuthToken   string `json:"output_auth_token"`
	CallbackURL       string `json:"callback_url,omitempty"`
	CallbackAuthToken string `json:"callback_auth_token,omitempty"`
	OriginalFilename  string `json:"original_filename,omitempty"`
}
