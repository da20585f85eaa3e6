package models

import (
	"time"
)

// JobStatus represents the status of a generation job
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"  // Admitted, waiting for a worker
	JobStatusRunning JobStatus = "running" // Owned by a worker, provider call in progress
	JobStatusDone    JobStatus = "done"    // Result file written
	JobStatusError   JobStatus = "error"   // Failed permanently
)

// Job is the persisted record of a generation job
type Job struct {
	ID           string     `json:"id"`
	Prompt       string     `json:"prompt"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	Width        int        `json:"width"`
	Height       int        `json:"height"`
	Steps        int        `json:"steps"`
	CFGScale     float64    `json:"cfg"`
	Seed         int64      `json:"seed"`
	Mode         string     `json:"mode,omitempty"`
	Status       JobStatus  `json:"status"`
	SessionID    string     `json:"session_id"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
	Attempts     int        `json:"attempts"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ResultPath   string     `json:"result_path,omitempty"`
}

// JobUpdate is a partial update applied by the worker that owns a job.
// Nil fields are left untouched.
type JobUpdate struct {
	Status       JobStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	DurationMs   *int64
	Attempts     *int
	ErrorCode    *string
	ErrorMessage *string
	ResultPath   *string
}

// JobRequest is the in-memory form of an admitted job while it waits in the
// queue and runs on a worker. It is the only place the raw credential lives.
type JobRequest struct {
	ID          string           `json:"id"`
	Prompt      string           `json:"prompt"`
	Provider    string           `json:"provider"`
	Model       string           `json:"model"`
	Params      GenerationParams `json:"params"`
	SessionID   string           `json:"session_id"`
	Fingerprint string           `json:"fingerprint"`
	CreatedAt   time.Time        `json:"created_at"`

	credential []byte
}

// NewJobRequest builds a request holding a private copy of the credential
func NewJobRequest(id, credential string) *JobRequest {
	return &JobRequest{
		ID:         id,
		credential: []byte(credential),
	}
}

// Credential returns the raw credential, or "" once cleared
func (r *JobRequest) Credential() string {
	return string(r.credential)
}

// ClearCredential zeroes the credential bytes and drops the reference
func (r *JobRequest) ClearCredential() {
	for i := range r.credential {
		r.credential[i] = 0
	}
	r.credential = nil
}

// Record converts an admitted request into the row persisted at admission
func (r *JobRequest) Record() *Job {
	return &Job{
		ID:        r.ID,
		Prompt:    r.Prompt,
		Provider:  r.Provider,
		Model:     r.Model,
		Width:     r.Params.Width,
		Height:    r.Params.Height,
		Steps:     r.Params.Steps,
		CFGScale:  r.Params.CFGScale,
		Seed:      r.Params.Seed,
		Mode:      r.Params.Mode,
		Status:    JobStatusQueued,
		SessionID: r.SessionID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.CreatedAt,
	}
}
