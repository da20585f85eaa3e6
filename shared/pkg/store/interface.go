package store

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/imagegen/pkg/models"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrJobExists           = errors.New("job already exists")
	ErrInvalidTransition   = errors.New("invalid job transition")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// Store defines the interface for job persistence
// SQLite, PostgreSQL and the in-memory store implement this interface
type Store interface {
	// Job operations
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJob(ctx context.Context, id string, upd models.JobUpdate) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]*models.Job, error)
	DeleteJob(ctx context.Context, id string) error

	// Retention queries
	ListJobsBefore(ctx context.Context, statuses []models.JobStatus, cutoff time.Time) ([]*models.Job, error)
	ListJobsWithResults(ctx context.Context) ([]*models.Job, error)

	// Lifecycle
	Close() error
	HealthCheck(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Metrics operations
	GetJobMetrics(ctx context.Context) (*JobMetrics, error)
}

// ListFilter narrows ListJobs. Zero fields match everything.
type ListFilter struct {
	Status    models.JobStatus
	Provider  string
	SessionID string
	Limit     int
}

// JobMetrics contains aggregated job statistics for the metrics endpoint
type JobMetrics struct {
	JobsByState    map[models.JobStatus]int
	JobsByProvider map[string]int
	ActiveJobs     int
	QueueLength    int
	AvgDurationMs  float64
	TotalJobs      int
}

func newJobMetrics() *JobMetrics {
	return &JobMetrics{
		JobsByState:    make(map[models.JobStatus]int),
		JobsByProvider: make(map[string]int),
	}
}

// Config holds database configuration
type Config struct {
	Type string // "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "imagegen.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}

// checkUpdate validates a partial update against the stored status.
// Terminal rows are immutable and result_path is set iff the job is done.
func checkUpdate(current models.JobStatus, upd models.JobUpdate) error {
	if models.IsTerminalState(current) {
		return ErrInvalidTransition
	}

	next := current
	if upd.Status != "" {
		if err := models.ValidateTransition(current, upd.Status); err != nil {
			return errors.Join(ErrInvalidTransition, err)
		}
		next = upd.Status
	}

	hasResult := upd.ResultPath != nil && *upd.ResultPath != ""
	if next == models.JobStatusDone && !hasResult {
		return errors.Join(ErrInvalidTransition, errors.New("done requires a result path"))
	}
	if next != models.JobStatusDone && hasResult {
		return errors.Join(ErrInvalidTransition, errors.New("result path only allowed on done"))
	}
	return nil
}

// applyUpdate copies the non-nil fields of upd onto job
func applyUpdate(job *models.Job, upd models.JobUpdate, now time.Time) {
	if upd.Status != "" {
		job.Status = upd.Status
	}
	if upd.StartedAt != nil {
		t := *upd.StartedAt
		job.StartedAt = &t
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		job.CompletedAt = &t
	}
	if upd.DurationMs != nil {
		d := *upd.DurationMs
		job.DurationMs = &d
	}
	if upd.Attempts != nil {
		job.Attempts = *upd.Attempts
	}
	if upd.ErrorCode != nil {
		job.ErrorCode = *upd.ErrorCode
	}
	if upd.ErrorMessage != nil {
		job.ErrorMessage = *upd.ErrorMessage
	}
	if upd.ResultPath != nil {
		job.ResultPath = *upd.ResultPath
	}
	job.UpdatedAt = now
}
