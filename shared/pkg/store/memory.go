package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/imagegen/pkg/models"
)

// MemoryStore is an in-memory implementation of the job store
type MemoryStore struct {
	jobs   map[string]*models.Job
	jobsMu sync.RWMutex
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
		now:  time.Now,
	}
}

// WithClock replaces the time source used to stamp updated_at
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func copyJob(job *models.Job) *models.Job {
	c := *job
	if job.StartedAt != nil {
		t := *job.StartedAt
		c.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		c.CompletedAt = &t
	}
	if job.DurationMs != nil {
		d := *job.DurationMs
		c.DurationMs = &d
	}
	return &c
}

// CreateJob stores a queued job
func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status != models.JobStatusQueued {
		return ErrInvalidTransition
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrJobExists
	}
	c := copyJob(job)
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	s.jobs[job.ID] = c
	return nil
}

// UpdateJob applies a partial update
func (s *MemoryStore) UpdateJob(ctx context.Context, id string, upd models.JobUpdate) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if err := checkUpdate(job.Status, upd); err != nil {
		return err
	}
	applyUpdate(job, upd, s.now())
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

func (s *MemoryStore) collect(match func(*models.Job) bool) []*models.Job {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if match(job) {
			jobs = append(jobs, copyJob(job))
		}
	}
	return jobs
}

// ListJobs returns jobs matching the filter, newest first
func (s *MemoryStore) ListJobs(ctx context.Context, filter ListFilter) ([]*models.Job, error) {
	jobs := s.collect(func(j *models.Job) bool {
		return (filter.Status == "" || j.Status == filter.Status) &&
			(filter.Provider == "" || j.Provider == filter.Provider) &&
			(filter.SessionID == "" || j.SessionID == filter.SessionID)
	})
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID < jobs[b].ID
		}
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// ListJobsBefore returns jobs in the given states last updated before cutoff
func (s *MemoryStore) ListJobsBefore(ctx context.Context, statuses []models.JobStatus, cutoff time.Time) ([]*models.Job, error) {
	want := make(map[models.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	jobs := s.collect(func(j *models.Job) bool {
		return want[j.Status] && j.UpdatedAt.Before(cutoff)
	})
	sortByUpdated(jobs)
	return jobs, nil
}

// ListJobsWithResults returns every job that references a result file
func (s *MemoryStore) ListJobsWithResults(ctx context.Context) ([]*models.Job, error) {
	jobs := s.collect(func(j *models.Job) bool { return j.ResultPath != "" })
	sortByUpdated(jobs)
	return jobs, nil
}

func sortByUpdated(jobs []*models.Job) {
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].UpdatedAt.Before(jobs[b].UpdatedAt) })
}

// DeleteJob removes a job
func (s *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if _, exists := s.jobs[id]; !exists {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// GetJobMetrics returns aggregated job statistics
func (s *MemoryStore) GetJobMetrics(ctx context.Context) (*JobMetrics, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	metrics := newJobMetrics()
	var total int64
	var timed int
	for _, job := range s.jobs {
		metrics.JobsByState[job.Status]++
		metrics.JobsByProvider[job.Provider]++
		metrics.TotalJobs++
		switch job.Status {
		case models.JobStatusRunning:
			metrics.ActiveJobs++
		case models.JobStatusQueued:
			metrics.QueueLength++
		case models.JobStatusDone:
			if job.DurationMs != nil {
				total += *job.DurationMs
				timed++
			}
		}
	}
	if timed > 0 {
		metrics.AvgDurationMs = float64(total) / float64(timed)
	}
	return metrics, nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }
func (s *MemoryStore) Vacuum(ctx context.Context) error      { return nil }
func (s *MemoryStore) Close() error                          { return nil }
