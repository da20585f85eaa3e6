package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/psantana5/imagegen/pkg/models"
)

func newTestJob(id string, created time.Time) *models.Job {
	return &models.Job{
		ID:        id,
		Prompt:    "a watercolor fox",
		Provider:  "together",
		Model:     "black-forest-labs/FLUX.1-schnell",
		Width:     1024,
		Height:    1024,
		Steps:     4,
		CFGScale:  3.5,
		Seed:      7,
		Status:    models.JobStatusQueued,
		SessionID: "sess-1",
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

// ageJob moves a row's updated_at into the past
func ageJob(t *testing.T, s Store, id string, at time.Time) {
	t.Helper()
	switch st := s.(type) {
	case *MemoryStore:
		st.jobsMu.Lock()
		if job, ok := st.jobs[id]; ok {
			job.UpdatedAt = at
		}
		st.jobsMu.Unlock()
	case *SQLiteStore:
		if _, err := st.db.Exec(`UPDATE jobs SET updated_at = ? WHERE id = ?`, at.UTC(), id); err != nil {
			t.Fatalf("Failed to age job: %v", err)
		}
	case *PostgreSQLStore:
		if _, err := st.db.Exec(`UPDATE jobs SET updated_at = $1 WHERE id = $2`, at.UTC(), id); err != nil {
			t.Fatalf("Failed to age job: %v", err)
		}
	default:
		t.Fatalf("cannot age jobs in %T", s)
	}
}

func finishJob(t *testing.T, s Store, id string, status models.JobStatus, resultPath string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	if err := s.UpdateJob(ctx, id, models.JobUpdate{Status: models.JobStatusRunning, StartedAt: &now}); err != nil {
		t.Fatalf("Failed to start job %s: %v", id, err)
	}
	upd := models.JobUpdate{Status: status, CompletedAt: &now}
	if status == models.JobStatusDone {
		upd.ResultPath = strPtr(resultPath)
	} else {
		upd.ErrorCode = strPtr("timeout")
		upd.ErrorMessage = strPtr("the provider did not respond in time")
	}
	if err := s.UpdateJob(ctx, id, upd); err != nil {
		t.Fatalf("Failed to finish job %s: %v", id, err)
	}
}

// runStoreSuite exercises the behaviour every Store implementation shares
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()
	created := time.Now().Add(-time.Minute).Truncate(time.Millisecond)

	t.Run("CreateAndGet", func(t *testing.T) {
		job := newTestJob("job-create", created)
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}

		got, err := s.GetJob(ctx, "job-create")
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if got.Prompt != job.Prompt || got.Width != 1024 || got.Steps != 4 || got.Seed != 7 {
			t.Errorf("Round trip mismatch: %+v", got)
		}
		if got.Status != models.JobStatusQueued {
			t.Errorf("Expected queued, got %s", got.Status)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
		}
		if got.StartedAt != nil || got.DurationMs != nil {
			t.Errorf("Expected nil optional fields, got %+v", got)
		}

		if err := s.CreateJob(ctx, job); !errors.Is(err, ErrJobExists) {
			t.Errorf("Duplicate create error = %v, want ErrJobExists", err)
		}
	})

	t.Run("CreateRequiresQueued", func(t *testing.T) {
		job := newTestJob("job-bad-create", created)
		job.Status = models.JobStatusRunning
		if err := s.CreateJob(ctx, job); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := s.GetJob(ctx, "nope"); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("Expected ErrJobNotFound, got %v", err)
		}
	})

	t.Run("Lifecycle", func(t *testing.T) {
		if err := s.CreateJob(ctx, newTestJob("job-life", created)); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}

		// queued -> done is not allowed
		if err := s.UpdateJob(ctx, "job-life", models.JobUpdate{Status: models.JobStatusDone, ResultPath: strPtr("/x.png")}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Expected ErrInvalidTransition skipping running, got %v", err)
		}

		started := time.Now()
		if err := s.UpdateJob(ctx, "job-life", models.JobUpdate{Status: models.JobStatusRunning, StartedAt: &started}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := s.UpdateJob(ctx, "job-life", models.JobUpdate{Attempts: intPtr(2)}); err != nil {
			t.Fatalf("Attempts update failed: %v", err)
		}

		// done requires a result path
		if err := s.UpdateJob(ctx, "job-life", models.JobUpdate{Status: models.JobStatusDone}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Expected ErrInvalidTransition without result path, got %v", err)
		}

		completed := time.Now()
		dur := int64(1234)
		err := s.UpdateJob(ctx, "job-life", models.JobUpdate{
			Status:      models.JobStatusDone,
			CompletedAt: &completed,
			DurationMs:  &dur,
			ResultPath:  strPtr("/out/job-life.png"),
		})
		if err != nil {
			t.Fatalf("Complete failed: %v", err)
		}

		got, err := s.GetJob(ctx, "job-life")
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if got.Status != models.JobStatusDone || got.ResultPath != "/out/job-life.png" {
			t.Errorf("Unexpected final row: %+v", got)
		}
		if got.Attempts != 2 || got.DurationMs == nil || *got.DurationMs != 1234 {
			t.Errorf("Attempts/duration not persisted: %+v", got)
		}
		if got.StartedAt == nil || got.CompletedAt == nil {
			t.Error("Expected started_at and completed_at to be set")
		}
		if got.UpdatedAt.Before(got.CreatedAt) {
			t.Error("updated_at moved backwards")
		}

		// Terminal rows are immutable
		if err := s.UpdateJob(ctx, "job-life", models.JobUpdate{ErrorCode: strPtr("internal")}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Expected terminal row to reject updates, got %v", err)
		}
		if err := s.UpdateJob(ctx, "missing", models.JobUpdate{Attempts: intPtr(1)}); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("Expected ErrJobNotFound, got %v", err)
		}
	})

	t.Run("ErrorHasNoResultPath", func(t *testing.T) {
		s.CreateJob(ctx, newTestJob("job-err", created))
		now := time.Now()
		s.UpdateJob(ctx, "job-err", models.JobUpdate{Status: models.JobStatusRunning, StartedAt: &now})

		err := s.UpdateJob(ctx, "job-err", models.JobUpdate{Status: models.JobStatusError, ResultPath: strPtr("/x.png")})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Expected error row with result path to be rejected, got %v", err)
		}
	})

	t.Run("RetentionQueries", func(t *testing.T) {
		old := time.Now().Add(-48 * time.Hour)
		for i := 0; i < 3; i++ {
			if err := s.CreateJob(ctx, newTestJob(fmt.Sprintf("ret-%d", i), old)); err != nil {
				t.Fatalf("CreateJob failed: %v", err)
			}
		}
		finishJob(t, s, "ret-0", models.JobStatusDone, "/out/ret-0.png")
		finishJob(t, s, "ret-1", models.JobStatusError, "")
		ageJob(t, s, "ret-0", old)
		ageJob(t, s, "ret-1", old)

		cutoff := time.Now().Add(-24 * time.Hour)
		terminal, err := s.ListJobsBefore(ctx, models.TerminalStates(), cutoff)
		if err != nil {
			t.Fatalf("ListJobsBefore failed: %v", err)
		}
		ids := map[string]bool{}
		for _, j := range terminal {
			ids[j.ID] = true
		}
		if !ids["ret-0"] || !ids["ret-1"] || ids["ret-2"] {
			t.Errorf("Unexpected terminal set: %v", ids)
		}

		queued, err := s.ListJobsBefore(ctx, []models.JobStatus{models.JobStatusQueued}, cutoff)
		if err != nil {
			t.Fatalf("ListJobsBefore failed: %v", err)
		}
		found := false
		for _, j := range queued {
			if j.ID == "ret-2" {
				found = true
			}
			if j.Status != models.JobStatusQueued {
				t.Errorf("Non-queued job %s returned", j.ID)
			}
		}
		if !found {
			t.Error("Expected old queued job ret-2")
		}

		withResults, err := s.ListJobsWithResults(ctx)
		if err != nil {
			t.Fatalf("ListJobsWithResults failed: %v", err)
		}
		for _, j := range withResults {
			if j.ResultPath == "" || j.Status != models.JobStatusDone {
				t.Errorf("Job %s returned without a result", j.ID)
			}
		}

		if err := s.DeleteJob(ctx, "ret-0"); err != nil {
			t.Fatalf("DeleteJob failed: %v", err)
		}
		if err := s.DeleteJob(ctx, "ret-0"); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("Second delete error = %v, want ErrJobNotFound", err)
		}
	})

	t.Run("ListJobs", func(t *testing.T) {
		base := time.Now().Add(-time.Hour)
		for i := 0; i < 4; i++ {
			job := newTestJob(fmt.Sprintf("list-%d", i), base.Add(time.Duration(i)*time.Second))
			job.SessionID = "sess-list"
			s.CreateJob(ctx, job)
		}

		jobs, err := s.ListJobs(ctx, ListFilter{SessionID: "sess-list", Limit: 3})
		if err != nil {
			t.Fatalf("ListJobs failed: %v", err)
		}
		if len(jobs) != 3 {
			t.Fatalf("Expected 3 jobs, got %d", len(jobs))
		}
		if jobs[0].ID != "list-3" {
			t.Errorf("Expected newest first, got %s", jobs[0].ID)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		m, err := s.GetJobMetrics(ctx)
		if err != nil {
			t.Fatalf("GetJobMetrics failed: %v", err)
		}
		if m.TotalJobs == 0 || m.JobsByProvider["together"] != m.TotalJobs {
			t.Errorf("Unexpected metrics: %+v", m)
		}
		if m.QueueLength != m.JobsByState[models.JobStatusQueued] {
			t.Errorf("QueueLength %d != queued %d", m.QueueLength, m.JobsByState[models.JobStatusQueued])
		}
	})

	t.Run("Lifecycle ops", func(t *testing.T) {
		if err := s.HealthCheck(ctx); err != nil {
			t.Errorf("HealthCheck failed: %v", err)
		}
		if err := s.Vacuum(ctx); err != nil {
			t.Errorf("Vacuum failed: %v", err)
		}
	})
}
