package store

import (
	"context"
	"testing"
	"time"

	"github.com/psantana5/imagegen/pkg/models"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestMemoryStoreClockStampsUpdates(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stamp := created.Add(5 * time.Minute)
	s := NewMemoryStore().WithClock(func() time.Time { return stamp })
	ctx := context.Background()

	if err := s.CreateJob(ctx, newTestJob("job-1", created)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.UpdateJob(ctx, "job-1", models.JobUpdate{Status: models.JobStatusRunning, StartedAt: &stamp}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !job.UpdatedAt.Equal(stamp) {
		t.Errorf("UpdatedAt = %v, want %v", job.UpdatedAt, stamp)
	}
	if !job.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", job.CreatedAt, created)
	}
}
