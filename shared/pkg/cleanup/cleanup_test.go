package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/imagegen/pkg/models"
	"github.com/psantana5/imagegen/pkg/store"
)

func testConfig(dir string) CleanupConfig {
	return CleanupConfig{
		Enabled:     true,
		Interval:    time.Hour,
		JobTTL:      7 * 24 * time.Hour,
		ResultTTL:   24 * time.Hour,
		OrphanGrace: 10 * time.Minute,
		OutputDir:   dir,
	}
}

type fixture struct {
	t     *testing.T
	store *store.MemoryStore
	dir   string
	now   time.Time

	// stamp is the time the store writes as updated_at
	stamp time.Time
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{t: t, dir: t.TempDir(), now: time.Now()}
	f.stamp = f.now
	f.store = store.NewMemoryStore().WithClock(func() time.Time { return f.stamp })
	return f
}

func (f *fixture) writeFile(name string, size int, age time.Duration) string {
	f.t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(f.t, os.WriteFile(path, make([]byte, size), 0644))
	mod := f.now.Add(-age)
	require.NoError(f.t, os.Chtimes(path, mod, mod))
	return path
}

func (f *fixture) job(id string, status models.JobStatus, age time.Duration, resultPath string) {
	f.t.Helper()
	ctx := context.Background()
	created := f.now.Add(-age)
	require.NoError(f.t, f.store.CreateJob(ctx, &models.Job{
		ID: id, Provider: "fake", Model: "m", Prompt: "p",
		Status: models.JobStatusQueued, CreatedAt: created, UpdatedAt: created,
	}))

	f.stamp = created
	defer func() { f.stamp = f.now }()

	if status != models.JobStatusQueued {
		require.NoError(f.t, f.store.UpdateJob(ctx, id, models.JobUpdate{Status: models.JobStatusRunning, StartedAt: &created}))
	}
	if models.IsTerminalState(status) {
		upd := models.JobUpdate{Status: status, CompletedAt: &created}
		if status == models.JobStatusDone {
			upd.ResultPath = &resultPath
		} else {
			code := "internal"
			upd.ErrorCode = &code
		}
		require.NoError(f.t, f.store.UpdateJob(ctx, id, upd))
	}
}

func (f *fixture) doneJob(id string, size int, age time.Duration) string {
	path := f.writeFile(id+".png", size, age)
	f.job(id, models.JobStatusDone, age, path)
	return path
}

func (f *fixture) exists(id string) bool {
	_, err := f.store.GetJob(context.Background(), id)
	return err == nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRowSweep(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig(f.dir)
	cfg.ResultTTL = 30 * 24 * time.Hour

	oldDone := f.doneJob("old-done", 10, 8*24*time.Hour)
	recentDone := f.doneJob("recent-done", 10, time.Hour)
	f.job("old-error", models.JobStatusError, 8*24*time.Hour, "")
	f.job("recent-error", models.JobStatusError, time.Hour, "")
	f.job("old-queued", models.JobStatusQueued, 8*24*time.Hour, "")
	f.job("recent-queued", models.JobStatusQueued, time.Minute, "")
	f.job("lost-file", models.JobStatusDone, time.Hour, filepath.Join(f.dir, "lost-file.png"))

	cm := NewCleanupManager(cfg, f.store, nil).WithClock(func() time.Time { return f.now })
	report, err := cm.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.RowsExpired)
	assert.Equal(t, 1, report.ExpiredFiles)
	assert.Equal(t, 1, report.RowsStaleQueued)
	assert.Equal(t, 1, report.RowsMissingFile)
	assert.Equal(t, 4, report.RowsDeleted())

	assert.False(t, f.exists("old-done"))
	assert.False(t, fileExists(oldDone))
	assert.False(t, f.exists("old-error"))
	assert.False(t, f.exists("old-queued"))
	assert.False(t, f.exists("lost-file"))

	assert.True(t, f.exists("recent-done"))
	assert.True(t, fileExists(recentDone))
	assert.True(t, f.exists("recent-error"))
	assert.True(t, f.exists("recent-queued"))
}

func TestStaleRunningRowsAreFailed(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig(f.dir)

	f.job("stuck", models.JobStatusRunning, 8*24*time.Hour, "")
	f.job("busy", models.JobStatusRunning, time.Minute, "")

	cm := NewCleanupManager(cfg, f.store, nil).WithClock(func() time.Time { return f.now })
	report, err := cm.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.RowsFailedStale)
	assert.Equal(t, 0, report.RowsDeleted())

	stuck, err := f.store.GetJob(context.Background(), "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, stuck.Status)
	assert.Equal(t, "internal", stuck.ErrorCode)
	assert.Empty(t, stuck.ResultPath)
	require.NotNil(t, stuck.DurationMs)

	busy, err := f.store.GetJob(context.Background(), "busy")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, busy.Status)

	// The failed row is now terminal with a fresh updated_at; a second pass
	// leaves it alone
	report, err = cm.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.RowsFailedStale)
	assert.True(t, f.exists("stuck"))
}

func TestFileSweep(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig(f.dir)

	oldOrphan := f.writeFile("old-orphan.png", 10, time.Hour)
	newOrphan := f.writeFile("new-orphan.png", 10, time.Minute)
	tmp := f.writeFile(".job-123.tmp", 10, time.Hour)
	expired := f.doneJob("expired-result", 20, 25*time.Hour)
	fresh := f.doneJob("fresh-result", 30, time.Hour)

	cm := NewCleanupManager(cfg, f.store, nil).WithClock(func() time.Time { return f.now })
	report, err := cm.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.OrphansDeleted)
	assert.Equal(t, 1, report.ResultsExpired)
	assert.Equal(t, int64(40), report.BytesFreed)
	assert.Equal(t, int64(40), report.BytesRemaining)

	assert.False(t, fileExists(oldOrphan))
	assert.False(t, fileExists(tmp))
	assert.True(t, fileExists(newOrphan), "orphans inside the grace period survive")

	assert.False(t, fileExists(expired))
	assert.False(t, f.exists("expired-result"), "an expired result takes its row with it")
	assert.True(t, fileExists(fresh))
	assert.True(t, f.exists("fresh-result"))
}

func TestQuotaEvictsOldestResults(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig(f.dir)
	cfg.StorageQuotaBytes = 150

	oldest := f.doneJob("oldest", 100, 3*time.Hour)
	middle := f.doneJob("middle", 100, 2*time.Hour)
	newest := f.doneJob("newest", 100, time.Hour)

	cm := NewCleanupManager(cfg, f.store, nil).WithClock(func() time.Time { return f.now })
	report, err := cm.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.QuotaEvicted)
	assert.False(t, report.QuotaUnmet)
	assert.Equal(t, int64(100), report.BytesRemaining)

	assert.False(t, fileExists(oldest))
	assert.False(t, fileExists(middle))
	assert.True(t, fileExists(newest))
	assert.False(t, f.exists("oldest"))
	assert.False(t, f.exists("middle"))
	assert.True(t, f.exists("newest"))
}

func TestQuotaUnmetWarns(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig(f.dir)
	cfg.StorageQuotaBytes = 100

	f.writeFile("in-grace.png", 500, time.Minute)

	cm := NewCleanupManager(cfg, f.store, nil).WithClock(func() time.Time { return f.now })
	report, err := cm.RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, report.QuotaUnmet)
	assert.Equal(t, 0, report.FilesDeleted())
	assert.Equal(t, int64(500), report.BytesRemaining)
}

func TestSecondPassIsNoop(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig(f.dir)
	cfg.StorageQuotaBytes = 150

	f.doneJob("a", 100, 3*time.Hour)
	f.doneJob("b", 100, 2*time.Hour)
	f.doneJob("c", 100, 30*time.Hour)
	f.doneJob("d", 100, 8*24*time.Hour)
	f.writeFile("orphan.png", 10, time.Hour)
	f.job("stale", models.JobStatusQueued, 8*24*time.Hour, "")
	f.job("missing", models.JobStatusDone, time.Hour, filepath.Join(f.dir, "missing.png"))

	cm := NewCleanupManager(cfg, f.store, nil).WithClock(func() time.Time { return f.now })
	first, err := cm.RunOnce(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, first.RowsDeleted())
	assert.NotZero(t, first.FilesDeleted())

	second, err := cm.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.RowsDeleted())
	assert.Zero(t, second.FilesDeleted())
	assert.Equal(t, first.BytesRemaining, second.BytesRemaining)

	stats := cm.GetStats()
	assert.Equal(t, int64(2), stats.TotalRuns)
	assert.Equal(t, int64(first.RowsDeleted()), stats.TotalRowsDeleted)
}

func TestVacuumThreshold(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig(f.dir)
	cfg.VacuumThreshold = 2

	f.job("e1", models.JobStatusError, 8*24*time.Hour, "")
	cm := NewCleanupManager(cfg, f.store, nil).WithClock(func() time.Time { return f.now })

	report, err := cm.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Vacuumed)

	f.job("e2", models.JobStatusError, 8*24*time.Hour, "")
	f.job("e3", models.JobStatusError, 8*24*time.Hour, "")
	report, err = cm.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Vacuumed)
	assert.Equal(t, int64(1), cm.GetStats().TotalVacuumRuns)
}

func TestMissingOutputDir(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig(filepath.Join(f.dir, "does-not-exist"))

	cm := NewCleanupManager(cfg, f.store, nil)
	report, err := cm.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.FilesDeleted())
}

func TestCancelledPassStops(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig(f.dir)
	cfg.DeleteRate = 20

	for _, id := range []string{"p1", "p2", "p3"} {
		f.job(id, models.JobStatusError, 8*24*time.Hour, "")
	}
	cm := NewCleanupManager(cfg, f.store, nil).WithClock(func() time.Time { return f.now })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cm.RunOnce(ctx)
	assert.Error(t, err, "a cancelled pass stops deleting")
}

func TestStartRunsImmediately(t *testing.T) {
	f := newFixture(t)
	f.job("old", models.JobStatusError, 8*24*time.Hour, "")

	cm := NewCleanupManager(testConfig(f.dir), f.store, nil)
	cm.Start()
	defer cm.Stop()

	require.Eventually(t, func() bool { return cm.GetStats().TotalRuns >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.exists("old"))
}

func TestDisabledDoesNotRun(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig(f.dir)
	cfg.Enabled = false

	cm := NewCleanupManager(cfg, f.store, nil)
	cm.Start()
	cm.Stop()
	assert.Zero(t, cm.GetStats().TotalRuns)
}
