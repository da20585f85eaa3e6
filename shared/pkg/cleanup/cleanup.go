package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/time/rate"

	"github.com/psantana5/imagegen/pkg/config"
	"github.com/psantana5/imagegen/pkg/logging"
	"github.com/psantana5/imagegen/pkg/metrics"
	"github.com/psantana5/imagegen/pkg/models"
	"github.com/psantana5/imagegen/pkg/store"
)

// Deletion reasons, also used as metric labels
const (
	ReasonExpired       = "expired"
	ReasonStaleQueued   = "stale_queued"
	ReasonStaleRunning  = "stale_running"
	ReasonMissingFile   = "missing_file"
	ReasonOrphan        = "orphan"
	ReasonResultExpired = "result_expired"
	ReasonQuota         = "quota"
)

// CleanupConfig defines retention policies and cleanup intervals
type CleanupConfig struct {
	Enabled           bool
	Interval          time.Duration
	JobTTL            time.Duration
	ResultTTL         time.Duration
	OrphanGrace       time.Duration
	StorageQuotaBytes int64   // 0 disables the quota
	VacuumThreshold   int     // rows deleted in one pass before a vacuum; 0 never vacuums
	DeleteRate        float64 // deletions per second; 0 is unpaced
	OutputDir         string
}

// DefaultConfig returns sensible defaults for cleanup
func DefaultConfig() CleanupConfig {
	return ConfigFrom(config.Default())
}

// ConfigFrom extracts the cleanup settings from the service configuration
func ConfigFrom(c config.Config) CleanupConfig {
	return CleanupConfig{
		Enabled:           c.Cleanup.Enabled,
		Interval:          c.Cleanup.Interval,
		JobTTL:            c.Cleanup.JobTTL,
		ResultTTL:         c.Cleanup.ResultTTL,
		OrphanGrace:       c.Cleanup.OrphanGrace,
		StorageQuotaBytes: c.Cleanup.StorageQuotaBytes,
		VacuumThreshold:   c.Cleanup.VacuumThreshold,
		DeleteRate:        c.Cleanup.DeleteRate,
		OutputDir:         c.OutputDir,
	}
}

// Report describes one sweep
type Report struct {
	RowsExpired     int
	ExpiredFiles    int
	RowsStaleQueued int
	RowsFailedStale int // running rows past job_ttl, marked error rather than deleted
	RowsMissingFile int
	OrphansDeleted  int
	ResultsExpired  int
	QuotaEvicted    int
	BytesFreed      int64
	BytesRemaining  int64
	QuotaUnmet      bool
	Vacuumed        bool
	DiskFreeBytes   uint64
	DiskUsedPercent float64
	Duration        time.Duration
}

// RowsDeleted counts every row removed, including rows removed with their file
func (r Report) RowsDeleted() int {
	return r.RowsExpired + r.RowsStaleQueued + r.RowsMissingFile + r.ResultsExpired + r.QuotaEvicted
}

// FilesDeleted counts every file removed
func (r Report) FilesDeleted() int {
	return r.ExpiredFiles + r.OrphansDeleted + r.ResultsExpired + r.QuotaEvicted
}

// CleanupStats tracks cleanup operations
type CleanupStats struct {
	LastCleanupTime     time.Time
	LastVacuumTime      time.Time
	LastCleanupDuration time.Duration
	TotalRuns           int64
	TotalRowsDeleted    int64
	TotalFilesDeleted   int64
	TotalVacuumRuns     int64
	LastReport          Report
}

// CleanupManager reclaims job rows and result files
type CleanupManager struct {
	config  CleanupConfig
	store   store.Store
	logger  *logging.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runMu sync.Mutex // one sweep at a time
	mu    sync.RWMutex
	stats CleanupStats
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(config CleanupConfig, st store.Store, logger *logging.Logger) *CleanupManager {
	if logger == nil {
		logger = logging.Nop()
	}
	if config.Interval <= 0 {
		config.Interval = 10 * time.Minute
	}

	limit := rate.Inf
	burst := 1
	if config.DeleteRate > 0 {
		limit = rate.Limit(config.DeleteRate)
		if b := int(config.DeleteRate); b > burst {
			burst = b
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CleanupManager{
		config:  config,
		store:   st,
		logger:  logger,
		metrics: metrics.New(nil),
		limiter: rate.NewLimiter(limit, burst),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// WithMetrics replaces the unregistered default collectors
func (cm *CleanupManager) WithMetrics(m *metrics.Metrics) *CleanupManager {
	if m != nil {
		cm.metrics = m
	}
	return cm
}

// WithClock replaces the time source used for ages
func (cm *CleanupManager) WithClock(now func() time.Time) *CleanupManager {
	cm.now = now
	return cm
}

// Start runs a sweep immediately and then every interval
func (cm *CleanupManager) Start() {
	if !cm.config.Enabled {
		cm.logger.Info("Cleanup manager disabled")
		return
	}

	cm.logger.Info("Starting cleanup manager", map[string]interface{}{
		"interval":     cm.config.Interval.String(),
		"job_ttl":      cm.config.JobTTL.String(),
		"result_ttl":   cm.config.ResultTTL.String(),
		"quota_bytes":  cm.config.StorageQuotaBytes,
		"orphan_grace": cm.config.OrphanGrace.String(),
	})

	cm.wg.Add(1)
	go cm.cleanupLoop()
}

// Stop gracefully stops the cleanup manager
func (cm *CleanupManager) Stop() {
	cm.cancel()
	cm.wg.Wait()
	cm.logger.Info("Cleanup manager stopped")
}

func (cm *CleanupManager) cleanupLoop() {
	defer cm.wg.Done()

	ticker := time.NewTicker(cm.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := cm.RunOnce(cm.ctx); err != nil && cm.ctx.Err() == nil {
			cm.logger.Error("Cleanup pass failed", map[string]interface{}{"error": err.Error()})
		}

		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// GetStats returns current cleanup statistics
func (cm *CleanupManager) GetStats() CleanupStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats
}

// RunOnce performs one full retention pass. Running it again right away
// deletes nothing.
func (cm *CleanupManager) RunOnce(ctx context.Context) (Report, error) {
	cm.runMu.Lock()
	defer cm.runMu.Unlock()

	start := time.Now()
	var report Report

	err := cm.sweepRows(ctx, &report)
	if err == nil {
		err = cm.sweepFiles(ctx, &report)
	}

	if err == nil && cm.config.VacuumThreshold > 0 && report.RowsDeleted() >= cm.config.VacuumThreshold {
		if verr := cm.vacuum(ctx); verr != nil {
			cm.logger.Error("Database vacuum failed", map[string]interface{}{"error": verr.Error()})
		} else {
			report.Vacuumed = true
		}
	}

	cm.recordDisk(&report)
	report.Duration = time.Since(start)

	cm.mu.Lock()
	cm.stats.LastCleanupTime = cm.now()
	cm.stats.LastCleanupDuration = report.Duration
	cm.stats.TotalRuns++
	cm.stats.TotalRowsDeleted += int64(report.RowsDeleted())
	cm.stats.TotalFilesDeleted += int64(report.FilesDeleted())
	cm.stats.LastReport = report
	cm.mu.Unlock()

	fields := map[string]interface{}{
		"rows_deleted":    report.RowsDeleted(),
		"files_deleted":   report.FilesDeleted(),
		"bytes_freed":     report.BytesFreed,
		"bytes_remaining": report.BytesRemaining,
		"vacuumed":        report.Vacuumed,
		"duration":        report.Duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		cm.logger.Warn("Cleanup pass incomplete", fields)
		return report, err
	}
	cm.logger.Info("Cleanup pass complete", fields)
	return report, nil
}

// staleRunningMessage is persisted on running rows cleanup gives up on
const staleRunningMessage = "job did not finish within the retention period"

// sweepRows removes expired terminal rows, stale queued rows and rows whose
// result file has disappeared, and fails running rows nobody finished
func (cm *CleanupManager) sweepRows(ctx context.Context, report *Report) error {
	cutoff := cm.now().Add(-cm.config.JobTTL)

	running, err := cm.store.ListJobsBefore(ctx, []models.JobStatus{models.JobStatusRunning}, cutoff)
	if err != nil {
		return fmt.Errorf("list stale running jobs: %w", err)
	}
	for _, job := range running {
		if ok, err := cm.failStale(ctx, job); err != nil {
			return err
		} else if ok {
			report.RowsFailedStale++
		}
	}

	expired, err := cm.store.ListJobsBefore(ctx, models.TerminalStates(), cutoff)
	if err != nil {
		return fmt.Errorf("list expired jobs: %w", err)
	}
	for _, job := range expired {
		if job.ResultPath != "" {
			if freed, ok := cm.removeFile(ctx, job.ResultPath); ok {
				report.ExpiredFiles++
				report.BytesFreed += freed
				cm.metrics.CleanupDeleted.WithLabelValues("file", ReasonExpired).Inc()
			}
		}
		if ok, err := cm.deleteRow(ctx, job.ID, ReasonExpired); err != nil {
			return err
		} else if ok {
			report.RowsExpired++
		}
	}

	stale, err := cm.store.ListJobsBefore(ctx, []models.JobStatus{models.JobStatusQueued}, cutoff)
	if err != nil {
		return fmt.Errorf("list stale queued jobs: %w", err)
	}
	for _, job := range stale {
		if ok, err := cm.deleteRow(ctx, job.ID, ReasonStaleQueued); err != nil {
			return err
		} else if ok {
			report.RowsStaleQueued++
		}
	}

	withResults, err := cm.store.ListJobsWithResults(ctx)
	if err != nil {
		return fmt.Errorf("list jobs with results: %w", err)
	}
	for _, job := range withResults {
		if !models.IsTerminalState(job.Status) {
			continue
		}
		if _, err := os.Stat(job.ResultPath); !errors.Is(err, os.ErrNotExist) {
			continue
		}
		if ok, err := cm.deleteRow(ctx, job.ID, ReasonMissingFile); err != nil {
			return err
		} else if ok {
			report.RowsMissingFile++
		}
	}
	return nil
}

type resultFile struct {
	path    string
	size    int64
	modTime time.Time
	jobID   string
}

// sweepFiles walks the flat output directory: orphans past their grace period
// go, results past their TTL go with their row, then the oldest results are
// evicted until the directory fits the quota
func (cm *CleanupManager) sweepFiles(ctx context.Context, report *Report) error {
	entries, err := os.ReadDir(cm.config.OutputDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read output directory: %w", err)
	}

	withResults, err := cm.store.ListJobsWithResults(ctx)
	if err != nil {
		return fmt.Errorf("list jobs with results: %w", err)
	}
	owners := make(map[string]*models.Job, len(withResults))
	for _, job := range withResults {
		owners[filepath.Base(job.ResultPath)] = job
	}

	now := cm.now()
	var total int64
	var referenced []resultFile

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(cm.config.OutputDir, entry.Name())
		age := now.Sub(info.ModTime())

		job, owned := owners[entry.Name()]
		if !owned || !models.IsTerminalState(job.Status) {
			if !owned && age > cm.config.OrphanGrace {
				if freed, ok := cm.removeFile(ctx, path); ok {
					report.OrphansDeleted++
					report.BytesFreed += freed
					cm.metrics.CleanupDeleted.WithLabelValues("file", ReasonOrphan).Inc()
					continue
				}
			}
			total += info.Size()
			continue
		}

		if cm.config.ResultTTL > 0 && age > cm.config.ResultTTL {
			if freed, ok := cm.evict(ctx, path, job.ID, ReasonResultExpired); ok {
				report.ResultsExpired++
				report.BytesFreed += freed
				continue
			}
		}

		total += info.Size()
		referenced = append(referenced, resultFile{path: path, size: info.Size(), modTime: info.ModTime(), jobID: job.ID})
	}

	if quota := cm.config.StorageQuotaBytes; quota > 0 && total > quota {
		sort.Slice(referenced, func(i, j int) bool {
			return referenced[i].modTime.Before(referenced[j].modTime)
		})
		for _, f := range referenced {
			if total <= quota {
				break
			}
			if freed, ok := cm.evict(ctx, f.path, f.jobID, ReasonQuota); ok {
				report.QuotaEvicted++
				report.BytesFreed += freed
				total -= f.size
			}
		}
		if total > quota {
			report.QuotaUnmet = true
			cm.logger.Warn("Storage quota cannot be met", map[string]interface{}{
				"quota_bytes": quota,
				"used_bytes":  total,
			})
		}
	}

	report.BytesRemaining = total
	cm.metrics.OutputBytes.Set(float64(total))
	return ctx.Err()
}

// evict removes a result file together with its row so a later pass has
// nothing left to reconcile
func (cm *CleanupManager) evict(ctx context.Context, path, jobID, reason string) (int64, bool) {
	freed, ok := cm.removeFile(ctx, path)
	if !ok {
		return 0, false
	}
	cm.metrics.CleanupDeleted.WithLabelValues("file", reason).Inc()
	if _, err := cm.deleteRow(ctx, jobID, reason); err != nil {
		// The row is reclaimed as missing_file on the next pass
		cm.logger.Warn("Failed to delete row of evicted result", map[string]interface{}{
			"job_id": jobID,
			"error":  err.Error(),
		})
	}
	return freed, true
}

func (cm *CleanupManager) removeFile(ctx context.Context, path string) (int64, bool) {
	if err := cm.limiter.Wait(ctx); err != nil {
		return 0, false
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	if err := os.Remove(path); err != nil {
		cm.logger.Warn("Failed to delete file", map[string]interface{}{"path": path, "error": err.Error()})
		return 0, false
	}
	return info.Size(), true
}

// deleteRow reports whether a row was removed. A row that is already gone is
// not an error.
func (cm *CleanupManager) deleteRow(ctx context.Context, id, reason string) (bool, error) {
	if err := cm.limiter.Wait(ctx); err != nil {
		return false, err
	}
	if err := cm.store.DeleteJob(ctx, id); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("delete job %s: %w", id, err)
	}
	cm.metrics.CleanupDeleted.WithLabelValues("row", reason).Inc()
	return true, nil
}

// failStale moves a running row to error. The row then ages out with the
// other terminal rows.
func (cm *CleanupManager) failStale(ctx context.Context, job *models.Job) (bool, error) {
	if err := cm.limiter.Wait(ctx); err != nil {
		return false, err
	}
	now := cm.now()
	code := "internal"
	msg := staleRunningMessage
	upd := models.JobUpdate{
		Status:       models.JobStatusError,
		CompletedAt:  &now,
		ErrorCode:    &code,
		ErrorMessage: &msg,
	}
	if job.StartedAt != nil {
		d := now.Sub(*job.StartedAt).Milliseconds()
		upd.DurationMs = &d
	}
	if err := cm.store.UpdateJob(ctx, job.ID, upd); err != nil {
		// Finished or deleted since the listing
		if errors.Is(err, store.ErrJobNotFound) || errors.Is(err, store.ErrInvalidTransition) {
			return false, nil
		}
		return false, fmt.Errorf("fail stale job %s: %w", job.ID, err)
	}
	cm.metrics.CleanupDeleted.WithLabelValues("row_failed", ReasonStaleRunning).Inc()
	cm.logger.Warn("Failed job stuck in running", map[string]interface{}{"job_id": job.ID})
	return true, nil
}

// vacuum performs database maintenance
func (cm *CleanupManager) vacuum(ctx context.Context) error {
	startTime := time.Now()
	if err := cm.store.Vacuum(ctx); err != nil {
		return err
	}
	duration := time.Since(startTime)

	cm.mu.Lock()
	cm.stats.LastVacuumTime = cm.now()
	cm.stats.TotalVacuumRuns++
	cm.mu.Unlock()

	cm.logger.Info("Database vacuum complete", map[string]interface{}{"duration": duration.String()})
	return nil
}

// recordDisk snapshots the filesystem holding the output directory
func (cm *CleanupManager) recordDisk(report *Report) {
	path := cm.config.OutputDir
	if _, err := os.Stat(path); err != nil {
		path = filepath.Dir(path)
	}
	usage, err := disk.Usage(path)
	if err != nil {
		cm.logger.Debug("Disk usage unavailable", map[string]interface{}{"path": path, "error": err.Error()})
		return
	}
	report.DiskFreeBytes = usage.Free
	report.DiskUsedPercent = usage.UsedPercent
	cm.metrics.DiskFreeBytes.Set(float64(usage.Free))
	cm.metrics.DiskUsedPercent.Set(usage.UsedPercent)
}
