package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/psantana5/imagegen/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

const jobColumns = `id, prompt, provider, model, width, height, steps, cfg, seed, mode, status,
	session_id, created_at, updated_at, started_at, completed_at, duration_ms, attempts,
	error_code, error_message, result_path`

// sqlStore holds the SQL shared by the SQLite and PostgreSQL stores.
// Queries are written with ? placeholders and rebound per dialect.
type sqlStore struct {
	db       *sql.DB
	mu       sync.Locker
	dialect  goose.Dialect
	numbered bool // $1 placeholders instead of ?
	vacuum   string
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// migrate applies the embedded goose migrations for the dialect
func (s *sqlStore) migrate(ctx context.Context, dir string) error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+dir)
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	provider, err := goose.NewProvider(s.dialect, s.db, sub)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                    models.Job
		status                 string
		startedAt, completedAt sql.NullTime
		durationMs             sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.Prompt, &job.Provider, &job.Model, &job.Width, &job.Height,
		&job.Steps, &job.CFGScale, &job.Seed, &job.Mode, &status, &job.SessionID,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &completedAt, &durationMs, &job.Attempts,
		&job.ErrorCode, &job.ErrorMessage, &job.ResultPath)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if durationMs.Valid {
		d := durationMs.Int64
		job.DurationMs = &d
	}
	return &job, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// CreateJob inserts a queued job
func (s *sqlStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status != models.JobStatusQueued {
		return fmt.Errorf("%w: new jobs must be queued, got %s", ErrInvalidTransition, job.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := job.UpdatedAt
	if updated.IsZero() {
		updated = job.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), job.ID, job.Prompt, job.Provider, job.Model, job.Width, job.Height, job.Steps,
		job.CFGScale, job.Seed, job.Mode, string(job.Status), job.SessionID,
		job.CreatedAt.UTC(), updated.UTC(), nullTime(job.StartedAt), nullTime(job.CompletedAt),
		nullInt64(job.DurationMs), job.Attempts, job.ErrorCode, job.ErrorMessage, job.ResultPath)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// UpdateJob applies a partial update after validating the transition against the stored row
func (s *sqlStore) UpdateJob(ctx context.Context, id string, upd models.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM jobs WHERE id = ?`), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read job status: %w", err)
	}

	if err := checkUpdate(models.JobStatus(current), upd); err != nil {
		return err
	}

	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC()}
	add := func(col string, v interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if upd.Status != "" {
		add("status", string(upd.Status))
	}
	if upd.StartedAt != nil {
		add("started_at", upd.StartedAt.UTC())
	}
	if upd.CompletedAt != nil {
		add("completed_at", upd.CompletedAt.UTC())
	}
	if upd.DurationMs != nil {
		add("duration_ms", *upd.DurationMs)
	}
	if upd.Attempts != nil {
		add("attempts", *upd.Attempts)
	}
	if upd.ErrorCode != nil {
		add("error_code", *upd.ErrorCode)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if upd.ResultPath != nil {
		add("result_path", *upd.ResultPath)
	}
	args = append(args, id, current)

	// The status guard keeps a concurrent writer from slipping past the FSM check
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`), args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: job %s changed concurrently", ErrInvalidTransition, id)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *sqlStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := scanJob(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *sqlStore) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListJobs returns jobs matching the filter, newest first
func (s *sqlStore) ListJobs(ctx context.Context, filter ListFilter) ([]*models.Job, error) {
	var where []string
	var args []interface{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryJobs(ctx, query, args...)
}

// ListJobsBefore returns jobs in the given states last updated before cutoff
func (s *sqlStore) ListJobsBefore(ctx context.Context, statuses []models.JobStatus, cutoff time.Time) ([]*models.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, cutoff.UTC())

	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN (`+strings.Join(placeholders, ", ")+`) AND updated_at < ?
		ORDER BY updated_at`, args...)
}

// ListJobsWithResults returns every job that references a result file
func (s *sqlStore) ListJobsWithResults(ctx context.Context) ([]*models.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE result_path != '' ORDER BY updated_at`)
}

// DeleteJob removes a job row
func (s *sqlStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// GetJobMetrics returns aggregated job statistics
func (s *sqlStore) GetJobMetrics(ctx context.Context) (*JobMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics := newJobMetrics()

	// Count jobs by state
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by state: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		metrics.JobsByState[models.JobStatus(status)] = count
		metrics.TotalJobs += count
		switch models.JobStatus(status) {
		case models.JobStatusRunning:
			metrics.ActiveJobs += count
		case models.JobStatusQueued:
			metrics.QueueLength += count
		}
	}
	rows.Close()

	// Count jobs by provider
	rows, err = s.db.QueryContext(ctx, `SELECT provider, COUNT(*) FROM jobs GROUP BY provider`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by provider: %w", err)
	}
	for rows.Next() {
		var provider string
		var count int
		if err := rows.Scan(&provider, &count); err != nil {
			continue
		}
		metrics.JobsByProvider[provider] = count
	}
	rows.Close()

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(duration_ms) FROM jobs WHERE status = 'done' AND duration_ms IS NOT NULL`).Scan(&avg); err != nil {
		return nil, fmt.Errorf("failed to average durations: %w", err)
	}
	if avg.Valid {
		metrics.AvgDurationMs = avg.Float64
	}

	return metrics, nil
}

// HealthCheck verifies the database is reachable
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.PingContext(ctx)
}

// Vacuum reclaims space after large deletions
func (s *sqlStore) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, s.vacuum); err != nil {
		return fmt.Errorf("failed to vacuum: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}
