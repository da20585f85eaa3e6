// Package jobs admits image-generation requests, runs them on a bounded worker
// pool with classified retries and records every state change in the store.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/imagegen/pkg/breaker"
	"github.com/psantana5/imagegen/pkg/catalog"
	"github.com/psantana5/imagegen/pkg/config"
	"github.com/psantana5/imagegen/pkg/logging"
	"github.com/psantana5/imagegen/pkg/metrics"
	"github.com/psantana5/imagegen/pkg/models"
	"github.com/psantana5/imagegen/pkg/provider"
	"github.com/psantana5/imagegen/pkg/ratelimit"
	"github.com/psantana5/imagegen/pkg/resources"
	"github.com/psantana5/imagegen/pkg/retry"
	"github.com/psantana5/imagegen/pkg/store"
	"github.com/psantana5/imagegen/pkg/tracing"
)

// ErrJobNotFound is returned by GetStatus for unknown ids
var ErrJobNotFound = store.ErrJobNotFound

// interruptedMessage is persisted on jobs found running at startup
const interruptedMessage = "job was interrupted by a restart"

// Config holds the manager settings
type Config struct {
	QueueCapacity  int
	WorkerCount    int
	AttemptTimeout time.Duration
	Retry          retry.Policy
	MaxPromptChars int
	OutputDir      string

	RateWindow        time.Duration
	RatePerCredential int
	RatePerSession    int

	ActivePerCredential int
	ActivePerSession    int

	BreakerThreshold int
	BreakerCooldown  time.Duration

	ModelCacheTTL   time.Duration
	ModelCacheBytes int
}

// DefaultConfig mirrors config.Default
func DefaultConfig() Config {
	return ConfigFrom(config.Default())
}

// ConfigFrom extracts the manager settings from the service configuration
func ConfigFrom(c config.Config) Config {
	return Config{
		QueueCapacity:  c.QueueCapacity,
		WorkerCount:    c.WorkerCount,
		AttemptTimeout: c.AttemptTimeout,
		Retry: retry.Policy{
			MaxRetries: c.MaxRetries,
			Base:       c.Retry.Base,
			Step:       c.Retry.Step,
			Jitter:     c.Retry.Jitter,
			MaxDelay:   c.Retry.MaxDelay,
		},
		MaxPromptChars:      c.MaxPromptChars,
		OutputDir:           c.OutputDir,
		RateWindow:          c.RateLimit.Window,
		RatePerCredential:   c.RateLimit.PerCredential,
		RatePerSession:      c.RateLimit.PerSession,
		ActivePerCredential: c.ActiveLimit.PerCredential,
		ActivePerSession:    c.ActiveLimit.PerSession,
		BreakerThreshold:    c.Breaker.Threshold,
		BreakerCooldown:     c.Breaker.Cooldown,
		ModelCacheTTL:       c.ModelCacheTTL,
		ModelCacheBytes:     c.ModelCacheBytes,
	}
}

// Manager owns the queue, the worker pool and every admission counter
type Manager struct {
	cfg       Config
	store     store.Store
	providers *provider.Registry
	catalog   *catalog.Cache
	breaker   *breaker.Breaker
	active    *resources.Manager
	queue     *queue

	credWindows    *ratelimit.Windows
	sessionWindows *ratelimit.Windows

	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.Provider
	now     func() time.Time

	// admitMu makes the capacity checks and the enqueue one atomic step
	admitMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	runMu   sync.Mutex
}

// NewManager creates a manager. Call Start to launch the workers.
func NewManager(cfg Config, st store.Store, providers *provider.Registry, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 2 * time.Minute
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "./output"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:            cfg,
		store:          st,
		providers:      providers,
		catalog:        catalog.New(cfg.ModelCacheBytes, cfg.ModelCacheTTL).WithLogger(logger),
		breaker:        breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
		active:         resources.NewManager(),
		queue:          newQueue(cfg.QueueCapacity),
		credWindows:    ratelimit.NewWindows(cfg.RatePerCredential, cfg.RateWindow),
		sessionWindows: ratelimit.NewWindows(cfg.RatePerSession, cfg.RateWindow),
		logger:         logger,
		metrics:        metrics.New(nil),
		tracer:         tracing.Local("imagegen"),
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// WithMetrics replaces the unregistered default collectors
func (m *Manager) WithMetrics(mt *metrics.Metrics) *Manager {
	if mt != nil {
		m.metrics = mt
	}
	return m
}

// WithTracer replaces the non-exporting default tracer
func (m *Manager) WithTracer(t *tracing.Provider) *Manager {
	if t != nil {
		m.tracer = t
	}
	return m
}

// WithClock replaces the time source of the manager, its breaker and its
// model cache
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	m.breaker.WithClock(now)
	m.catalog.WithClock(now)
	return m
}

// Start recovers jobs left running by a previous process and launches the
// workers
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.started {
		return nil
	}
	if m.queue.isClosed() {
		return ErrShuttingDown
	}

	if err := m.recover(ctx); err != nil {
		return err
	}

	for i := 0; i < m.cfg.WorkerCount; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	m.started = true

	m.logger.Info("Job manager started", map[string]interface{}{
		"workers":        m.cfg.WorkerCount,
		"queue_capacity": cap(m.queue.jobs),
		"output_dir":     m.cfg.OutputDir,
	})
	return nil
}

// recover fails jobs a crashed process left in running. Their credential is
// gone so they cannot be resumed.
func (m *Manager) recover(ctx context.Context) error {
	running, err := m.store.ListJobs(ctx, store.ListFilter{Status: models.JobStatusRunning})
	if err != nil {
		return fmt.Errorf("%w: list interrupted jobs: %w", ErrStorage, err)
	}

	for _, job := range running {
		now := m.now()
		code := string(provider.KindInternal)
		msg := interruptedMessage
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
		if err := m.store.UpdateJob(ctx, job.ID, upd); err != nil {
			return fmt.Errorf("%w: fail interrupted job %s: %w", ErrStorage, job.ID, err)
		}
		m.logger.Warn("Marked interrupted job as failed", map[string]interface{}{"job_id": job.ID})
	}
	return nil
}

// Stop refuses new jobs, lets the workers drain the queue and waits for them.
// If ctx expires first, in-flight attempts and retry sleeps are cancelled.
func (m *Manager) Stop(ctx context.Context) error {
	m.admitMu.Lock()
	m.queue.close()
	m.admitMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		m.logger.Info("Job manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Job manager stop timed out, cancelling in-flight jobs", map[string]interface{}{
			"queued": m.queue.len(),
		})
		m.cancel()
		<-done
		return ctx.Err()
	}
}

// GetStatus returns the stored job
func (m *Manager) GetStatus(ctx context.Context, id string) (*models.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return job, nil
}

// Providers lists the registered provider ids
func (m *Manager) Providers() []string {
	return m.providers.IDs()
}

// QueueLength is the number of admitted jobs not yet picked up
func (m *Manager) QueueLength() int {
	return m.queue.len()
}

// ActiveJobs is the number of queued or running jobs
func (m *Manager) ActiveJobs() int {
	return m.active.Total()
}

// BreakerState exposes the breaker for a provider and credential
func (m *Manager) BreakerState(providerID, credential string) breaker.State {
	return m.breaker.State(breaker.Key(providerID, fingerprint(credential)))
}

// OutputDir is where result files are written
func (m *Manager) OutputDir() string {
	return m.cfg.OutputDir
}

func (m *Manager) updateGauges() {
	m.metrics.QueueDepth.Set(float64(m.queue.len()))
	m.metrics.ActiveJobs.Set(float64(m.active.Total()))
}

// ListJobs returns stored jobs, newest first
func (m *Manager) ListJobs(ctx context.Context, filter store.ListFilter) ([]*models.Job, error) {
	list, err := m.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return list, nil
}

// HealthCheck reports whether the store is reachable
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.store.HealthCheck(ctx)
}
