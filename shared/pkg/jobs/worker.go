package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/imagegen/pkg/breaker"
	"github.com/psantana5/imagegen/pkg/imaging"
	"github.com/psantana5/imagegen/pkg/logging"
	"github.com/psantana5/imagegen/pkg/models"
	"github.com/psantana5/imagegen/pkg/provider"
	"github.com/psantana5/imagegen/pkg/retry"
	"github.com/psantana5/imagegen/pkg/tracing"
)

const (
	terminalWriteAttempts = 3
	terminalWriteBackoff  = 50 * time.Millisecond
)

func (m *Manager) worker(n int) {
	defer m.wg.Done()

	logger := m.logger.WithField("worker", n)
	for req := range m.queue.jobs {
		m.updateGauges()
		m.runJob(logger, req)
	}
}

// runJob drives one job from queued to a terminal state. The reservation is
// released and the credential wiped on every path.
func (m *Manager) runJob(logger *logging.Logger, req *models.JobRequest) {
	defer func() {
		if err := m.active.Release(req.ID); err != nil {
			logger.Warn("Release failed", map[string]interface{}{"job_id": req.ID, "error": err.Error()})
		}
		req.ClearCredential()
		m.updateGauges()
	}()

	ctx, span := m.tracer.StartSpan(m.ctx, "jobs.run", tracing.JobAttributes(req.ID, req.Provider, req.Model)...)
	defer span.End()

	// State writes must land even when the run is being cancelled
	persist := context.WithoutCancel(ctx)

	started := m.now()
	if err := m.store.UpdateJob(persist, req.ID, models.JobUpdate{
		Status:    models.JobStatusRunning,
		StartedAt: &started,
	}); err != nil {
		logger.Error("Failed to mark job running", map[string]interface{}{"job_id": req.ID, "error": err.Error()})
		tracing.SetError(ctx, err)
		return
	}
	logger.Info("Job started", map[string]interface{}{"job_id": req.ID, "provider": req.Provider, "model": req.Model})

	p, ok := m.providers.Get(req.Provider)
	if !ok {
		// Only reachable if the registry changed after admission
		m.fail(persist, logger, req, started, 0, provider.Errorf(provider.KindInternal, "provider %q is not registered", req.Provider))
		return
	}

	data, attempts, err := m.generate(ctx, p, req)
	bkey := breaker.Key(req.Provider, req.Fingerprint)
	if err != nil {
		m.fail(persist, logger, req, started, attempts, err)
		if m.ctx.Err() == nil {
			if m.breaker.Failure(bkey) {
				m.metrics.BreakerOpens.WithLabelValues(req.Provider).Inc()
				logger.Warn("Provider cooldown started", map[string]interface{}{
					"provider":    req.Provider,
					"fingerprint": req.Fingerprint,
				})
			}
		}
		tracing.SetError(ctx, err)
		return
	}

	path, err := m.writeResult(req.ID, data)
	if err != nil {
		// Local failure; the provider did its job so the breaker is left alone
		m.fail(persist, logger, req, started, attempts, provider.Wrap(provider.KindInternal, "write result", err))
		tracing.SetError(ctx, err)
		return
	}

	if err := m.complete(persist, req, started, attempts, path); err != nil {
		logger.Error("Failed to mark job done", map[string]interface{}{"job_id": req.ID, "error": err.Error()})
		// No row may point at a missing file, and the row must still end
		os.Remove(path)
		m.fail(persist, logger, req, started, attempts, provider.Wrap(provider.KindInternal, "record result", err))
		tracing.SetError(ctx, err)
		return
	}
	m.breaker.Success(bkey)

	logger.Info("Job completed", map[string]interface{}{
		"job_id":   req.ID,
		"attempts": attempts,
		"path":     path,
	})
}

// generate calls the provider until it succeeds, fails terminally or the
// attempts run out. It returns the number of calls made.
func (m *Manager) generate(ctx context.Context, p provider.Provider, req *models.JobRequest) ([]byte, int, error) {
	var lastErr error
	limit := m.cfg.Retry.Attempts()

	for attempt := 1; attempt <= limit; attempt++ {
		data, err := m.attempt(ctx, p, req, attempt)
		if err == nil {
			m.metrics.Attempts.WithLabelValues(req.Provider, "success").Inc()
			return data, attempt, nil
		}

		kind := provider.KindOf(err)
		m.metrics.Attempts.WithLabelValues(req.Provider, string(kind)).Inc()
		lastErr = err

		if !kind.Retryable() || attempt == limit {
			return nil, attempt, err
		}

		delay := m.backoff(attempt, err)
		m.logger.Warn("Provider attempt failed, retrying", map[string]interface{}{
			"job_id":  req.ID,
			"attempt": attempt,
			"kind":    string(kind),
			"delay":   delay.String(),
		})
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil, attempt, lastErr
		}
	}
	return nil, limit, lastErr
}

// attempt makes one provider call under the per-attempt timeout
func (m *Manager) attempt(ctx context.Context, p provider.Provider, req *models.JobRequest, n int) ([]byte, error) {
	actx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
	defer cancel()

	actx, span := m.tracer.StartSpan(actx, "provider.Generate",
		attribute.String("job.id", req.ID),
		attribute.String("job.provider", req.Provider),
		attribute.Int("attempt", n))

	data, err := p.Generate(actx, req.Prompt, req.Params, req.Model, req.Credential())
	if err == nil && len(data) == 0 {
		err = provider.Errorf(provider.KindProviderError, "provider returned no image")
	}
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil &&
		provider.KindOf(err) != provider.KindTimeout {
		err = provider.Wrap(provider.KindTimeout, "attempt timed out", err)
	}
	tracing.EndSpan(span, err)
	return data, err
}

// backoff is the sleep before the next attempt. Rate limits honour the
// provider's hint when it gave one.
func (m *Manager) backoff(attempt int, err error) time.Duration {
	if provider.KindOf(err) == provider.KindRateLimit {
		if ra := provider.RetryAfterOf(err); ra > 0 {
			return m.cfg.Retry.Cap(ra)
		}
	}
	return m.cfg.Retry.Delay(attempt)
}

func (m *Manager) fail(ctx context.Context, logger *logging.Logger, req *models.JobRequest, started time.Time, attempts int, cause error) {
	code, msg := provider.PublicError(cause)
	completed := m.now()
	duration := completed.Sub(started).Milliseconds()

	upd := models.JobUpdate{
		Status:       models.JobStatusError,
		CompletedAt:  &completed,
		DurationMs:   &duration,
		Attempts:     &attempts,
		ErrorCode:    &code,
		ErrorMessage: &msg,
	}
	// Rows still running after this are failed by cleanup once they pass job_ttl
	for try := 1; ; try++ {
		err := m.store.UpdateJob(ctx, req.ID, upd)
		if err == nil {
			break
		}
		logger.Error("Failed to mark job failed", map[string]interface{}{
			"job_id":  req.ID,
			"attempt": try,
			"error":   err.Error(),
		})
		if try == terminalWriteAttempts {
			break
		}
		retry.Sleep(ctx, time.Duration(try)*terminalWriteBackoff)
	}

	m.metrics.JobsFinished.WithLabelValues(req.Provider, string(models.JobStatusError)).Inc()
	m.metrics.JobDuration.WithLabelValues(req.Provider).Observe(completed.Sub(started).Seconds())
	logger.Error("Job failed", map[string]interface{}{
		"job_id":   req.ID,
		"attempts": attempts,
		"code":     code,
		"cause":    cause.Error(),
	})
}

func (m *Manager) complete(ctx context.Context, req *models.JobRequest, started time.Time, attempts int, path string) error {
	completed := m.now()
	duration := completed.Sub(started).Milliseconds()

	if err := m.store.UpdateJob(ctx, req.ID, models.JobUpdate{
		Status:      models.JobStatusDone,
		CompletedAt: &completed,
		DurationMs:  &duration,
		Attempts:    &attempts,
		ResultPath:  &path,
	}); err != nil {
		return err
	}

	m.metrics.JobsFinished.WithLabelValues(req.Provider, string(models.JobStatusDone)).Inc()
	m.metrics.JobDuration.WithLabelValues(req.Provider).Observe(completed.Sub(started).Seconds())
	return nil
}

// writeResult stores the normalized image as <output_dir>/<job_id>.<ext>.
// The file appears under its final name only once fully written.
func (m *Manager) writeResult(id string, data []byte) (string, error) {
	result := imaging.Normalize(data)

	if err := os.MkdirAll(m.cfg.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(m.cfg.OutputDir, "."+id+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(result.Data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write result: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to sync result: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close result: %w", err)
	}

	final := filepath.Join(m.cfg.OutputDir, id+"."+result.Ext)
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to publish result: %w", err)
	}
	return final, nil
}
