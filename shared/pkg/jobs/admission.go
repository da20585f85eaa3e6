package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/imagegen/pkg/auth"
	"github.com/psantana5/imagegen/pkg/breaker"
	"github.com/psantana5/imagegen/pkg/catalog"
	"github.com/psantana5/imagegen/pkg/models"
	"github.com/psantana5/imagegen/pkg/provider"
	"github.com/psantana5/imagegen/pkg/tracing"
)

// EnqueueRequest is one generation request as received from a caller
type EnqueueRequest struct {
	Provider   string
	Model      string
	Prompt     string
	Params     models.GenerationParams
	SessionID  string
	Credential string
}

func fingerprint(credential string) string {
	return auth.Fingerprint(credential)
}

func credentialKey(fp string) string {
	return "cred:" + fp
}

func sessionKey(session string) string {
	if session == "" {
		return ""
	}
	return "sess:" + session
}

// Enqueue validates and admits a request. On success the job is persisted as
// queued and waiting for a worker; on failure nothing is recorded.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (id string, err error) {
	ctx, span := m.tracer.StartSpan(ctx, "jobs.Enqueue",
		attribute.String("job.provider", req.Provider),
		attribute.String("job.model", req.Model))
	defer func() {
		if id != "" {
			span.SetAttributes(attribute.String("job.id", id))
		}
		tracing.EndSpan(span, err)
		m.metrics.Admissions.WithLabelValues(admissionResult(err)).Inc()
	}()

	if m.queue.isClosed() {
		return "", ErrShuttingDown
	}

	p, ok := m.providers.Get(req.Provider)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}

	credential := strings.TrimSpace(req.Credential)
	if credential == "" {
		return "", ErrCredentialRequired
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", ErrPromptRequired
	}
	if m.cfg.MaxPromptChars > 0 && utf8.RuneCountInString(prompt) > m.cfg.MaxPromptChars {
		return "", fmt.Errorf("%w: %d characters, limit %d", ErrPromptTooLong,
			utf8.RuneCountInString(prompt), m.cfg.MaxPromptChars)
	}

	fp := fingerprint(credential)
	bkey := breaker.Key(p.ID(), fp)
	if remaining, ok := m.breaker.Allow(bkey); !ok {
		return "", &CooldownError{Provider: p.ID(), Remaining: remaining}
	}

	spec, err := m.catalog.Spec(ctx, p, fp, credential, req.Model)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownModel) {
			return "", &invalidParam{err: provider.Errorf(provider.KindBadRequest, "unknown model %q", req.Model)}
		}
		return "", err
	}

	params, err := p.ValidateParams(req.Model, req.Params, spec)
	if err != nil {
		if provider.KindOf(err) == provider.KindBadRequest {
			return "", &invalidParam{err: err}
		}
		return "", err
	}

	jobReq := models.NewJobRequest(uuid.NewString(), credential)
	jobReq.Prompt = prompt
	jobReq.Provider = p.ID()
	jobReq.Model = req.Model
	jobReq.Params = params
	jobReq.SessionID = req.SessionID
	jobReq.Fingerprint = fp

	if err := m.admit(ctx, jobReq, bkey); err != nil {
		jobReq.ClearCredential()
		return "", err
	}

	m.logger.Info("Job admitted", map[string]interface{}{
		"job_id":      jobReq.ID,
		"provider":    jobReq.Provider,
		"model":       jobReq.Model,
		"fingerprint": fp,
		"session_id":  jobReq.SessionID,
	})
	return jobReq.ID, nil
}

// admit runs every capacity check, persists the row and hands the job to the
// queue as one step under the admission lock
func (m *Manager) admit(ctx context.Context, req *models.JobRequest, bkey string) error {
	m.admitMu.Lock()
	defer m.admitMu.Unlock()

	if m.queue.isClosed() {
		return ErrShuttingDown
	}
	if m.queue.full() {
		return fmt.Errorf("%w: %d jobs waiting", ErrQueueOverflow, m.queue.len())
	}
	if remaining, ok := m.breaker.Allow(bkey); !ok {
		return &CooldownError{Provider: req.Provider, Remaining: remaining}
	}

	now := m.now()
	if m.credWindows.Exceeded(req.Fingerprint, now) {
		return &ScopedError{Scope: ScopeCredential, Err: ErrRateLimited,
			RetryAfter: m.credWindows.RetryAfter(req.Fingerprint, now)}
	}
	if req.SessionID != "" && m.sessionWindows.Exceeded(req.SessionID, now) {
		return &ScopedError{Scope: ScopeSession, Err: ErrRateLimited,
			RetryAfter: m.sessionWindows.RetryAfter(req.SessionID, now)}
	}

	credKey := credentialKey(req.Fingerprint)
	sessKey := sessionKey(req.SessionID)
	if limit := m.cfg.ActivePerCredential; limit > 0 && m.active.Count(credKey) >= limit {
		return &ScopedError{Scope: ScopeCredential, Err: ErrActiveLimitExceeded}
	}
	if limit := m.cfg.ActivePerSession; limit > 0 && sessKey != "" && m.active.Count(sessKey) >= limit {
		return &ScopedError{Scope: ScopeSession, Err: ErrActiveLimitExceeded}
	}

	req.CreatedAt = now
	if err := m.store.CreateJob(ctx, req.Record()); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	// Reserve before the push so a fast worker always finds the reservation
	if err := m.active.Reserve(req.ID, credKey, sessKey); err != nil {
		m.rollback(ctx, req.ID)
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if err := m.queue.push(req); err != nil {
		m.active.Release(req.ID)
		m.rollback(ctx, req.ID)
		return err
	}

	m.credWindows.Record(req.Fingerprint, now)
	if req.SessionID != "" {
		m.sessionWindows.Record(req.SessionID, now)
	}
	m.updateGauges()
	return nil
}

func (m *Manager) rollback(ctx context.Context, id string) {
	if err := m.store.DeleteJob(context.WithoutCancel(ctx), id); err != nil {
		m.logger.Error("Failed to roll back job row", map[string]interface{}{
			"job_id": id,
			"error":  err.Error(),
		})
	}
}

// ValidateKey checks a credential against the provider by listing its models.
// A successful check refreshes the cached model list.
func (m *Manager) ValidateKey(ctx context.Context, providerID, credential string) error {
	_, err := m.Models(ctx, providerID, credential, true)
	return err
}

// Models returns the provider's model list for the credential, served from
// the cache unless force is set
func (m *Manager) Models(ctx context.Context, providerID, credential string, force bool) ([]models.ModelSpec, error) {
	p, ok := m.providers.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrCredentialRequired
	}

	ctx, span := m.tracer.StartSpan(ctx, "jobs.Models", attribute.String("job.provider", providerID))
	list, err := m.catalog.Models(ctx, p, fingerprint(credential), credential, force)
	tracing.EndSpan(span, err)
	return list, err
}
