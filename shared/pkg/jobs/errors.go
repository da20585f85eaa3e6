package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Admission errors. Every rejection leaves no row, no counter and no window
// entry behind.
var (
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrCredentialRequired  = errors.New("provider credential is required")
	ErrPromptRequired      = errors.New("prompt is required")
	ErrPromptTooLong       = errors.New("prompt is too long")
	ErrInvalidParameter    = errors.New("invalid generation parameter")
	ErrQueueOverflow       = errors.New("job queue is full")
	ErrProviderCooldown    = errors.New("provider is cooling down for this credential")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrActiveLimitExceeded = errors.New("too many active jobs")
	ErrStorage             = errors.New("job storage failure")
	ErrShuttingDown        = errors.New("job manager is shutting down")
)

// Scope names which counter rejected an admission
type Scope string

const (
	ScopeCredential Scope = "credential"
	ScopeSession    Scope = "session"
)

// ScopedError wraps ErrRateLimited or ErrActiveLimitExceeded with the scope
// that tripped. RetryAfter is set for rate limits.
type ScopedError struct {
	Scope      Scope
	Err        error
	RetryAfter time.Duration
}

func (e *ScopedError) Error() string {
	return fmt.Sprintf("%v (%s)", e.Err, e.Scope)
}

func (e *ScopedError) Unwrap() error {
	return e.Err
}

// CooldownError is returned while the circuit breaker for the provider and
// credential is open
type CooldownError struct {
	Provider  string
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%v: %s, retry in %s", ErrProviderCooldown, e.Provider, e.Remaining.Round(time.Second))
}

func (e *CooldownError) Unwrap() error {
	return ErrProviderCooldown
}

// RetryAfter returns how long a rejected caller should wait, or 0 when the
// error carries no hint
func RetryAfter(err error) time.Duration {
	var ce *CooldownError
	if errors.As(err, &ce) {
		return ce.Remaining
	}
	var se *ScopedError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// invalidParam marks a provider validation failure so errors.Is matches
// ErrInvalidParameter while errors.As still reaches the provider error
type invalidParam struct {
	err error
}

func (e *invalidParam) Error() string {
	return fmt.Sprintf("%v: %v", ErrInvalidParameter, e.err)
}

func (e *invalidParam) Unwrap() []error {
	return []error{ErrInvalidParameter, e.err}
}

// admissionResult names the metrics label for an Enqueue outcome
func admissionResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrUnknownProvider):
		return "unknown_provider"
	case errors.Is(err, ErrCredentialRequired):
		return "credential_required"
	case errors.Is(err, ErrPromptRequired), errors.Is(err, ErrPromptTooLong):
		return "invalid_prompt"
	case errors.Is(err, ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, ErrQueueOverflow):
		return "queue_overflow"
	case errors.Is(err, ErrProviderCooldown):
		return "cooldown"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrActiveLimitExceeded):
		return "active_limit"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	default:
		return "provider"
	}
}
