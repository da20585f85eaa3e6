// Package provider defines the contract every image-generation backend
// adapter implements and the error taxonomy the worker pool classifies on.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/imagegen/pkg/models"
)

// Provider is one image-generation backend
type Provider interface {
	ID() string
	ListModels(ctx context.Context, credential string, force bool) ([]models.ModelSpec, error)
	ValidateParams(modelID string, req models.GenerationParams, spec models.ModelSpec) (models.GenerationParams, error)
	Generate(ctx context.Context, prompt string, params models.GenerationParams, modelID, credential string) ([]byte, error)
}

// Kind classifies a provider failure
type Kind string

const (
	KindUnauthorized  Kind = "unauthorized"
	KindRateLimit     Kind = "rate_limit"
	KindBadRequest    Kind = "bad_request"
	KindProviderError Kind = "provider_error"
	KindTimeout       Kind = "timeout"
	KindInternal      Kind = "internal"
)

// Retryable reports whether the worker should try again after this kind
func (k Kind) Retryable() bool {
	return k == KindProviderError || k == KindTimeout || k == KindRateLimit
}

// Error is a classified provider failure. Message must never contain the
// credential.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // only meaningful for KindRateLimit
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a classified error
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf classifies any error. Deadlines map to timeout; anything
// unclassified is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// RetryAfterOf returns the provider-requested delay, or 0
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

var defaultMessages = map[Kind]string{
	KindUnauthorized:  "the provider rejected the credential",
	KindRateLimit:     "the provider rate limit was exceeded",
	KindBadRequest:    "the provider rejected the request",
	KindProviderError: "the provider failed to generate the image",
	KindTimeout:       "the provider did not respond in time",
	KindInternal:      "internal error while generating the image",
}

// PublicError returns the (error_code, error_message) pair persisted on a
// failed job
func PublicError(err error) (string, string) {
	kind := KindOf(err)
	if kind == "" {
		kind = KindInternal
	}

	code := string(kind)
	if kind == KindRateLimit {
		code = "rate_limited"
	}

	message := defaultMessages[kind]
	var pe *Error
	if errors.As(err, &pe) && pe.Message != "" && kind != KindInternal {
		message = pe.Message
	}
	return code, message
}

// KindForStatus maps an HTTP status from a provider API to a kind
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 400 && status < 500:
		return KindBadRequest
	default:
		return KindProviderError
	}
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
