// Package api exposes the job manager over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/imagegen/pkg/auth"
	"github.com/psantana5/imagegen/pkg/imaging"
	"github.com/psantana5/imagegen/pkg/jobs"
	"github.com/psantana5/imagegen/pkg/logging"
	"github.com/psantana5/imagegen/pkg/models"
	"github.com/psantana5/imagegen/pkg/provider"
	"github.com/psantana5/imagegen/pkg/ratelimit"
	"github.com/psantana5/imagegen/pkg/store"
)

const (
	// CredentialHeader carries the caller's provider API key
	CredentialHeader = "X-Provider-Key"
	// SessionHeader identifies the caller's session for per-session limits
	SessionHeader = "X-Session-ID"
)

// Handler serves the job API
type Handler struct {
	manager *jobs.Manager
	apiKey  string
	limiter *ratelimit.Limiter
	logger  *logging.Logger
}

// NewHandler creates a handler backed by manager
func NewHandler(manager *jobs.Manager, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{manager: manager, logger: logger}
}

// SetAPIKey requires "Authorization: Bearer <key>" on every route but /health
func (h *Handler) SetAPIKey(key string) {
	h.apiKey = key
}

// SetRateLimiter throttles requests per client IP
func (h *Handler) SetRateLimiter(l *ratelimit.Limiter) {
	h.limiter = l
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	api := r.NewRoute().Subrouter()
	if h.limiter != nil {
		api.Use(h.limiter.Middleware(ratelimit.IPKeyFunc))
	}
	api.Use(h.authMiddleware)

	api.HandleFunc("/jobs", h.CreateJob).Methods("POST")
	api.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/result", h.GetResult).Methods("GET")
	api.HandleFunc("/providers", h.ListProviders).Methods("GET")
	api.HandleFunc("/providers/{provider}/models", h.ListModels).Methods("GET")
	api.HandleFunc("/providers/{provider}/validate-key", h.ValidateKey).Methods("POST")
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey != "" {
			token, ok := auth.BearerToken(r.Header.Get("Authorization"))
			if !ok || !auth.SecureCompare(token, h.apiKey) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// createJobRequest is the body of POST /jobs
type createJobRequest struct {
	Provider string                 `json:"provider"`
	Model    string                 `json:"model"`
	Prompt   string                 `json:"prompt"`
	Width    int                    `json:"width,omitempty"`
	Height   int                    `json:"height,omitempty"`
	Steps    int                    `json:"steps,omitempty"`
	CFGScale float64                `json:"cfg_scale,omitempty"`
	Seed     int64                  `json:"seed,omitempty"`
	Mode     string                 `json:"mode,omitempty"`
	Extras   map[string]interface{} `json:"extras,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CreateJob admits a generation job
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	id, err := h.manager.Enqueue(r.Context(), jobs.EnqueueRequest{
		Provider: req.Provider,
		Model:    req.Model,
		Prompt:   req.Prompt,
		Params: models.GenerationParams{
			Width:    req.Width,
			Height:   req.Height,
			Steps:    req.Steps,
			CFGScale: req.CFGScale,
			Seed:     req.Seed,
			Mode:     req.Mode,
			Extras:   req.Extras,
		},
		SessionID:  r.Header.Get(SessionHeader),
		Credential: r.Header.Get(CredentialHeader),
	})
	if err != nil {
		h.writeAdmissionError(w, err)
		return
	}

	w.Header().Set("Location", "/jobs/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": id,
		"status": string(models.JobStatusQueued),
	})
}

// ListJobs returns recent jobs, optionally filtered by status, provider or session
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		Status:    models.JobStatus(q.Get("status")),
		Provider:  q.Get("provider"),
		SessionID: q.Get("session_id"),
		Limit:     100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	list, err := h.manager.ListJobs(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}

// GetJob returns the job status
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetResult streams the generated image of a done job
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if job.Status != models.JobStatusDone {
		writeError(w, http.StatusConflict, "not_ready", "job has no result in status "+string(job.Status))
		return
	}

	f, err := os.Open(job.ResultPath)
	if err != nil {
		writeError(w, http.StatusGone, "gone", "result file is no longer available")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to read result")
		return
	}
	ext := strings.TrimPrefix(filepath.Ext(job.ResultPath), ".")
	w.Header().Set("Content-Type", imaging.ContentType(ext))
	http.ServeContent(w, r, filepath.Base(job.ResultPath), info.ModTime(), f)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	id := mux.Vars(r)["id"]
	job, err := h.manager.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found")
			return nil, false
		}
		h.logger.Error("Failed to get job", map[string]interface{}{"job_id": id, "error": err.Error()})
		writeError(w, http.StatusInternalServerError, "internal", "failed to get job")
		return nil, false
	}
	return job, true
}

// ListProviders returns the registered provider ids
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": h.manager.Providers()})
}

// ListModels returns the provider's models for the caller's credential
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "true"
	list, err := h.manager.Models(r.Context(), mux.Vars(r)["provider"], r.Header.Get(CredentialHeader), force)
	if err != nil {
		h.writeAdmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": list})
}

// ValidateKey checks the caller's credential against the provider
func (h *Handler) ValidateKey(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ValidateKey(r.Context(), mux.Vars(r)["provider"], r.Header.Get(CredentialHeader)); err != nil {
		h.writeAdmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

// Health returns the health status of the service
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.manager.HealthCheck(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"queue_depth": h.manager.QueueLength(),
		"active_jobs": h.manager.ActiveJobs(),
	})
}

// writeAdmissionError maps manager and provider errors to HTTP responses
func (h *Handler) writeAdmissionError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	message := err.Error()

	if retry := jobs.RetryAfter(err); retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
	}

	var pe *provider.Error
	if errors.As(err, &pe) && !errors.Is(err, jobs.ErrInvalidParameter) {
		code, message = provider.PublicError(err)
		if pe.Kind == provider.KindRateLimit && pe.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(pe.RetryAfter.Seconds()))))
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", map[string]interface{}{"error": err.Error()})
		if code == "internal" || code == "storage" {
			message = "internal error"
		}
	}
	writeError(w, status, code, message)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, jobs.ErrUnknownProvider):
		return http.StatusNotFound, "unknown_provider"
	case errors.Is(err, jobs.ErrCredentialRequired):
		return http.StatusUnauthorized, "credential_required"
	case errors.Is(err, jobs.ErrPromptRequired), errors.Is(err, jobs.ErrPromptTooLong):
		return http.StatusBadRequest, "invalid_prompt"
	case errors.Is(err, jobs.ErrInvalidParameter):
		return http.StatusBadRequest, "invalid_parameter"
	case errors.Is(err, jobs.ErrQueueOverflow):
		return http.StatusServiceUnavailable, "queue_full"
	case errors.Is(err, jobs.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, jobs.ErrProviderCooldown):
		return http.StatusServiceUnavailable, "provider_cooldown"
	case errors.Is(err, jobs.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, jobs.ErrActiveLimitExceeded):
		return http.StatusConflict, "too_many_active_jobs"
	case errors.Is(err, jobs.ErrStorage):
		return http.StatusInternalServerError, "storage"
	}

	switch provider.KindOf(err) {
	case provider.KindUnauthorized:
		return http.StatusUnauthorized, "unauthorized"
	case provider.KindRateLimit:
		return http.StatusTooManyRequests, "rate_limited"
	case provider.KindBadRequest:
		return http.StatusBadRequest, "bad_request"
	case provider.KindTimeout:
		return http.StatusGatewayTimeout, "timeout"
	case provider.KindProviderError:
		return http.StatusBadGateway, "provider_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}
