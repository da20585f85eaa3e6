// Package together adapts the Together AI image generation REST API.
package together

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/psantana5/imagegen/pkg/models"
	"github.com/psantana5/imagegen/pkg/provider"
)

const (
	// ID is the registry id of this adapter
	ID = "together"

	DefaultBaseURL = "https://api.together.xyz/v1"

	maxErrorBody = 4096
)

// maxImageBody caps a downloaded image; larger bodies are rejected.
var maxImageBody int64 = 64 << 20

// Client talks to the Together API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Together adapter. An empty baseURL uses the public API.
func New(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *Client) ID() string { return ID }

type modelEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Type        string `json:"type"`
}

// ListModels returns the image models visible to the credential. Caching is
// left to the caller, so force has no effect here.
func (c *Client) ListModels(ctx context.Context, credential string, force bool) ([]models.ModelSpec, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, provider.Wrap(provider.KindInternal, "build models request", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var entries []modelEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, provider.Wrap(provider.KindProviderError, "decode models response", err)
	}

	specs := make([]models.ModelSpec, 0, len(entries))
	for _, e := range entries {
		if e.Type != "image" {
			continue
		}
		specs = append(specs, specFor(e))
	}
	return specs, nil
}

// specFor derives limits for a model. FLUX schnell variants are distilled
// for very few steps.
func specFor(e modelEntry) models.ModelSpec {
	name := e.DisplayName
	if name == "" {
		name = e.ID
	}

	limits := models.ModelLimits{
		MinWidth:     256,
		MaxWidth:     1792,
		MinHeight:    256,
		MaxHeight:    1792,
		SizeStep:     16,
		MinSteps:     1,
		MaxSteps:     50,
		DefaultSteps: 28,
		MinCFG:       0,
		MaxCFG:       20,
		DefaultCFG:   3.5,
	}
	if strings.Contains(strings.ToLower(e.ID), "schnell") {
		limits.MaxSteps = 12
		limits.DefaultSteps = 4
	}

	return models.ModelSpec{
		ID:            e.ID,
		Name:          name,
		DefaultWidth:  1024,
		DefaultHeight: 1024,
		Limits:        limits,
	}
}

// ValidateParams applies the shared normalization rules
func (c *Client) ValidateParams(modelID string, req models.GenerationParams, spec models.ModelSpec) (models.GenerationParams, error) {
	return provider.NormalizeParams(req, spec)
}

type generateRequest struct {
	Model          string  `json:"model"`
	Prompt         string  `json:"prompt"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	N              int     `json:"n"`
	Seed           int64   `json:"seed,omitempty"`
	Guidance       float64 `json:"guidance,omitempty"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	ResponseFormat string  `json:"response_format"`
}

type generateResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
}

// Generate runs one generation call and returns the image bytes
func (c *Client) Generate(ctx context.Context, prompt string, params models.GenerationParams, modelID, credential string) ([]byte, error) {
	body := generateRequest{
		Model:          modelID,
		Prompt:         prompt,
		Width:          params.Width,
		Height:         params.Height,
		Steps:          params.Steps,
		N:              1,
		Seed:           params.Seed,
		Guidance:       params.CFGScale,
		ResponseFormat: "b64_json",
	}
	if neg, ok := params.Extras["negative_prompt"].(string); ok {
		body.NegativePrompt = neg
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, provider.Wrap(provider.KindInternal, "encode generation request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/generations", bytes.NewReader(payload))
	if err != nil {
		return nil, provider.Wrap(provider.KindInternal, "build generation request", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.Wrap(provider.KindProviderError, "decode generation response", err)
	}
	if len(out.Data) == 0 {
		return nil, provider.Errorf(provider.KindProviderError, "provider returned no image")
	}

	item := out.Data[0]
	if item.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			return nil, provider.Wrap(provider.KindProviderError, "decode image payload", err)
		}
		return data, nil
	}
	if item.URL != "" {
		return c.download(ctx, item.URL)
	}
	return nil, provider.Errorf(provider.KindProviderError, "provider returned an empty image")
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, provider.Wrap(provider.KindProviderError, "build image download request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.Errorf(provider.KindProviderError, "image download failed with status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBody+1))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if int64(len(data)) > maxImageBody {
		return nil, provider.Errorf(provider.KindProviderError, "image download exceeds %d bytes", maxImageBody)
	}
	return data, nil
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return provider.Wrap(provider.KindTimeout, "request to provider timed out", err)
	}
	return provider.Wrap(provider.KindProviderError, "request to provider failed", err)
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func statusError(resp *http.Response) error {
	kind := provider.KindForStatus(resp.StatusCode)

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := fmt.Sprintf("provider returned status %d", resp.StatusCode)
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" && kind != provider.KindUnauthorized {
		message = eb.Error.Message
	}

	pe := provider.Errorf(kind, "%s", message)
	if kind == provider.KindRateLimit {
		pe.RetryAfter = provider.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return pe
}
