// Package gemini adapts Google's Imagen models through the genai SDK.
package gemini

import (
	"context"
	"errors"
	"math"
	"strings"

	"google.golang.org/genai"

	"github.com/psantana5/imagegen/pkg/models"
	"github.com/psantana5/imagegen/pkg/provider"
)

// ID is the registry id of this adapter
const ID = "gemini"

// aspectRatio is one output shape Imagen supports
type aspectRatio struct {
	Name   string
	Width  int
	Height int
}

var aspectRatios = []aspectRatio{
	{"1:1", 1024, 1024},
	{"3:4", 896, 1280},
	{"4:3", 1280, 896},
	{"9:16", 768, 1408},
	{"16:9", 1408, 768},
}

// Client creates a genai client per call since the credential belongs to the job
type Client struct {
	baseURL string
}

// New creates a Gemini adapter. An empty baseURL uses the SDK default.
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL}
}

func (c *Client) ID() string { return ID }

func (c *Client) client(ctx context.Context, credential string) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:  credential,
		Backend: genai.BackendGeminiAPI,
	}
	if c.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, provider.Wrap(provider.KindInternal, "create genai client", err)
	}
	return client, nil
}

// ListModels returns the Imagen models visible to the credential
func (c *Client) ListModels(ctx context.Context, credential string, force bool) ([]models.ModelSpec, error) {
	client, err := c.client(ctx, credential)
	if err != nil {
		return nil, err
	}

	var found []*genai.Model
	for m, err := range client.Models.All(ctx) {
		if err != nil {
			return nil, classify(ctx, err)
		}
		found = append(found, m)
	}
	return imageModels(found), nil
}

// imageModels keeps the models that serve image generation
func imageModels(found []*genai.Model) []models.ModelSpec {
	var specs []models.ModelSpec
	for _, m := range found {
		if m == nil {
			continue
		}
		id := strings.TrimPrefix(m.Name, "models/")
		if !strings.HasPrefix(id, "imagen") {
			continue
		}
		name := m.DisplayName
		if name == "" {
			name = id
		}
		specs = append(specs, models.ModelSpec{
			ID:            id,
			Name:          name,
			DefaultWidth:  1024,
			DefaultHeight: 1024,
			Limits: models.ModelLimits{
				MinWidth:  768,
				MaxWidth:  1408,
				MinHeight: 768,
				MaxHeight: 1408,
				MinSteps:  1,
				MaxSteps:  1,
				// Imagen does not expose a step count
				DefaultSteps: 1,
				Modes:        []string{"standard"},
			},
		})
	}
	return specs
}

// ValidateParams normalizes the request and snaps the size to the closest
// supported aspect ratio
func (c *Client) ValidateParams(modelID string, req models.GenerationParams, spec models.ModelSpec) (models.GenerationParams, error) {
	out, err := provider.NormalizeParams(req, spec)
	if err != nil {
		return req, err
	}

	ar := closestAspect(out.Width, out.Height)
	out.Width = ar.Width
	out.Height = ar.Height
	if out.Extras == nil {
		out.Extras = make(map[string]interface{})
	}
	out.Extras["aspect_ratio"] = ar.Name
	return out, nil
}

func closestAspect(width, height int) aspectRatio {
	target := float64(width) / float64(height)
	best := aspectRatios[0]
	bestDiff := math.Inf(1)
	for _, ar := range aspectRatios {
		diff := math.Abs(math.Log(float64(ar.Width)/float64(ar.Height)) - math.Log(target))
		if diff < bestDiff {
			best, bestDiff = ar, diff
		}
	}
	return best
}

// Generate requests one PNG image from Imagen
func (c *Client) Generate(ctx context.Context, prompt string, params models.GenerationParams, modelID, credential string) ([]byte, error) {
	client, err := c.client(ctx, credential)
	if err != nil {
		return nil, err
	}

	cfg := &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		AspectRatio:    closestAspect(params.Width, params.Height).Name,
		OutputMIMEType: "image/png",
	}
	if ar, ok := params.Extras["aspect_ratio"].(string); ok && ar != "" {
		cfg.AspectRatio = ar
	}
	if neg, ok := params.Extras["negative_prompt"].(string); ok {
		cfg.NegativePrompt = neg
	}

	resp, err := client.Models.GenerateImages(ctx, modelID, prompt, cfg)
	if err != nil {
		return nil, classify(ctx, err)
	}

	for _, img := range resp.GeneratedImages {
		if img == nil || img.Image == nil {
			continue
		}
		if len(img.Image.ImageBytes) > 0 {
			return img.Image.ImageBytes, nil
		}
		if img.RAIFilteredReason != "" {
			return nil, provider.Errorf(provider.KindBadRequest, "image filtered by provider safety policy")
		}
	}
	return nil, provider.Errorf(provider.KindProviderError, "provider returned no image")
}

// classify maps SDK errors onto provider kinds
func classify(ctx context.Context, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		kind := provider.KindForStatus(apiErr.Code)
		message := apiErr.Message
		if kind == provider.KindUnauthorized || message == "" {
			message = "provider returned status " + apiErr.Status
		}
		return provider.Wrap(kind, message, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return provider.Wrap(provider.KindTimeout, "request to provider timed out", err)
	}
	return provider.Wrap(provider.KindProviderError, "request to provider failed", err)
}
