// Package providertest provides a scriptable provider for tests.
package providertest

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"time"

	"github.com/psantana5/imagegen/pkg/models"
	"github.com/psantana5/imagegen/pkg/provider"
)

// Fake is an in-memory provider. Generate consumes Script in order: a nil
// entry (or running past the end) succeeds with Image.
type Fake struct {
	Name    string
	Models  []models.ModelSpec
	ListErr error
	Script  []error
	Image   []byte
	Delay   time.Duration

	// Gate, when set, blocks every Generate call until it is closed
	Gate chan struct{}

	mu        sync.Mutex
	calls     int
	listCalls int
	prompts   []string
	started   chan struct{}
}

// New creates a fake with one permissive model and a small PNG result
func New(name string) *Fake {
	return &Fake{
		Name:    name,
		Models:  []models.ModelSpec{DefaultModel()},
		Image:   PNG(8, 8),
		started: make(chan struct{}, 1024),
	}
}

// DefaultModel returns the model every fake advertises by default
func DefaultModel() models.ModelSpec {
	return models.ModelSpec{
		ID:            "fake-model",
		Name:          "Fake Model",
		DefaultWidth:  1024,
		DefaultHeight: 1024,
		Limits: models.ModelLimits{
			MinWidth: 64, MaxWidth: 2048,
			MinHeight: 64, MaxHeight: 2048,
			MinSteps: 1, MaxSteps: 50, DefaultSteps: 4,
			MaxCFG: 20, DefaultCFG: 3.5,
		},
	}
}

func (f *Fake) ID() string { return f.Name }

func (f *Fake) ListModels(ctx context.Context, credential string, force bool) ([]models.ModelSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]models.ModelSpec, len(f.Models))
	copy(out, f.Models)
	return out, nil
}

func (f *Fake) ValidateParams(modelID string, req models.GenerationParams, spec models.ModelSpec) (models.GenerationParams, error) {
	return provider.NormalizeParams(req, spec)
}

func (f *Fake) Generate(ctx context.Context, prompt string, params models.GenerationParams, modelID, credential string) ([]byte, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.prompts = append(f.prompts, prompt)
	gate := f.Gate
	delay := f.Delay
	var scripted error
	if idx < len(f.Script) {
		scripted = f.Script[idx]
	}
	img := f.Image
	f.mu.Unlock()

	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if scripted != nil {
		return nil, scripted
	}
	return img, nil
}

// Calls returns the number of Generate calls made
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// ListCalls returns the number of ListModels calls made
func (f *Fake) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// Started receives once per Generate call as it begins
func (f *Fake) Started() <-chan struct{} {
	return f.started
}

// PNG encodes a solid w x h image
func PNG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 80, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}
