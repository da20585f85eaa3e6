package gemini

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/psantana5/imagegen/pkg/models"
	"github.com/psantana5/imagegen/pkg/provider"
)

func TestImageModels(t *testing.T) {
	specs := imageModels([]*genai.Model{
		{Name: "models/imagen-3.0-generate-002", DisplayName: "Imagen 3"},
		{Name: "models/gemini-2.0-flash"},
		nil,
		{Name: "models/imagen-4.0-generate-preview"},
	})

	require.Len(t, specs, 2)
	assert.Equal(t, "imagen-3.0-generate-002", specs[0].ID)
	assert.Equal(t, "Imagen 3", specs[0].Name)
	assert.Equal(t, "imagen-4.0-generate-preview", specs[1].Name)
}

func TestValidateParamsSnapsAspectRatio(t *testing.T) {
	c := New("")
	spec := imageModels([]*genai.Model{{Name: "models/imagen-3.0-generate-002"}})[0]

	tests := []struct {
		name          string
		width, height int
		wantRatio     string
	}{
		{"square", 1024, 1024, "1:1"},
		{"defaults", 0, 0, "1:1"},
		{"landscape", 1400, 800, "16:9"},
		{"portrait", 900, 1200, "3:4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ValidateParams(spec.ID, models.GenerationParams{Width: tt.width, Height: tt.height}, spec)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRatio, got.Extras["aspect_ratio"])
			assert.Equal(t, "standard", got.Mode)
		})
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
		want provider.Kind
	}{
		{"forbidden", genai.APIError{Code: 403, Status: "PERMISSION_DENIED"}, provider.KindUnauthorized},
		{"quota", genai.APIError{Code: 429, Message: "quota exceeded"}, provider.KindRateLimit},
		{"invalid", fmt.Errorf("wrapped: %w", genai.APIError{Code: 400, Message: "bad prompt"}), provider.KindBadRequest},
		{"unavailable", genai.APIError{Code: 503}, provider.KindProviderError},
		{"deadline", context.DeadlineExceeded, provider.KindTimeout},
		{"network", errors.New("connection reset"), provider.KindProviderError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, provider.KindOf(classify(ctx, tt.err)))
		})
	}
}
