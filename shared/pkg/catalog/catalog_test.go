package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/imagegen/pkg/models"
	"github.com/psantana5/imagegen/pkg/provider"
	"github.com/psantana5/imagegen/pkg/provider/providertest"
)

func TestModelsCachedWithinTTL(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	c := New(0, time.Minute).WithClock(func() time.Time { return now })
	fake := providertest.New("fake")
	ctx := context.Background()

	list, err := c.Models(ctx, fake, "fp_a", "key", false)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = c.Models(ctx, fake, "fp_a", "key", false)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.ListCalls(), "second lookup served from cache")

	// A different credential gets its own entry
	_, err = c.Models(ctx, fake, "fp_b", "other", false)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.ListCalls())

	now = now.Add(61 * time.Second)
	_, err = c.Models(ctx, fake, "fp_a", "key", false)
	require.NoError(t, err)
	assert.Equal(t, 3, fake.ListCalls(), "stale entry refetched")
}

func TestModelsForceRefresh(t *testing.T) {
	c := New(0, time.Hour)
	fake := providertest.New("fake")
	ctx := context.Background()

	_, err := c.Models(ctx, fake, "fp", "key", false)
	require.NoError(t, err)
	_, err = c.Models(ctx, fake, "fp", "key", true)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.ListCalls())
}

func TestModelsErrorNotCached(t *testing.T) {
	c := New(0, time.Hour)
	fake := providertest.New("fake")
	fake.ListErr = provider.Errorf(provider.KindUnauthorized, "bad key")
	ctx := context.Background()

	_, err := c.Models(ctx, fake, "fp", "key", false)
	require.Error(t, err)
	assert.Equal(t, provider.KindUnauthorized, provider.KindOf(err))

	fake.ListErr = nil
	_, err = c.Models(ctx, fake, "fp", "key", false)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.ListCalls())
}

func TestSpec(t *testing.T) {
	c := New(0, time.Hour)
	fake := providertest.New("fake")
	ctx := context.Background()

	spec, err := c.Spec(ctx, fake, "fp", "key", providertest.DefaultModel().ID)
	require.NoError(t, err)
	assert.Equal(t, providertest.DefaultModel(), spec)

	_, err = c.Spec(ctx, fake, "fp", "key", "nope")
	assert.True(t, errors.Is(err, ErrUnknownModel))
}

func TestInvalidate(t *testing.T) {
	c := New(0, time.Hour)
	fake := providertest.New("fake")
	ctx := context.Background()

	c.Models(ctx, fake, "fp", "key", false)
	assert.Equal(t, int64(1), c.Len())

	c.Invalidate("fake", "fp")
	assert.Equal(t, int64(0), c.Len())
}

func TestConcurrentMissesShareFetch(t *testing.T) {
	c := New(0, time.Hour)
	fake := providertest.New("fake")
	gate := make(chan struct{})
	slow := &slowLister{Fake: fake, gate: gate}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Models(ctx, slow, "fp", "key", false)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, fake.ListCalls())
}

type slowLister struct {
	*providertest.Fake
	gate chan struct{}

	mu     sync.Mutex
	forced int
}

func (s *slowLister) ListModels(ctx context.Context, credential string, force bool) ([]models.ModelSpec, error) {
	if force {
		s.mu.Lock()
		s.forced++
		s.mu.Unlock()
	}
	<-s.gate
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Fake.ListModels(ctx, credential, force)
}

func (s *slowLister) forcedCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forced
}

func manyModels(n int) []models.ModelSpec {
	list := make([]models.ModelSpec, n)
	for i := range list {
		spec := providertest.DefaultModel()
		spec.ID = fmt.Sprintf("black-forest-labs/FLUX.1-variant-%03d", i)
		spec.Name = fmt.Sprintf("FLUX.1 variant %d with a reasonably long display name", i)
		spec.Limits.Modes = []string{"fast", "quality"}
		list[i] = spec
	}
	return list
}

func TestLargeCatalogCachedAtDefaultSize(t *testing.T) {
	c := New(DefaultSizeBytes, time.Hour)
	fake := providertest.New("fake")
	fake.Models = manyModels(100)
	ctx := context.Background()

	spec, err := c.Spec(ctx, fake, "fp", "key", fake.Models[99].ID)
	require.NoError(t, err)
	assert.Equal(t, fake.Models[99].ID, spec.ID)

	_, err = c.Spec(ctx, fake, "fp", "key", fake.Models[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.ListCalls(), "100 models fit in one cache entry")
	assert.Equal(t, int64(1), c.Len())
}

func TestOversizedCatalogServedUncached(t *testing.T) {
	// Requests below the floor are raised to MinSizeBytes, whose entry cap
	// is far smaller than 5000 models
	c := New(1<<20, time.Hour)
	fake := providertest.New("fake")
	fake.Models = manyModels(5000)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		spec, err := c.Spec(ctx, fake, "fp", "key", fake.Models[4999].ID)
		require.NoError(t, err)
		assert.Equal(t, fake.Models[4999].ID, spec.ID)
	}
	assert.Equal(t, 2, fake.ListCalls(), "list too large to cache is refetched")
	assert.Equal(t, int64(0), c.Len())
}

func TestCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	c := New(0, time.Hour)
	fake := providertest.New("fake")
	gate := make(chan struct{})
	slow := &slowLister{Fake: fake, gate: gate}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Models(first, slow, "fp", "key", false)
		firstErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	secondErr := make(chan error, 1)
	go func() {
		_, err := c.Models(context.Background(), slow, "fp", "key", false)
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(gate)
	require.NoError(t, <-secondErr)
	assert.Equal(t, 1, fake.ListCalls())
}

func TestForcedFetchDoesNotJoinPlainFetch(t *testing.T) {
	c := New(0, time.Hour)
	fake := providertest.New("fake")
	gate := make(chan struct{})
	slow := &slowLister{Fake: fake, gate: gate}
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, force := range []bool{false, true} {
		wg.Add(1)
		go func(force bool) {
			defer wg.Done()
			_, err := c.Models(ctx, slow, "fp", "key", force)
			assert.NoError(t, err)
		}(force)
		time.Sleep(20 * time.Millisecond)
	}
	close(gate)
	wg.Wait()

	assert.Equal(t, 2, fake.ListCalls())
	assert.Equal(t, 1, slow.forcedCalls())
}
