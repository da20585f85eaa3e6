// Package catalog caches provider model lists per (provider, credential
// fingerprint) for a bounded time.
package catalog

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"time"

	fc "github.com/coocood/freecache"
	"golang.org/x/sync/singleflight"

	"github.com/psantana5/imagegen/pkg/logging"
	"github.com/psantana5/imagegen/pkg/models"
	"github.com/psantana5/imagegen/pkg/provider"
)

const (
	// DefaultSizeBytes is the cache arena size used when none is configured.
	// freecache caps one entry at 1/1024 of the arena, so this admits
	// gob-encoded lists of roughly 32 KiB (several hundred models).
	DefaultSizeBytes = 32 << 20

	// MinSizeBytes is the smallest arena New accepts
	MinSizeBytes = 8 << 20
)

// ErrUnknownModel is returned by Spec when the provider does not list the model
var ErrUnknownModel = errors.New("unknown model")

type entry struct {
	Models    []models.ModelSpec
	FetchedAt time.Time
}

// Cache holds model lists. Concurrent misses for the same key share one fetch.
type Cache struct {
	cache  *fc.Cache
	ttl    time.Duration
	group  singleflight.Group
	now    func() time.Time
	logger *logging.Logger
}

// New creates a cache of sizeBytes whose entries go stale after ttl.
// Sizes below MinSizeBytes are raised to it; 0 uses DefaultSizeBytes.
func New(sizeBytes int, ttl time.Duration) *Cache {
	if sizeBytes <= 0 {
		sizeBytes = DefaultSizeBytes
	}
	if sizeBytes < MinSizeBytes {
		sizeBytes = MinSizeBytes
	}
	return &Cache{
		cache:  fc.NewCache(sizeBytes),
		ttl:    ttl,
		now:    time.Now,
		logger: logging.Nop(),
	}
}

// WithClock replaces the time source
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// WithLogger sets the logger used for cache write failures
func (c *Cache) WithLogger(logger *logging.Logger) *Cache {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Key builds the cache key for a provider and credential fingerprint
func Key(providerID, fingerprint string) string {
	return providerID + "|" + fingerprint
}

// Models returns the model list for the credential, fetching it when missing,
// stale, or when force is set
func (c *Cache) Models(ctx context.Context, p provider.Provider, fingerprint, credential string, force bool) ([]models.ModelSpec, error) {
	key := Key(p.ID(), fingerprint)

	if !force {
		if e, ok := c.lookup(key); ok {
			return e.Models, nil
		}
	}

	// Forced fetches must reach the provider with force set, so they never
	// join a plain flight
	flight := key
	if force {
		flight += "|force"
	}

	// The shared fetch outlives any single caller; each caller still stops
	// waiting when its own ctx ends
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flight, func() (interface{}, error) {
		list, err := p.ListModels(fetchCtx, credential, force)
		if err != nil {
			return nil, err
		}
		if err := c.store(key, entry{Models: list, FetchedAt: c.now()}); err != nil {
			// The list is still good for this request, it just is not cached
			c.logger.Warn("Model list not cached", map[string]interface{}{
				"provider": p.ID(),
				"models":   len(list),
				"error":    err.Error(),
			})
		}
		return list, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]models.ModelSpec), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Spec resolves one model's specification
func (c *Cache) Spec(ctx context.Context, p provider.Provider, fingerprint, credential, modelID string) (models.ModelSpec, error) {
	list, err := c.Models(ctx, p, fingerprint, credential, false)
	if err != nil {
		return models.ModelSpec{}, err
	}
	spec, ok := models.FindModel(list, modelID)
	if !ok {
		return models.ModelSpec{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return spec, nil
}

// Invalidate drops the entry for a provider and fingerprint
func (c *Cache) Invalidate(providerID, fingerprint string) {
	c.cache.Del([]byte(Key(providerID, fingerprint)))
}

// Len returns the number of live entries
func (c *Cache) Len() int64 {
	return c.cache.EntryCount()
}

func (c *Cache) lookup(key string) (entry, bool) {
	data, err := c.cache.Get([]byte(key))
	if err != nil {
		return entry{}, false
	}

	var e entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return entry{}, false
	}
	if c.ttl > 0 && c.now().Sub(e.FetchedAt) >= c.ttl {
		return entry{}, false
	}
	return e, true
}

func (c *Cache) store(key string, e entry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return err
	}

	// freecache expires in whole seconds; staleness below that is checked on lookup
	expire := 0
	if c.ttl > 0 {
		expire = int(math.Ceil(c.ttl.Seconds()))
	}
	return c.cache.Set([]byte(key), buf.Bytes(), expire)
}
