package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := New(3, time.Minute).WithClock(clock.Now)
	key := Key("together", "fp_abc")

	assert.False(t, b.Failure(key))
	assert.False(t, b.Failure(key))
	_, ok := b.Allow(key)
	require.True(t, ok, "below threshold must still admit")

	assert.True(t, b.Failure(key), "third failure opens the breaker")

	remaining, ok := b.Allow(key)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, remaining)

	clock.Advance(20 * time.Second)
	remaining, ok = b.Allow(key)
	assert.False(t, ok)
	assert.Equal(t, 40*time.Second, remaining)

	// Other keys are unaffected
	_, ok = b.Allow(Key("together", "fp_other"))
	assert.True(t, ok)
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := New(2, 10*time.Second).WithClock(clock.Now)

	b.Failure("k")
	require.True(t, b.Failure("k"))

	clock.Advance(11 * time.Second)
	_, ok := b.Allow("k")
	require.True(t, ok, "admission allowed once cooldown elapsed")

	// A single further failure reopens immediately
	assert.True(t, b.Failure("k"))
	_, ok = b.Allow("k")
	assert.False(t, ok)
	assert.Equal(t, 3, b.State("k").Failures)
}

func TestBreakerSuccessResets(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := New(2, time.Hour).WithClock(clock.Now)

	b.Failure("k")
	b.Failure("k")
	_, ok := b.Allow("k")
	require.False(t, ok)

	b.Success("k")
	_, ok = b.Allow("k")
	assert.True(t, ok)
	assert.Equal(t, State{}, b.State("k"))

	// The count starts over after a reset
	assert.False(t, b.Failure("k"))
}

func TestBreakerDisabled(t *testing.T) {
	b := New(0, time.Hour)
	for i := 0; i < 10; i++ {
		assert.False(t, b.Failure("k"))
	}
	_, ok := b.Allow("k")
	assert.True(t, ok)
}
