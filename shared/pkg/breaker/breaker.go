package breaker

import (
	"sync"
	"time"
)

// State is a snapshot of one breaker key
type State struct {
	Failures      int       `json:"failures"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// Open reports whether admission is blocked at now
func (s State) Open(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}

// Breaker counts consecutive terminal failures per key and blocks admission
// for a cooldown once the threshold is reached.
//
// After the cooldown elapses the failure count stays at or above the
// threshold, so the next failure reopens the breaker immediately. A success
// resets the key.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	states    map[string]*State
	now       func() time.Time
}

// New creates a breaker. A threshold <= 0 disables it.
func New(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		states:    make(map[string]*State),
		now:       time.Now,
	}
}

// WithClock replaces the time source
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Key builds the breaker key for a provider and credential fingerprint
func Key(provider, fingerprint string) string {
	return provider + "|" + fingerprint
}

// Allow returns ok=false and the remaining cooldown when key is open
func (b *Breaker) Allow(key string) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[key]
	if !ok {
		return 0, true
	}
	now := b.now()
	if st.Open(now) {
		return st.CooldownUntil.Sub(now), false
	}
	return 0, true
}

// Failure records a terminal failure and reports whether it opened a cooldown
func (b *Breaker) Failure(key string) bool {
	if b.threshold <= 0 {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[key]
	if !ok {
		st = &State{}
		b.states[key] = st
	}
	st.Failures++
	if st.Failures >= b.threshold {
		st.CooldownUntil = b.now().Add(b.cooldown)
		return true
	}
	return false
}

// Success resets the failure count and any cooldown for key
func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, key)
}

// State returns a copy of the state for key
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.states[key]; ok {
		return *st
	}
	return State{}
}
