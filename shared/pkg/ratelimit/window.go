package ratelimit

import (
	"sync"
	"time"
)

// Windows tracks admission timestamps per key over a sliding window.
// A zero limit disables the check.
type Windows struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
}

// NewWindows creates sliding windows allowing limit admissions per window
func NewWindows(limit int, window time.Duration) *Windows {
	if limit < 0 {
		limit = 0
	}
	return &Windows{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Exceeded reports whether one more admission for key at now would go over
// the limit. It prunes expired timestamps but records nothing.
func (w *Windows) Exceeded(key string, now time.Time) bool {
	if w.limit == 0 {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	history := w.prune(key, now)
	return len(history) >= w.limit
}

// Record adds an admission for key at now
func (w *Windows) Record(key string, now time.Time) {
	if w.limit == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	history := w.prune(key, now)
	w.hits[key] = append(history, now)
}

// Count returns the number of admissions for key inside the window ending at now
func (w *Windows) Count(key string, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prune(key, now))
}

// RetryAfter returns how long until the oldest admission for key leaves the window
func (w *Windows) RetryAfter(key string, now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	history := w.prune(key, now)
	if len(history) == 0 {
		return 0
	}
	return history[0].Add(w.window).Sub(now)
}

// prune drops timestamps at or before now-window. Caller holds w.mu.
func (w *Windows) prune(key string, now time.Time) []time.Time {
	history := w.hits[key]
	if len(history) == 0 {
		return history
	}

	cutoff := now.Add(-w.window)
	i := 0
	for i < len(history) && !history[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return history
	}
	if i == len(history) {
		delete(w.hits, key)
		return nil
	}

	out := make([]time.Time, len(history)-i)
	copy(out, history[i:])
	w.hits[key] = out
	return out
}
