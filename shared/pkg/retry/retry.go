package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy holds retry configuration for provider calls.
// The delay before retry n (1-based) is Base + n*Step + rand[0, Jitter),
// capped at MaxDelay.
type Policy struct {
	MaxRetries int           // Retries after the first attempt
	Base       time.Duration // Fixed part of every delay
	Step       time.Duration // Added per attempt already made
	Jitter     time.Duration // Upper bound of the random part
	MaxDelay   time.Duration // Hard cap on any single sleep
}

// DefaultPolicy returns sensible defaults for retries
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 2,
		Base:       1 * time.Second,
		Step:       2 * time.Second,
		Jitter:     500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
	}
}

// Attempts returns the total number of calls allowed
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Delay returns the backoff before the next call, given how many calls were made
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base + time.Duration(attempt)*p.Step
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return p.Cap(d)
}

// Cap limits d to MaxDelay. A zero MaxDelay means no cap.
func (p Policy) Cap(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
