// Package retry provides exponential backoff for flaky device
// operations and a circuit breaker used to lock out repeated failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// PermanentError marks an error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that [Backoff.Do] returns it without further
// attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Backoff retries an operation with exponentially growing delays.
type Backoff struct {
	// InitialDelay is the wait before the second attempt (default 200ms).
	InitialDelay time.Duration
	// MaxDelay caps the wait between attempts (default 5s).
	MaxDelay time.Duration
	// Multiplier grows the delay after each attempt (default 2).
	Multiplier float64
	// MaxAttempts counts every try including the first; 0 retries
	// until the context ends.
	MaxAttempts int
	// Jitter spreads each wait by up to ±25%.
	Jitter bool
	// OnRetry, when set, observes each failed attempt before the wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultBackoff suits opening a local device: three tries within about
// a second.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  3,
		Jitter:       true,
	}
}

// Do calls fn until it succeeds, returns a [Permanent] error, runs out
// of attempts or ctx ends.  The attempt passed to fn starts at 1.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	delay := b.InitialDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	multiplier := b.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		wait := delay
		if b.Jitter {
			wait = addJitter(delay)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-t.C:
		}

		delay = min(time.Duration(float64(delay)*multiplier), maxDelay)
	}
}

// addJitter moves d by a random amount within ±25%, never below 1ms.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	delta := (rand.Float64() * 2 * quarter) - quarter
	return time.Duration(math.Max(float64(d)+delta, float64(time.Millisecond)))
}
