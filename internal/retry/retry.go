// Package retry runs store operations with capped exponential backoff.
//
// Transient store errors (a slow or briefly unavailable store) are retried
// locally by the component that hit them; only errors wrapped with Permanent
// stop the loop early.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration `yaml:"initial"`
	// Max caps the delay between attempts.
	Max time.Duration `yaml:"max"`
	// Attempts is the total number of tries including the first; values
	// below 1 mean one try.
	Attempts int `yaml:"attempts"`
}

// DefaultPolicy is used when a component is not given one.
func DefaultPolicy() Policy {
	return Policy{Initial: 20 * time.Millisecond, Max: time.Second, Attempts: 6}
}

// Backoff returns the delay before attempt (1-based; attempt 1 has none).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 1 || p.Initial <= 0 {
		return 0
	}
	d := p.Initial
	for i := 2; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the policy's
// attempts run out or ctx ends. onRetry, if non-nil, is called before each
// retry with the error that caused it.
func Do(ctx context.Context, p Policy, fn func() error, onRetry func(attempt int, err error)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			timer.Reset(p.Backoff(attempt))
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			case <-timer.C:
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var perm permanent
		if errors.As(lastErr, &perm) {
			return perm.err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}
