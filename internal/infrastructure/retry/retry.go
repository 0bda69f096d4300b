// Package retry wraps transient-failure-prone operations with bounded,
// linearly backed-off retries. Every queue-store round trip goes through it
// so a connectivity blip delays the worker loop instead of crashing it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	backoff "github.com/sethvargo/go-retry"
)

const (
	DefaultAttempts = 3
	DefaultDelay    = time.Second
)

// linear waits base*1, base*2, ... between attempts.
func linear(base time.Duration) backoff.Backoff {
	var attempt int64
	return backoff.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return base * time.Duration(attempt), false
	})
}

// Permanent marks err so Do returns it immediately instead of retrying.
// Meant for domain outcomes (not found, terminal state) that no amount of
// retrying will change.
func Permanent(err error) error {
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Do runs op up to attempts times. On exhaustion it returns a composite
// error naming the operation, the attempt count, and the last underlying
// error. A cancelled ctx or a Permanent error stops retrying immediately.
func Do(ctx context.Context, name string, attempts int, baseDelay time.Duration, op func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = DefaultDelay
	}

	var last error
	err := backoff.Do(ctx, backoff.WithMaxRetries(uint64(attempts-1), linear(baseDelay)), func(ctx context.Context) error {
		if err := op(ctx); err != nil {
			var pe *permanentError
			if errors.As(err, &pe) {
				return err
			}
			last = err
			return backoff.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if last == nil {
			last = err
		}
		return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, last)
	}
	return nil
}
