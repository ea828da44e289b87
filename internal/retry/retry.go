// Package retry provides a small bounded-retry helper with exponential
// backoff, used at the storage boundary where a transient Redis or Postgres
// failure should not immediately surface to the caller.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted wraps the last error after all attempts failed. Callers map it
// to a generic transient-failure response; the underlying cause stays in the
// error chain for logging.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Do invokes fn up to attempts times, sleeping base, 2*base, 4*base, ...
// between failures. It stops early if ctx is cancelled. A nil return from fn
// ends the loop immediately.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var last error
	delay := base
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn()
		if last == nil {
			return nil
		}

		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return fmt.Errorf("%w: %v", ErrExhausted, last)
}
