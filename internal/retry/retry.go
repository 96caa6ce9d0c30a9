// Package retry re-runs operations that failed for transient reasons, with
// exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Classify marks err permanent unless transient reports it as retryable.
func Classify(err error, transient func(error) bool) error {
	if err == nil || transient(err) {
		return err
	}
	return Permanent(err)
}

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy is used when configuration leaves the policy unset.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}

// Do runs fn under the policy. See the package-level Do.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempt := 0
	return Do(ctx, p.MaxAttempts, p.BaseDelay, func() error {
		attempt++
		return fn(attempt)
	})
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return DoWithUnlock(ctx, maxAttempts, baseDelay, func() {}, func() {}, fn)
}

// DoWithUnlock is like Do but calls unlock before each backoff sleep and
// relock after it, so a caller holding a per-key mutex does not block other
// work on that key while it waits. fn is always called with the lock held.
func DoWithUnlock(ctx context.Context, maxAttempts int, baseDelay time.Duration,
	unlock func(), relock func(), fn func() error) error {

	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		unlock()

		jitter := delay / 4
		sleep := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))

		select {
		case <-ctx.Done():
			relock()
			return ctx.Err()
		case <-time.After(sleep):
		}

		relock()
		delay *= 2
	}

	return err
}
