// Package storeerr holds storage failure sentinels shared by every package
// that reads or writes through a store, so callers can classify failures
// without importing a concrete backend.
package storeerr

import "errors"

var (
	// ErrUnavailable means the store could not answer. The operation had no
	// effect and may be retried.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrLockTimeout means a row lock could not be acquired in time. It
	// wraps ErrUnavailable so transient handling covers both.
	ErrLockTimeout = lockTimeout{}
)

type lockTimeout struct{}

func (lockTimeout) Error() string        { return "storage lock wait timeout" }
func (lockTimeout) Is(target error) bool { return target == ErrUnavailable }

// IsTransient reports whether err is a storage failure worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
