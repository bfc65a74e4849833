package flock

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout matches every *TimeoutError via errors.Is.
	ErrTimeout = errors.New("flock: timed out waiting for lock")
	// ErrAlreadyHeld is returned when Acquire/Lock is called on a handle that
	// already holds the lock or is still acquiring it.
	ErrAlreadyHeld = errors.New("flock: handle already held or acquiring")
)

// TimeoutError reports that the lock could not be obtained within Timeout.
type TimeoutError struct {
	Path    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("flock %s: could not acquire lock within %s", e.Path, e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) true for any *TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// IOError is a filesystem or flock(2) failure unrelated to contention.
// It is never retried.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("flock %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
