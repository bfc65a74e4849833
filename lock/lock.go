package lock

import "context"

// Locker provides mutual exclusion with context support.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Factory returns a fresh Locker for one acquire/release cycle.
// Lock handles are single-use per cycle, so callers that may contend with
// themselves (several goroutines sharing one store) take a Factory instead of
// a Locker.
type Factory func() Locker

// WithLock acquires the lock, calls fn, and releases the lock.
// If fn returns an error or panics, the lock is still released before the
// failure reaches the caller.
func WithLock(ctx context.Context, l Locker, fn func() error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer l.Unlock(context.WithoutCancel(ctx)) //nolint:errcheck
	return fn()
}
