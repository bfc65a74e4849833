// Package flock provides cross-process mutual exclusion on a lock file using
// flock(2) advisory locks.
//
// Two handle flavors share one algorithm: open (or create) the lock file,
// request a non-blocking exclusive lock, and on contention either give up
// after the configured timeout or retry after retryDelay. Lock blocks the
// calling goroutine; AsyncLock dispatches every file operation to a worker
// pool and honors context cancellation. Both use the same kernel primitive,
// so they exclude each other as well as other processes.
//
// Lock files are long-lived and never deleted. A leftover file does not mean
// the lock is held: the kernel drops the lock when the descriptor closes,
// including on process exit.
package flock

import (
	"context"
	"time"
)

// retryDelay is the fixed polling quantum between non-blocking attempts.
const retryDelay = 100 * time.Millisecond

// Lock is a goroutine-blocking lock handle. Construction does no I/O.
// A handle supports one acquire/release cycle at a time and may be reused
// after Release.
type Lock struct {
	h handle
}

// New creates a Lock for path.
func New(path string, opts ...Option) *Lock {
	return &Lock{h: newHandle(path, buildOptions(opts))}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.h.path }

// Held reports whether this handle currently owns the lock.
func (l *Lock) Held() bool { return l.h.isHeld() }

// Acquire blocks until the exclusive lock is obtained or the timeout elapses.
// It returns a *TimeoutError on timeout and an *IOError on any filesystem or
// flock failure; in both cases no descriptor is left open.
func (l *Lock) Acquire() error {
	ctx := context.Background()
	h := &l.h
	if err := h.begin(); err != nil {
		return err
	}
	f, err := openLockFile(h.path)
	if err != nil {
		h.detach()
		return err
	}
	h.attach(f)
	h.tracef(ctx, "acquiring lock: %s", h.path)

	start := time.Now()
	for {
		ok, err := h.try(f)
		if err != nil {
			h.discard(ctx, h.detach())
			return err
		}
		if ok {
			h.markHeld()
			h.tracef(ctx, "lock acquired: %s", h.path)
			return nil
		}
		if h.expired(start) {
			h.discard(ctx, h.detach())
			return h.timeoutError()
		}
		time.Sleep(retryDelay)
	}
}

// Release unlocks and closes the lock file. It is a no-op unless the handle
// holds the lock, so calling it repeatedly is safe.
func (l *Lock) Release() {
	l.h.release(context.Background(), l.h.takeHeld())
}

// With acquires the lock, runs fn and releases the lock. The release happens
// before fn's error (or panic) reaches the caller.
func (l *Lock) With(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// IsLocked is a best-effort debugging probe: while this handle is waiting in
// Acquire it reports whether another participant holds the lock. It returns
// false when the handle is idle or already holds the lock. The answer can be
// stale by the time it is returned; never use it instead of Acquire.
func (l *Lock) IsLocked() bool {
	return l.h.probe()
}
