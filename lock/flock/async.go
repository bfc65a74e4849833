package flock

import (
	"context"
	"os"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/cocoonstack/flockd/lock"
)

// compile-time interface check.
var _ lock.Locker = (*AsyncLock)(nil)

// Executor runs blocking file operations off the caller's goroutine.
// *ants.Pool satisfies it.
type Executor interface {
	Submit(task func()) error
}

// defaultExecutor submits to the process-wide ants pool.
type defaultExecutor struct{}

func (defaultExecutor) Submit(task func()) error { return ants.Submit(task) }

// AsyncLock is the context-aware lock handle. Directory creation, open,
// every flock request, unlock and close run on an Executor; the caller waits
// on the result or on ctx. The wait between attempts is a timer select, so a
// cancelled context stops acquisition within one step.
type AsyncLock struct {
	h    handle
	exec Executor
}

// NewAsync creates an AsyncLock for path.
func NewAsync(path string, opts ...Option) *AsyncLock {
	o := buildOptions(opts)
	return &AsyncLock{h: newHandle(path, o), exec: o.exec}
}

// Path returns the lock file path.
func (a *AsyncLock) Path() string { return a.h.path }

// Held reports whether this handle currently owns the lock.
func (a *AsyncLock) Held() bool { return a.h.isHeld() }

type openResult struct {
	f   *os.File
	err error
}

type tryResult struct {
	ok  bool
	err error
}

// Lock acquires the exclusive lock. Besides *TimeoutError and *IOError it
// returns ctx.Err() when ctx ends first; any descriptor opened up to that
// point is closed, either before returning or, for an operation still in
// flight, as soon as that operation completes.
func (a *AsyncLock) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := &a.h
	if err := h.begin(); err != nil {
		return err
	}

	opened, err := dispatch(ctx, a.exec, func() openResult {
		f, err := openLockFile(h.path)
		return openResult{f: f, err: err}
	}, func(r openResult) {
		h.discard(context.Background(), r.f)
	})
	if err == nil {
		err = opened.err
	}
	if err != nil {
		h.detach()
		return err
	}
	f := opened.f
	h.attach(f)
	h.tracef(ctx, "acquiring lock: %s", h.path)

	start := time.Now()
	for {
		res, err := dispatch(ctx, a.exec, func() tryResult {
			ok, err := h.try(f)
			return tryResult{ok: ok, err: err}
		}, func(r tryResult) {
			if r.ok {
				h.release(context.Background(), f)
				return
			}
			h.discard(context.Background(), f)
		})
		if err != nil {
			// The abandon hook owns f now.
			h.detach()
			return err
		}
		if res.err != nil {
			a.close(ctx, h.detach())
			return res.err
		}
		if res.ok {
			h.markHeld()
			h.tracef(ctx, "lock acquired: %s", h.path)
			return nil
		}
		if h.expired(start) {
			a.close(ctx, h.detach())
			return h.timeoutError()
		}
		if err := sleepCtx(ctx, retryDelay); err != nil {
			a.close(ctx, h.detach())
			return err
		}
	}
}

// Unlock releases the lock. It is a no-op unless the handle holds the lock
// and runs even when ctx is already cancelled. Release failures are only
// reported through diagnostics, so the returned error is always nil.
func (a *AsyncLock) Unlock(ctx context.Context) error {
	f := a.h.takeHeld()
	if f == nil {
		return nil
	}
	rctx := context.WithoutCancel(ctx)
	_, _ = dispatch(rctx, a.exec, func() struct{} {
		a.h.release(rctx, f)
		return struct{}{}
	}, nil)
	return nil
}

// With acquires the lock, runs fn and releases the lock, even if fn fails,
// panics or ctx is cancelled meanwhile.
func (a *AsyncLock) With(ctx context.Context, fn func(context.Context) error) error {
	if err := a.Lock(ctx); err != nil {
		return err
	}
	defer a.Unlock(ctx) //nolint:errcheck
	return fn(ctx)
}

// IsLocked is the context-aware form of Lock.IsLocked. It returns false if
// ctx ends before the probe completes.
func (a *AsyncLock) IsLocked(ctx context.Context) bool {
	locked, err := dispatch(ctx, a.exec, a.h.probe, nil)
	return err == nil && locked
}

// close waits for f to be closed on the executor, ignoring cancellation.
func (a *AsyncLock) close(ctx context.Context, f *os.File) {
	if f == nil {
		return
	}
	rctx := context.WithoutCancel(ctx)
	_, _ = dispatch(rctx, a.exec, func() struct{} {
		a.h.discard(rctx, f)
		return struct{}{}
	}, nil)
}

// dispatch runs fn on exec and waits for its result or for ctx to end.
// When ctx wins, abandon (if set) receives fn's result once it is ready so
// whatever fn produced can be cleaned up. If exec refuses the task, fn runs
// on the calling goroutine.
func dispatch[T any](ctx context.Context, exec Executor, fn func() T, abandon func(T)) (T, error) {
	ch := make(chan T, 1)
	if err := exec.Submit(func() { ch <- fn() }); err != nil {
		return fn(), nil
	}
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		if abandon != nil {
			go func() { abandon(<-ch) }()
		}
		var zero T
		return zero, ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
