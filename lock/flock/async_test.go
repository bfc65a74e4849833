package flock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/cocoonstack/flockd/lock"
	"github.com/cocoonstack/flockd/utils"
)

// countingExecutor wraps an ants pool and counts submitted tasks.
type countingExecutor struct {
	pool *ants.Pool
	n    atomic.Int64
}

func (c *countingExecutor) Submit(task func()) error {
	c.n.Add(1)
	return c.pool.Submit(task)
}

// gatedExecutor holds every task until gate is closed.
type gatedExecutor struct {
	gate chan struct{}
}

func (g *gatedExecutor) Submit(task func()) error {
	go func() {
		<-g.gate
		task()
	}()
	return nil
}

type rejectingExecutor struct{}

func (rejectingExecutor) Submit(func()) error { return ants.ErrPoolClosed }

// --- basics ---

func TestAsyncLock_LockUnlock(t *testing.T) {
	p := lockPath(t)
	pool, err := ants.NewPool(2)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Release()
	exec := &countingExecutor{pool: pool}

	a := NewAsync(p, WithExecutor(exec), WithDiagnostics(true))
	ctx := context.Background()
	if err := a.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !a.Held() {
		t.Error("expected async handle to be held")
	}
	if err := a.Unlock(ctx); err != nil {
		t.Errorf("unlock: %v", err)
	}
	if err := a.Unlock(ctx); err != nil {
		t.Errorf("second unlock must be a no-op, got %v", err)
	}
	if a.Held() {
		t.Error("expected async handle to be released")
	}
	// open + one flock attempt + release
	if got := exec.n.Load(); got < 3 {
		t.Errorf("expected file operations on the executor, got %d submissions", got)
	}
	if n := openDescriptors(t, p); n != 0 {
		t.Errorf("expected no open descriptors, got %d", n)
	}
}

func TestAsyncLock_ImplementsLocker(t *testing.T) {
	p := lockPath(t)
	var l lock.Locker = NewAsync(p)
	ran := false
	if err := lock.WithLock(context.Background(), l, func() error {
		ran = true
		locked, err := Probe(p)
		if err != nil || !locked {
			t.Errorf("expected lock held inside WithLock, got %v %v", locked, err)
		}
		return nil
	}); err != nil {
		t.Fatalf("with lock: %v", err)
	}
	if !ran {
		t.Error("fn did not run")
	}
}

func TestAsyncLock_AlreadyHeld(t *testing.T) {
	a := NewAsync(lockPath(t))
	ctx := context.Background()
	if err := a.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer a.Unlock(ctx) //nolint:errcheck
	if err := a.Lock(ctx); !errors.Is(err, ErrAlreadyHeld) {
		t.Errorf("expected ErrAlreadyHeld, got %v", err)
	}
}

func TestAsyncLock_IsLockedWhileWaiting(t *testing.T) {
	p := lockPath(t)
	holder := New(p)
	if err := holder.Acquire(); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}

	ctx := context.Background()
	waiter := NewAsync(p)
	if waiter.IsLocked(ctx) {
		t.Error("idle handle must report false")
	}
	done := make(chan error, 1)
	go func() { done <- waiter.Lock(ctx) }()

	if err := utils.WaitFor(ctx, 2*time.Second, 10*time.Millisecond, func() (bool, error) {
		return waiter.IsLocked(ctx), nil
	}); err != nil {
		t.Fatalf("waiter never observed contention: %v", err)
	}

	holder.Release()
	if err := <-done; err != nil {
		t.Fatalf("waiter lock: %v", err)
	}
	if !waiter.Held() {
		t.Error("checking contention must not cost the waiter its lock")
	}
	if waiter.IsLocked(ctx) {
		t.Error("holder must report false for its own hold")
	}
	_ = waiter.Unlock(ctx)
}

func TestAsyncLock_Timeout(t *testing.T) {
	p := lockPath(t)
	holder := New(p)
	if err := holder.Acquire(); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}
	defer holder.Release()

	const timeout = 200 * time.Millisecond
	a := NewAsync(p, WithTimeout(timeout))
	start := time.Now()
	err := a.Lock(context.Background())
	elapsed := time.Since(start)
	var te *TimeoutError
	if !errors.As(err, &te) || te.Timeout != timeout {
		t.Fatalf("expected TimeoutError(%s), got %v", timeout, err)
	}
	if elapsed < timeout || elapsed > timeout+retryDelay+slack {
		t.Errorf("expected failure in [%s, %s], took %s", timeout, timeout+retryDelay+slack, elapsed)
	}
	if n := openDescriptors(t, p); n != 1 {
		t.Errorf("expected only the holder's descriptor, got %d", n)
	}
}

// --- cancellation ---

func TestAsyncLock_PreCancelledContext(t *testing.T) {
	p := lockPath(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := NewAsync(p)
	if err := a.Lock(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if a.Held() {
		t.Error("cancelled handle must not be held")
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Errorf("no I/O expected for a cancelled context, stat err: %v", err)
	}
}

func TestAsyncLock_CancelWhileWaitingClosesDescriptor(t *testing.T) {
	p := lockPath(t)
	holder := New(p)
	if err := holder.Acquire(); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}
	defer holder.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(250 * time.Millisecond)
		cancel()
	}()
	a := NewAsync(p)
	if err := a.Lock(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if a.Held() || a.IsLocked(context.Background()) {
		t.Error("cancelled handle must be idle")
	}
	// The waiter's descriptor may still be finishing an in-flight flock
	// attempt; its abandon hook closes it.
	if err := utils.WaitFor(context.Background(), time.Second, 10*time.Millisecond, func() (bool, error) {
		return openDescriptors(t, p) == 1, nil
	}); err != nil {
		t.Errorf("waiter descriptor leaked: %v", err)
	}
}

func TestAsyncLock_CancelDuringInFlightOpen(t *testing.T) {
	p := lockPath(t)
	exec := &gatedExecutor{gate: make(chan struct{})}
	a := NewAsync(p, WithExecutor(exec))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Lock(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// Let the abandoned open run; its descriptor must be closed afterwards.
	close(exec.gate)
	if err := utils.WaitFor(context.Background(), time.Second, 10*time.Millisecond, func() (bool, error) {
		_, statErr := os.Stat(p)
		return statErr == nil && openDescriptors(t, p) == 0, nil
	}); err != nil {
		t.Errorf("abandoned descriptor not closed: %v", err)
	}

	// The handle is reusable.
	if err := a.Lock(context.Background()); err != nil {
		t.Fatalf("relock: %v", err)
	}
	_ = a.Unlock(context.Background())
}

func TestAsyncLock_UnlockWithCancelledContext(t *testing.T) {
	p := lockPath(t)
	ctx, cancel := context.WithCancel(context.Background())
	a := NewAsync(p)
	if err := a.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	cancel()
	if err := a.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	other := New(p, WithTimeout(50*time.Millisecond))
	if err := other.Acquire(); err != nil {
		t.Fatalf("release must run from a cancelled context: %v", err)
	}
	other.Release()
}

func TestAsyncLock_WithReleasesOnError(t *testing.T) {
	p := lockPath(t)
	boom := errors.New("boom")
	a := NewAsync(p)
	err := a.With(context.Background(), func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if locked, _ := Probe(p); locked {
		t.Error("With must release on error")
	}
}

// --- executor fallback ---

func TestDispatch_RunsInlineWhenRejected(t *testing.T) {
	p := lockPath(t)
	a := NewAsync(p, WithExecutor(rejectingExecutor{}))
	ctx := context.Background()
	if err := a.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !a.Held() {
		t.Error("expected lock held via inline fallback")
	}
	_ = a.Unlock(ctx)
}

// --- cross-mode ---

func TestCrossMode_SyncHolderAsyncWaiter(t *testing.T) {
	p := lockPath(t)
	holder := New(p)
	if err := holder.Acquire(); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}
	var released atomic.Bool
	go func() {
		time.Sleep(300 * time.Millisecond)
		released.Store(true)
		holder.Release()
	}()

	a := NewAsync(p, WithTimeout(5*time.Second))
	if err := a.Lock(context.Background()); err != nil {
		t.Fatalf("async lock: %v", err)
	}
	if !released.Load() {
		t.Error("async waiter acquired before the sync holder released")
	}
	_ = a.Unlock(context.Background())
}

func TestCrossMode_AsyncHolderSyncWaiter(t *testing.T) {
	p := lockPath(t)
	a := NewAsync(p)
	ctx := context.Background()
	if err := a.Lock(ctx); err != nil {
		t.Fatalf("async lock: %v", err)
	}
	if err := New(p, WithTimeout(150*time.Millisecond)).Acquire(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("sync waiter must time out while async holds, got %v", err)
	}
	_ = a.Unlock(ctx)
	l := New(p, WithTimeout(time.Second))
	if err := l.Acquire(); err != nil {
		t.Fatalf("sync acquire after async release: %v", err)
	}
	l.Release()
}

func TestMutualExclusion_MixedModes(t *testing.T) {
	p := lockPath(t)
	const perMode, rounds = 2, 4
	var log spanLog
	var wg sync.WaitGroup
	section := func() error {
		start := log.enter(t)
		time.Sleep(5 * time.Millisecond)
		log.exit(start)
		return nil
	}
	for range perMode {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range rounds {
				if err := New(p).With(section); err != nil {
					t.Errorf("sync with: %v", err)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for range rounds {
				if err := NewAsync(p).With(context.Background(), func(context.Context) error {
					return section()
				}); err != nil {
					t.Errorf("async with: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	log.assertNoOverlap(t, 2*perMode*rounds)
}
