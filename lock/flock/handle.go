package flock

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/projecteru2/core/log"
)

type state int

const (
	idle state = iota
	acquiring
	held
)

// handle is the state shared by Lock and AsyncLock. mu guards the handle's
// own fields and serializes flock requests on f with IsLocked probes; it is
// not part of the exclusion itself, which the kernel decides.
type handle struct {
	path    string
	timeout time.Duration
	diag    bool

	mu    sync.Mutex
	state state
	f     *os.File
}

func newHandle(path string, o options) handle {
	return handle{path: path, timeout: o.timeout, diag: o.diagnostics}
}

func (h *handle) begin() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != idle {
		return ErrAlreadyHeld
	}
	h.state = acquiring
	return nil
}

func (h *handle) attach(f *os.File) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.f = f
}

func (h *handle) markHeld() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = held
}

// detach returns the handle to idle and hands ownership of the descriptor
// to the caller.
func (h *handle) detach() *os.File {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := h.f
	h.f = nil
	h.state = idle
	return f
}

// takeHeld detaches the descriptor only if the lock is held.
func (h *handle) takeHeld() *os.File {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != held {
		return nil
	}
	f := h.f
	h.f = nil
	h.state = idle
	return f
}

func (h *handle) isHeld() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == held
}

func (h *handle) try(f *os.File) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return tryLock(f)
}

func (h *handle) expired(start time.Time) bool {
	return h.timeout > 0 && time.Since(start) > h.timeout
}

func (h *handle) timeoutError() error {
	return &TimeoutError{Path: h.path, Timeout: h.timeout}
}

// probe reports whether another descriptor holds the lock while this handle
// is still acquiring. A held handle is not probed: re-locking its own
// descriptor always succeeds and the follow-up LOCK_UN would drop the hold.
func (h *handle) probe() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != acquiring || h.f == nil {
		return false
	}
	ok, err := tryLock(h.f)
	if err != nil {
		return false
	}
	if !ok {
		return true
	}
	_ = unlock(h.f)
	return false
}

// release unlocks and closes f. Failures are only reported through
// diagnostics: the protected section has already finished.
func (h *handle) release(ctx context.Context, f *os.File) {
	if f == nil {
		return
	}
	logger := log.WithFunc("flock.release")
	if err := unlock(f); err != nil && h.diag {
		logger.Warnf(ctx, "unlock %s: %v", h.path, err)
	}
	if err := f.Close(); err != nil && h.diag {
		logger.Warnf(ctx, "close %s: %v", h.path, err)
	}
	h.tracef(ctx, "lock released: %s", h.path)
}

// discard closes a descriptor that never obtained the lock.
func (h *handle) discard(ctx context.Context, f *os.File) {
	if f == nil {
		return
	}
	if err := f.Close(); err != nil && h.diag {
		log.WithFunc("flock.discard").Warnf(ctx, "close %s: %v", h.path, err)
	}
}

func (h *handle) tracef(ctx context.Context, format string, args ...any) {
	if h.diag {
		log.WithFunc("flock").Debugf(ctx, format, args...)
	}
}
