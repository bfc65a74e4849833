//go:build unix

package flock

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// openLockFile creates the parent directory and opens path for writing,
// creating it if absent. The content is never read or written.
func openLockFile(path string) (*os.File, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644) //nolint:gosec // caller-chosen lock path
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	return f, nil
}

// tryLock makes one non-blocking exclusive flock request on f.
// It returns (false, nil) when another descriptor holds the lock.
func tryLock(f *os.File) (bool, error) {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB) //nolint:gosec
		switch {
		case err == nil:
			return true, nil
		// EWOULDBLOCK and EAGAIN are distinct on some older systems.
		case errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EAGAIN):
			return false, nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return false, &IOError{Op: "flock", Path: f.Name(), Err: err}
		}
	}
}

func unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:gosec
}
