package flock

import (
	"os"

	gofrsflock "github.com/gofrs/flock"
)

// Probe reports whether any descriptor currently holds the lock on path,
// using a fresh descriptor of its own. A missing file is never locked and is
// not created. Like IsLocked, the answer is advisory and may be stale.
func Probe(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &IOError{Op: "stat", Path: path, Err: err}
	}
	fl := gofrsflock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return false, &IOError{Op: "flock", Path: path, Err: err}
	}
	if !ok {
		return true, nil
	}
	_ = fl.Unlock()
	return false, nil
}
