// Package json implements storage.Store on a JSON file guarded by a lock file.
package json

import (
	"context"
	encjson "encoding/json"
	"fmt"
	"os"

	"github.com/cocoonstack/flockd/lock"
	"github.com/cocoonstack/flockd/storage"
	"github.com/cocoonstack/flockd/utils"
)

// compile-time interface check.
var _ storage.Store[struct{}] = (*Store[struct{}])(nil)

// Store persists a T as JSON at path. Every access takes a fresh Locker from
// locker, so one Store may be shared by many goroutines. The lock file must
// differ from path: Update replaces path by rename, which would detach a
// flock held on the data file itself.
type Store[T any] struct {
	path   string
	locker lock.Factory
}

// New creates a Store for path using locker for mutual exclusion.
func New[T any](path string, locker lock.Factory) *Store[T] {
	return &Store[T]{path: path, locker: locker}
}

// Path returns the data file path.
func (s *Store[T]) Path() string { return s.path }

// With loads the state under the lock and passes it to fn.
func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker(), func() error {
		v, err := s.load()
		if err != nil {
			return err
		}
		return fn(v)
	})
}

// Update performs a read-modify-write under the lock. The state is written
// back atomically (temp file -> fsync -> rename) only when fn returns nil.
func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker(), func() error {
		v, err := s.load()
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
		return utils.AtomicWriteJSON(s.path, v)
	})
}

func (s *Store[T]) load() (*T, error) {
	v := new(T)
	data, err := os.ReadFile(s.path) //nolint:gosec // caller-chosen state path
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	case len(data) > 0:
		if err := encjson.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.path, err)
		}
	}
	if i, ok := any(v).(storage.Initer); ok {
		i.Init()
	}
	return v, nil
}
