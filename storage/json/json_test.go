package json

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cocoonstack/flockd/lock"
	"github.com/cocoonstack/flockd/lock/flock"
)

type tally struct {
	Count  int            `json:"count"`
	Seen   map[string]int `json:"seen"`
	inited bool
}

func (t *tally) Init() {
	t.inited = true
	if t.Seen == nil {
		t.Seen = make(map[string]int)
	}
}

func newStore(t *testing.T) *Store[tally] {
	t.Helper()
	dir := t.TempDir()
	lockFile := filepath.Join(dir, "tally.json.lock")
	return New[tally](filepath.Join(dir, "tally.json"), func() lock.Locker {
		return flock.NewAsync(lockFile, flock.WithTimeout(10*time.Second))
	})
}

func TestStore_MissingFileInits(t *testing.T) {
	s := newStore(t)
	err := s.With(context.Background(), func(v *tally) error {
		if !v.inited || v.Seen == nil {
			t.Error("expected Init on a missing file")
		}
		if v.Count != 0 {
			t.Errorf("expected zero state, got %d", v.Count)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("with: %v", err)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Errorf("With must not create the data file, stat err: %v", err)
	}
}

func TestStore_UpdatePersists(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.Update(ctx, func(v *tally) error {
		v.Count = 7
		v.Seen["a"] = 1
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.With(ctx, func(v *tally) error {
		if v.Count != 7 || v.Seen["a"] != 1 {
			t.Errorf("unexpected state %+v", v)
		}
		return nil
	}); err != nil {
		t.Fatalf("with: %v", err)
	}
}

func TestStore_UpdateErrorDiscardsChanges(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")
	if err := s.Update(ctx, func(v *tally) error {
		v.Count = 99
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	_ = s.With(ctx, func(v *tally) error {
		if v.Count != 0 {
			t.Errorf("failed update must not be written, got %d", v.Count)
		}
		return nil
	})
}

func TestStore_ParseError(t *testing.T) {
	s := newStore(t)
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.With(context.Background(), func(*tally) error { return nil }); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	s := newStore(t)
	const workers, rounds = 4, 5
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				if err := s.Update(context.Background(), func(v *tally) error {
					v.Count++
					return nil
				}); err != nil {
					t.Errorf("update: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	_ = s.With(context.Background(), func(v *tally) error {
		if v.Count != workers*rounds {
			t.Errorf("lost updates: expected %d, got %d", workers*rounds, v.Count)
		}
		return nil
	})
}
