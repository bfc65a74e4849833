// Package counter implements a counter shared by any number of processes
// through a JSON state file guarded by a flock lock file.
package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cocoonstack/flockd/lock"
	"github.com/cocoonstack/flockd/lock/flock"
	"github.com/cocoonstack/flockd/storage"
	storejson "github.com/cocoonstack/flockd/storage/json"
	"github.com/projecteru2/core/log"
)

// maxHistory bounds the operation log kept in the state file.
const maxHistory = 100

const (
	OpIncrement = "increment"
	OpDecrement = "decrement"
	OpReset     = "reset"
)

// ErrInvalidAmount is returned for non-positive increments and decrements.
var ErrInvalidAmount = errors.New("amount must be positive")

// Operation is one entry of the operation log.
type Operation struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"client_id"`
	Amount    int64     `json:"amount"`
	OldValue  int64     `json:"old_value"`
	NewValue  int64     `json:"new_value"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientStats aggregates the operations of one client.
type ClientStats struct {
	TotalOperations int64     `json:"total_operations"`
	TotalIncrements int64     `json:"total_increments"`
	TotalDecrements int64     `json:"total_decrements"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
}

// State is the persisted counter.
type State struct {
	Value      int64                   `json:"value"`
	Created    time.Time               `json:"created"`
	Operations []Operation             `json:"operations"`
	Clients    map[string]*ClientStats `json:"clients"`
}

// Init implements storage.Initer.
func (s *State) Init() {
	if s.Clients == nil {
		s.Clients = make(map[string]*ClientStats)
	}
	if s.Created.IsZero() {
		s.Created = time.Now()
	}
}

// Counter is safe for concurrent use by goroutines and processes.
type Counter struct {
	store storage.Store[State]
}

// New creates a Counter on top of store.
func New(store storage.Store[State]) *Counter {
	return &Counter{store: store}
}

// Open creates a Counter persisted at path, locked through "<path>.lock".
func Open(path string, opts ...flock.Option) *Counter {
	lockPath := path + ".lock"
	return New(storejson.New[State](path, func() lock.Locker {
		return flock.NewAsync(lockPath, opts...)
	}))
}

// Increment adds amount and returns the new value.
func (c *Counter) Increment(ctx context.Context, clientID string, amount int64) (int64, error) {
	return c.apply(ctx, OpIncrement, clientID, amount)
}

// Decrement subtracts amount and returns the new value.
func (c *Counter) Decrement(ctx context.Context, clientID string, amount int64) (int64, error) {
	return c.apply(ctx, OpDecrement, clientID, amount)
}

// Reset sets the value back to zero, keeping history and client stats, and
// returns the value it replaced.
func (c *Counter) Reset(ctx context.Context, clientID string) (old int64, err error) {
	err = c.store.Update(ctx, func(s *State) error {
		old = s.Value
		s.Value = 0
		s.record(Operation{Type: OpReset, ClientID: clientID, OldValue: old, Timestamp: time.Now()})
		return nil
	})
	return old, err
}

// Value returns the current value.
func (c *Counter) Value(ctx context.Context) (v int64, err error) {
	err = c.store.With(ctx, func(s *State) error {
		v = s.Value
		return nil
	})
	return v, err
}

// Stats returns a detached copy of the whole state.
func (c *Counter) Stats(ctx context.Context) (*State, error) {
	var out *State
	err := c.store.With(ctx, func(s *State) error {
		out = s
		return nil
	})
	return out, err
}

func (c *Counter) apply(ctx context.Context, op, clientID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%s %d: %w", op, amount, ErrInvalidAmount)
	}
	var value int64
	err := c.store.Update(ctx, func(s *State) error {
		old := s.Value
		if op == OpDecrement {
			s.Value -= amount
		} else {
			s.Value += amount
		}
		value = s.Value
		now := time.Now()
		s.record(Operation{Type: op, ClientID: clientID, Amount: amount, OldValue: old, NewValue: value, Timestamp: now})

		cs := s.Clients[clientID]
		if cs == nil {
			cs = &ClientStats{FirstSeen: now}
			s.Clients[clientID] = cs
		}
		cs.TotalOperations++
		if op == OpDecrement {
			cs.TotalDecrements += amount
		} else {
			cs.TotalIncrements += amount
		}
		cs.LastSeen = now
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s counter: %w", op, err)
	}
	log.WithFunc("counter."+op).Infof(ctx, "client %s: %+d -> %d", clientID, signed(op, amount), value)
	return value, nil
}

// record appends op and trims the log to the newest maxHistory entries.
func (s *State) record(op Operation) {
	s.Operations = append(s.Operations, op)
	if n := len(s.Operations); n > maxHistory {
		s.Operations = append([]Operation(nil), s.Operations[n-maxHistory:]...)
	}
}

func signed(op string, amount int64) int64 {
	if op == OpDecrement {
		return -amount
	}
	return amount
}
