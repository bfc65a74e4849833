package storage

import "context"

// Initer is implemented by state types that need defaults after loading
// (nil maps, creation timestamps). Store calls Init on every load, including
// when the backing file does not exist yet.
type Initer interface {
	Init()
}

// Store gives lock-protected access to a persisted state value of type T.
type Store[T any] interface {
	// With loads the state under the lock and passes it to fn.
	// Changes made by fn are discarded.
	With(ctx context.Context, fn func(*T) error) error
	// Update loads the state under the lock, lets fn mutate it and, if fn
	// returns nil, writes it back before the lock is released.
	Update(ctx context.Context, fn func(*T) error) error
}
