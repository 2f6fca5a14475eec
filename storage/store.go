// Package storage defines the durable key-value store the sync engine
// persists entity snapshots and the operation queue into. Implementations
// must be crash-consistent: a completed Set survives process restart.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("key not found")

// Store is the persistence abstraction shared by repositories and the queue.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set durably writes value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes the value under key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix, in unspecified order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases resources held by the store.
	Close() error
}
