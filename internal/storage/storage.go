// Package storage defines the key/value persistence capability consumed by
// the registry, with three conforming implementations:
//   - MemoryStore: in-process, for testing and single-node deployments.
//   - RedisStore: durable, shared across gateway instances.
//   - PostgresStore: durable, for deployments already running Postgres.
//
// All three behave identically from the caller's point of view except for
// persistence and latency.
package storage

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get when a key is absent.
var ErrKeyNotFound = errors.New("key not found")

// Backend is the persistence interface the registry is written against.
type Backend interface {
	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ListKeys returns all keys beginning with prefix, in unspecified order.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Close releases any underlying connections.
	Close() error
}
