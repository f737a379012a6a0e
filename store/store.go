// Package store defines the durable-tier abstraction used by permcache.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the same []byte that was previously passed to Put for a key (no prepended/
// appended metadata, no re-encoding, no mutation). If a store performs
// internal transforms (e.g., compression), they MUST be fully reversed so the
// bytes returned by Get are identical to the bytes provided to Put.
//
// Meta duplicates the columns the cache needs for secondary access: sweeping
// by expiry, and subject-scoped inspection. Stores that index natively (SQL)
// persist them as columns; stores with native TTL (Redis) may use only
// ExpiresAt.
//
// The durable tier is a pure optimization. Implementations should return
// errors rather than block indefinitely; the cache converts every store error
// into a miss or a no-op.
package store

import (
	"context"
	"time"
)

// Meta carries the indexable columns of one cached row.
type Meta struct {
	Key       string
	SubjectID string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is a minimal byte store with row metadata.
// Must be safe for concurrent use.
type Store interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value under m.Key, replacing any previous row.
	Put(ctx context.Context, m Meta, value []byte) error

	// Delete removes a key (best-effort).
	Delete(ctx context.Context, key string) error

	// Clear removes every row owned by this store.
	Clear(ctx context.Context) error

	// DeleteExpired removes rows whose expiry is at or before cutoff and
	// reports how many were removed. Stores with native TTL may remove rows
	// themselves and report 0.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases resources.
	Close(ctx context.Context) error
}
