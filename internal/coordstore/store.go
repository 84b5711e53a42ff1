// Package coordstore abstracts the shared low-latency key-value store used
// for cross-instance coordination: lock entries, quota reservations and
// concurrency slot counters. All mutating primitives are atomic so that
// application code never needs read-modify-write cycles outside a lock.
package coordstore

import (
	"context"
	"time"
)

// Store is the coordination-store contract.
//
// Every key written through Store carries a TTL; expiry is the system's sole
// recovery mechanism for crashed holders, so implementations must enforce it.
type Store interface {
	// SetNX stores value under key with the given TTL only if the key is
	// absent. Returns true if the value was stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the current value, or ("", false, nil) when the key is
	// absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// CompareAndDelete removes key only if its current value equals value.
	// Returns true if the key was removed.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)

	// CompareAndRefresh extends the TTL of key only if its current value
	// equals value. Returns true if the TTL was extended.
	CompareAndRefresh(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// IncrBy atomically adjusts the integer counter at key by delta,
	// floors the result at zero, refreshes the TTL, and returns the new
	// value. A missing key counts as zero.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// GetInt64 reads the counter at key; a missing key reads as zero.
	GetInt64(ctx context.Context, key string) (int64, error)

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key unconditionally.
	Delete(ctx context.Context, key string) error
}
