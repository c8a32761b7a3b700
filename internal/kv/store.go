// Package kv defines the coordination-store contract spec.md §4.1 requires
// — atomic set-if-absent with TTL, hash fields with TTL, indexed byte blobs
// with TTL, set membership, key scan, and pub/sub — and a Redis-backed
// implementation of it.
package kv

import (
	"context"
	"time"
)

// Store is the contract every coordination backend must satisfy. The
// proxy's ownership protocol, chunk buffer and client registry are written
// against this interface, never against a concrete client, so a future
// backend swap touches only this package.
type Store interface {
	// AcquireLock attempts to atomically create key with value, succeeding
	// only if the key does not already exist, and sets it to expire after
	// ttl. It reports whether the lock was acquired.
	AcquireLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// RenewLock extends ttl on key only if its current value still equals
	// value (a compare-and-renew heartbeat), reporting whether it renewed.
	RenewLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes key only if its current value still equals value.
	ReleaseLock(ctx context.Context, key, value string) error

	// GetString returns the value stored at key, and false if absent.
	GetString(ctx context.Context, key string) (string, bool, error)

	// HashSet writes fields into the hash at key and refreshes its TTL.
	HashSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// HashGetAll returns every field of the hash at key, and false if absent.
	HashGetAll(ctx context.Context, key string) (map[string]string, bool, error)

	// BlobSet stores data at key with a TTL, overwriting any prior value.
	BlobSet(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// BlobGet returns the bytes stored at key, and false if absent or expired.
	BlobGet(ctx context.Context, key string) ([]byte, bool, error)

	// SetAdd adds member to the set at key.
	SetAdd(ctx context.Context, key, member string) error

	// SetRemove removes member from the set at key.
	SetRemove(ctx context.Context, key, member string) error

	// SetMembers returns every member currently in the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Scan returns every key matching pattern (a glob, e.g. "metadata:*").
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Publish sends data on topic to every current subscriber.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe delivers messages published to topic onto the returned
	// channel until ctx is cancelled. The channel is closed on cancellation
	// or on an unrecoverable subscription error.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)

	// Close releases the underlying connection.
	Close() error
}
