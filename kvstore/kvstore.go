// Package kvstore implements the KV Store capability (C4): an asynchronous,
// namespaced get/set/del/keys/clear surface that may be backed by memory or
// a real Redis instance. Components never talk to Redis directly — they
// hold a Store and degrade to memory-only on error (spec §4.1 "Failure
// semantics").
package kvstore

import (
	"context"
	"time"
)

// Store is the capability every stateful component depends on for optional
// persistence. All methods are namespaced: a namespace groups keys for one
// component (e.g. "cache", "budget", "ledger") so two components can never
// collide on the same key.
type Store interface {
	// Get fetches the raw bytes for key in namespace. ok is false on miss.
	Get(ctx context.Context, namespace, key string) (value []byte, ok bool, err error)
	// Set stores value for key in namespace with an optional TTL (zero
	// means no expiry).
	Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	// Del removes key from namespace. Deleting a missing key is not an error.
	Del(ctx context.Context, namespace, key string) error
	// Keys lists every key currently stored in namespace. Implementations
	// may return expired-but-not-yet-reaped keys; callers must tolerate
	// stale entries (see Get's ok semantics).
	Keys(ctx context.Context, namespace string) ([]string, error)
	// Clear removes every key in namespace.
	Clear(ctx context.Context, namespace string) error
}

// Closer is implemented by stores that hold a live connection.
type Closer interface {
	Close() error
}
