// Package store provides the shared key/value state used by the resilience
// components. Every entry carries a time-to-live so idle state disappears on
// its own instead of being deleted explicitly.
//
// Implementations:
//   - Memory: single-instance, map guarded by a mutex
//   - Redis: shared across instances, atomic counters via Lua
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrWrongType is returned when a key holds a list but a scalar was
	// requested, or the reverse.
	ErrWrongType = errors.New("store: wrong value type for key")
	// ErrNotInteger is returned by Increment when the key holds a non-numeric value.
	ErrNotInteger = errors.New("store: value is not an integer")
)

// Store is the shared, TTL-capable key/value store. A zero ttl means the
// entry never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Forget(ctx context.Context, key string) error

	// Increment atomically adds delta to the integer at key and returns the
	// new value. The ttl is applied only when the key is created, so a
	// counter expires ttl after its first increment.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Append pushes value to the tail of the list at key, evicting from the
	// head so that at most maxLen items remain, and refreshes the ttl.
	Append(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) error

	// Range returns every item of the list at key, oldest first.
	Range(ctx context.Context, key string) ([][]byte, error)

	Ping(ctx context.Context) error
	Close() error
}
