// Package counter implements the distributed rate-limit counter client.
//
// Counters live in an external redis-compatible store. Each key is a
// caller-or-upstream id scoped to a rate period and a time bucket; the store
// provides increment-with-TTL semantics so stale buckets expire on their own.
package counter

import (
	"context"
	"errors"
	"time"
)

// Store errors. A timed-out query is distinguished from a failing store so
// callers can weight them differently; both fail open on the read path.
var (
	ErrTimedOut = errors.New("counter store query timed out")
	ErrStore    = errors.New("counter store error")
)

// Store is the counter store abstraction used by the rate engine.
type Store interface {
	// Read returns the current counter value for key, 0 when absent.
	Read(ctx context.Context, key string) (int64, error)
	// Incr adds 1 to the counter at key and refreshes its TTL, so the key
	// expires only after ttl with no further activity.
	Incr(ctx context.Context, key string, ttl time.Duration) error
	// Ping verifies store connectivity.
	Ping(ctx context.Context) error
	// Close releases the connection pool.
	Close() error
}
