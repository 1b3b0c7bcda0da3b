// Package counterstore implements C1: a distributed counter with per-key
// TTL, used by the rate engine to track hits per (caller-or-upstream,
// period, bucket). The store is treated as opaque per §6 — this package
// provides two conforming backends (Redis and DynamoDB) behind one
// interface.
package counterstore

import (
	"context"
	"errors"
	"time"
)

// ErrTimedOut indicates a single counter-store call exceeded its per-call
// timeout, distinct from a lower-level store error per §4.1.
var ErrTimedOut = errors.New("counterstore: call timed out")

// Store issues counter reads and TTL-scoped counter increments. Every
// implementation must apply a hard per-call timeout and translate an
// expired call into ErrTimedOut so callers (the rate engine) can fail open.
type Store interface {
	// CounterRead returns the current counter value for key, or 0 if the
	// key is absent.
	CounterRead(ctx context.Context, key string) (int64, error)
	// CounterIncr increments the counter at key by 1 and gives the key a
	// TTL of ttl, so the key expires at most ttl after this increment.
	// RedisStore arms the TTL only on a key's first increment;
	// DynamoDBStore re-arms it on every increment.
	CounterIncr(ctx context.Context, key string, ttl time.Duration) error
}

// withTimeout wraps ctx with the given per-call deadline and maps a
// resulting context.DeadlineExceeded to ErrTimedOut.
func withTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(cctx)
	if err != nil && cctx.Err() == context.DeadlineExceeded {
		return ErrTimedOut
	}
	return err
}
