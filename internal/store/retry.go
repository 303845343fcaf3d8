package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTxAttempts bounds how often an optimistic transaction is retried
// after a commit conflict before the operation fails hard.
const DefaultTxAttempts = 3

// DefaultTxBackoff is the base delay between optimistic-transaction
// attempts; it doubles on each retry.
const DefaultTxBackoff = 10 * time.Millisecond

// RunOptimistic executes fn inside a WATCH on the given keys and commits
// via MULTI/EXEC. If another writer touches a watched key between the read
// and the commit, the transaction aborts with redis.TxFailedErr and the
// whole read-decide-write cycle is retried, up to attempts times with
// doubling backoff. The bound is explicit: contention beyond it surfaces
// redis.TxFailedErr to the caller instead of looping.
func RunOptimistic(ctx context.Context, client *redis.Client, attempts int, backoff time.Duration, fn func(tx *redis.Tx) error, keys ...string) error {
	if attempts <= 0 {
		attempts = DefaultTxAttempts
	}
	if backoff <= 0 {
		backoff = DefaultTxBackoff
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff << (attempt - 1)):
			}
		}

		err = client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}
