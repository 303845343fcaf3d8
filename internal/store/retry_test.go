package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"RiskGate/internal/store"
	"RiskGate/internal/testutil"
)

func TestRunOptimistic_CommitsWithoutContention(t *testing.T) {
	_, client := testutil.SetupRedis(t)
	ctx := context.Background()

	if err := client.Set(ctx, "k", "1", 0).Err(); err != nil {
		t.Fatal(err)
	}

	err := store.RunOptimistic(ctx, client, 3, time.Millisecond, func(tx *redis.Tx) error {
		v, err := tx.Get(ctx, "k").Int64()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "k", v+1, 0)
			return nil
		})
		return err
	}, "k")
	if err != nil {
		t.Fatalf("RunOptimistic: %v", err)
	}

	got, _ := client.Get(ctx, "k").Int64()
	if got != 2 {
		t.Errorf("got %d, want 2", got)
	}
}

func TestRunOptimistic_RetriesThenSucceeds(t *testing.T) {
	mr, client := testutil.SetupRedis(t)
	second := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer second.Close()
	ctx := context.Background()

	if err := client.Set(ctx, "k", "1", 0).Err(); err != nil {
		t.Fatal(err)
	}

	attempts := 0
	err := store.RunOptimistic(ctx, client, 3, time.Millisecond, func(tx *redis.Tx) error {
		attempts++
		v, err := tx.Get(ctx, "k").Int64()
		if err != nil {
			return err
		}
		// First attempt: another writer touches the watched key between
		// the read and the commit, forcing a conflict.
		if attempts == 1 {
			if err := second.Set(ctx, "k", "100", 0).Err(); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "k", v+1, 0)
			return nil
		})
		return err
	}, "k")
	if err != nil {
		t.Fatalf("RunOptimistic: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}

	got, _ := client.Get(ctx, "k").Int64()
	if got != 101 {
		t.Errorf("got %d, want 101 (retry must re-read)", got)
	}
}

func TestRunOptimistic_BoundIsHard(t *testing.T) {
	mr, client := testutil.SetupRedis(t)
	second := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer second.Close()
	ctx := context.Background()

	if err := client.Set(ctx, "k", "1", 0).Err(); err != nil {
		t.Fatal(err)
	}

	attempts := 0
	err := store.RunOptimistic(ctx, client, 3, time.Millisecond, func(tx *redis.Tx) error {
		attempts++
		v, err := tx.Get(ctx, "k").Int64()
		if err != nil {
			return err
		}
		if err := second.Set(ctx, "k", "100", 0).Err(); err != nil {
			return err
		} // conflict every time
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "k", v+1, 0)
			return nil
		})
		return err
	}, "k")
	if !errors.Is(err, redis.TxFailedErr) {
		t.Fatalf("err = %v, want TxFailedErr", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want exactly 3", attempts)
	}
}

func TestRunOptimistic_NonConflictErrorNotRetried(t *testing.T) {
	_, client := testutil.SetupRedis(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	attempts := 0
	err := store.RunOptimistic(ctx, client, 3, time.Millisecond, func(tx *redis.Tx) error {
		attempts++
		return sentinel
	}, "k")
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
