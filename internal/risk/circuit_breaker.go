package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"RiskGate/internal/observability"
	"RiskGate/internal/store"
)

// BreakerState is the automatic-halt state machine:
//
//	OPEN --trip--> TRIPPED --reset--> QUIET_PERIOD --cool-down--> OPEN
//
// Trip also fires from QUIET_PERIOD. The QUIET_PERIOD -> OPEN edge is
// taken automatically by GetState once the cool-down has elapsed.
type BreakerState string

const (
	BreakerOpen        BreakerState = "OPEN"
	BreakerTripped     BreakerState = "TRIPPED"
	BreakerQuietPeriod BreakerState = "QUIET_PERIOD"
)

// CircuitBreakerStatus is the singleton record at circuit_breaker:state.
// TripReason/TripDetails persist through QUIET_PERIOD and back into OPEN
// for display; only the next trip overwrites them.
type CircuitBreakerStatus struct {
	State          BreakerState `json:"state"`
	TrippedAt      *time.Time   `json:"tripped_at,omitempty"`
	TripReason     string       `json:"trip_reason,omitempty"`
	TripDetails    string       `json:"trip_details,omitempty"`
	TripCountToday int64        `json:"trip_count_today"`
	CountDate      string       `json:"count_date,omitempty"`
	ResetAt        *time.Time   `json:"reset_at,omitempty"`
	ResetBy        string       `json:"reset_by,omitempty"`
}

// BreakerHistoryEntry is one trip record in the circuit_breaker:trip_history
// sorted set, scored by trip time. A sorted set rather than a list because
// the newest entry is later annotated in place with the reset metadata.
type BreakerHistoryEntry struct {
	TrippedAt   time.Time  `json:"tripped_at"`
	Reason      string     `json:"reason"`
	Details     string     `json:"details,omitempty"`
	ResetAt     *time.Time `json:"reset_at,omitempty"`
	ResetBy     string     `json:"reset_by,omitempty"`
	ResetReason string     `json:"reset_reason,omitempty"`
}

// TripOutcome makes the idempotence of Trip a visible branch instead of a
// swallowed error: re-tripping an already tripped breaker is a clean
// no-op, not a failure.
type TripOutcome int

const (
	TripApplied TripOutcome = iota
	TripAlreadyTripped
)

func (o TripOutcome) String() string {
	switch o {
	case TripApplied:
		return "Applied"
	case TripAlreadyTripped:
		return "AlreadyTripped"
	default:
		return "Unknown"
	}
}

const breakerHistoryCap = 1000

// CircuitBreaker is the automatic halt with time-based self-healing.
// Every multi-step transition runs as an optimistic WATCH transaction
// against the shared store, bounded-retried on conflict.
type CircuitBreaker struct {
	client  *redis.Client
	logger  zerolog.Logger
	metrics *observability.Metrics

	coolDown time.Duration
	attempts int
	backoff  time.Duration
	clock    func() time.Time
}

// NewCircuitBreaker constructs the handle and takes the narrow init path:
// create the record OPEN only if it has never existed. coolDown is the
// mandatory quiet period between a reset and trading fully reopening.
func NewCircuitBreaker(ctx context.Context, client *redis.Client, logger zerolog.Logger, metrics *observability.Metrics, coolDown time.Duration) (*CircuitBreaker, error) {
	if coolDown <= 0 {
		return nil, fmt.Errorf("circuit breaker cool-down must be positive, got %v", coolDown)
	}

	cb := &CircuitBreaker{
		client:   client,
		logger:   logger.With().Str("control", "circuit_breaker").Logger(),
		metrics:  metrics,
		coolDown: coolDown,
		attempts: store.DefaultTxAttempts,
		backoff:  store.DefaultTxBackoff,
		clock:    time.Now,
	}

	initial, err := json.Marshal(CircuitBreakerStatus{State: BreakerOpen})
	if err != nil {
		return nil, fmt.Errorf("marshal initial breaker state: %w", err)
	}
	created, err := client.SetNX(ctx, store.BreakerStateKey, initial, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("initialize breaker state: %w", err)
	}
	if created {
		cb.logger.Info().Msg("circuit breaker state created OPEN")
	}
	return cb, nil
}

// Trip halts trading automatically. Idempotent: if the breaker is already
// TRIPPED the transaction observes that and aborts cleanly, with no
// duplicate history entry and no counter bump. Exhausted optimistic
// retries surface ErrConcurrentModification.
func (cb *CircuitBreaker) Trip(ctx context.Context, reason, details string) (TripOutcome, error) {
	outcome := TripApplied
	now := cb.clock().UTC()

	err := store.RunOptimistic(ctx, cb.client, cb.attempts, cb.backoff, func(tx *redis.Tx) error {
		st, err := cb.readState(ctx, tx)
		if err != nil {
			return err
		}
		if st.State == BreakerTripped {
			outcome = TripAlreadyTripped
			return nil
		}

		st.State = BreakerTripped
		st.TrippedAt = &now
		st.TripReason = reason
		st.TripDetails = details
		st.ResetAt = nil
		st.ResetBy = ""
		today := now.Format("2006-01-02")
		if st.CountDate == today {
			st.TripCountToday++
		} else {
			st.CountDate = today
			st.TripCountToday = 1
		}

		stateJSON, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal breaker state: %w", err)
		}
		entryJSON, err := json.Marshal(BreakerHistoryEntry{
			TrippedAt: now,
			Reason:    reason,
			Details:   details,
		})
		if err != nil {
			return fmt.Errorf("marshal trip history entry: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, store.BreakerStateKey, stateJSON, 0)
			// Microsecond score: coarse enough to stay exact in a float64,
			// fine enough that back-to-back trips keep distinct ranks.
			pipe.ZAdd(ctx, store.BreakerHistoryKey, redis.Z{
				Score:  float64(now.UnixMicro()),
				Member: string(entryJSON),
			})
			pipe.ZRemRangeByRank(ctx, store.BreakerHistoryKey, 0, -(breakerHistoryCap + 1))
			return nil
		})
		return err
	}, store.BreakerStateKey)

	if errors.Is(err, redis.TxFailedErr) {
		cb.metrics.RecordOptimisticConflict("breaker_trip")
		return TripApplied, fmt.Errorf("trip circuit breaker: %w", ErrConcurrentModification)
	}
	if err != nil {
		return TripApplied, fmt.Errorf("trip circuit breaker: %w", err)
	}

	if outcome == TripApplied {
		cb.metrics.RecordBreakerTrip(reason)
		cb.logger.Error().
			Str("reason", reason).
			Str("details", details).
			Msg("circuit breaker TRIPPED")
	}
	return outcome, nil
}

// Reset moves TRIPPED to QUIET_PERIOD. The breaker does not reopen here:
// trading stays halted until the cool-down elapses and GetState takes the
// final edge. Fails ErrNotTripped from any other state.
func (cb *CircuitBreaker) Reset(ctx context.Context, resetBy string) error {
	now := cb.clock().UTC()

	err := store.RunOptimistic(ctx, cb.client, cb.attempts, cb.backoff, func(tx *redis.Tx) error {
		st, err := cb.readState(ctx, tx)
		if err != nil {
			return err
		}
		if st.State != BreakerTripped {
			return ErrNotTripped
		}

		st.State = BreakerQuietPeriod
		st.ResetAt = &now
		st.ResetBy = resetBy

		stateJSON, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal breaker state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, store.BreakerStateKey, stateJSON, 0)
			return nil
		})
		return err
	}, store.BreakerStateKey)

	if errors.Is(err, redis.TxFailedErr) {
		cb.metrics.RecordOptimisticConflict("breaker_reset")
		return fmt.Errorf("reset circuit breaker: %w", ErrConcurrentModification)
	}
	if err != nil {
		if errors.Is(err, ErrNotTripped) || errors.Is(err, ErrStateMissing) {
			return err
		}
		return fmt.Errorf("reset circuit breaker: %w", err)
	}

	cb.metrics.RecordBreakerReset()
	cb.logger.Warn().
		Str("reset_by", resetBy).
		Dur("cool_down", cb.coolDown).
		Msg("circuit breaker reset, quiet period started")
	return nil
}

// UpdateHistoryWithReset annotates the newest trip entry with the reset
// metadata, as its own atomic read-modify-write on the history set.
// Idempotent: once the entry carries a reset_at, later calls are no-ops
// regardless of their arguments. An empty history is also a no-op.
func (cb *CircuitBreaker) UpdateHistoryWithReset(ctx context.Context, resetAt time.Time, resetBy, resetReason string) error {
	err := store.RunOptimistic(ctx, cb.client, cb.attempts, cb.backoff, func(tx *redis.Tx) error {
		zs, err := tx.ZRevRangeWithScores(ctx, store.BreakerHistoryKey, 0, 0).Result()
		if err != nil {
			return fmt.Errorf("read newest trip entry: %w", err)
		}
		if len(zs) == 0 {
			return nil
		}

		member, ok := zs[0].Member.(string)
		if !ok {
			return fmt.Errorf("unexpected trip history member type %T", zs[0].Member)
		}
		var entry BreakerHistoryEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			return fmt.Errorf("decode trip history entry: %w", err)
		}
		if entry.ResetAt != nil {
			return nil
		}

		at := resetAt.UTC()
		entry.ResetAt = &at
		entry.ResetBy = resetBy
		entry.ResetReason = resetReason
		updated, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal annotated trip entry: %w", err)
		}

		// Remove-and-reinsert at the same score so ordering is unchanged.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, store.BreakerHistoryKey, member)
			pipe.ZAdd(ctx, store.BreakerHistoryKey, redis.Z{
				Score:  zs[0].Score,
				Member: string(updated),
			})
			return nil
		})
		return err
	}, store.BreakerHistoryKey)

	if errors.Is(err, redis.TxFailedErr) {
		cb.metrics.RecordOptimisticConflict("breaker_history")
		return fmt.Errorf("annotate trip history: %w", ErrConcurrentModification)
	}
	if err != nil {
		return fmt.Errorf("annotate trip history: %w", err)
	}
	return nil
}

// GetState returns the current state, taking the sanctioned read-that-
// writes: a QUIET_PERIOD whose cool-down has elapsed is atomically healed
// to OPEN as a side effect, and OPEN is returned. If reset_at is absent
// (a state no normal transition produces) the breaker stays QUIET_PERIOD
// rather than guessing when the quiet period started.
func (cb *CircuitBreaker) GetState(ctx context.Context) (BreakerState, error) {
	st, err := cb.Status(ctx)
	if err != nil {
		return "", err
	}
	if st.State != BreakerQuietPeriod || st.ResetAt == nil {
		return st.State, nil
	}
	if cb.clock().UTC().Sub(*st.ResetAt) < cb.coolDown {
		return BreakerQuietPeriod, nil
	}
	return cb.healToOpen(ctx)
}

// healToOpen commits QUIET_PERIOD -> OPEN. Re-reads under WATCH: if a
// concurrent trip, reset, or another instance's heal got there first, the
// state it produced wins and is returned.
func (cb *CircuitBreaker) healToOpen(ctx context.Context) (BreakerState, error) {
	final := BreakerOpen

	err := store.RunOptimistic(ctx, cb.client, cb.attempts, cb.backoff, func(tx *redis.Tx) error {
		st, err := cb.readState(ctx, tx)
		if err != nil {
			return err
		}
		if st.State != BreakerQuietPeriod || st.ResetAt == nil ||
			cb.clock().UTC().Sub(*st.ResetAt) < cb.coolDown {
			final = st.State
			return nil
		}

		st.State = BreakerOpen
		stateJSON, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal breaker state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, store.BreakerStateKey, stateJSON, 0)
			return nil
		})
		if err != nil {
			return err
		}
		final = BreakerOpen
		return nil
	}, store.BreakerStateKey)

	if errors.Is(err, redis.TxFailedErr) {
		cb.metrics.RecordOptimisticConflict("breaker_heal")
		return "", fmt.Errorf("reopen circuit breaker: %w", ErrConcurrentModification)
	}
	if err != nil {
		return "", fmt.Errorf("reopen circuit breaker: %w", err)
	}

	if final == BreakerOpen {
		cb.logger.Warn().Msg("quiet period elapsed, circuit breaker reopened")
	}
	return final, nil
}

// IsTripped reports whether the breaker blocks trading. Delegates to
// GetState so a due quiet period heals before the answer is given.
func (cb *CircuitBreaker) IsTripped(ctx context.Context) (bool, error) {
	state, err := cb.GetState(ctx)
	if err != nil {
		return false, err
	}
	return state == BreakerTripped, nil
}

// Status returns the persisted record without side effects. Missing state
// fails closed.
func (cb *CircuitBreaker) Status(ctx context.Context) (*CircuitBreakerStatus, error) {
	raw, err := cb.client.Get(ctx, store.BreakerStateKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("circuit breaker status: %w", ErrStateMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("read breaker state: %w", err)
	}

	var st CircuitBreakerStatus
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode breaker state: %w", err)
	}
	return &st, nil
}

// TripReason is a display-only accessor and deliberately does not fail
// closed: missing state degrades to "" so that dashboards and log lines
// never page through a store blip. Gating decisions must use IsTripped or
// GetState, which do fail closed.
func (cb *CircuitBreaker) TripReason(ctx context.Context) (string, error) {
	st, err := cb.Status(ctx)
	if errors.Is(err, ErrStateMissing) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return st.TripReason, nil
}

// TripDetails mirrors TripReason's display-only degradation.
func (cb *CircuitBreaker) TripDetails(ctx context.Context) (string, error) {
	st, err := cb.Status(ctx)
	if errors.Is(err, ErrStateMissing) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return st.TripDetails, nil
}

// History returns up to limit trip entries, newest first.
func (cb *CircuitBreaker) History(ctx context.Context, limit int64) ([]BreakerHistoryEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}
	raws, err := cb.client.ZRevRange(ctx, store.BreakerHistoryKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read trip history: %w", err)
	}

	entries := make([]BreakerHistoryEntry, 0, len(raws))
	for _, raw := range raws {
		var e BreakerHistoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode trip history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (cb *CircuitBreaker) readState(ctx context.Context, tx *redis.Tx) (*CircuitBreakerStatus, error) {
	raw, err := tx.Get(ctx, store.BreakerStateKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateMissing
	}
	if err != nil {
		return nil, fmt.Errorf("read breaker state: %w", err)
	}

	var st CircuitBreakerStatus
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode breaker state: %w", err)
	}
	return &st, nil
}
