package risk

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"RiskGate/internal/observability"
	"RiskGate/internal/store"
)

// ReservationResult reports the outcome of a Reserve attempt against the
// authoritative counter. PreviousPosition/NewPosition are the store's
// values, which may differ from the caller's belief when another instance
// has reservations in flight.
type ReservationResult struct {
	Success          bool
	Token            string
	Reason           string
	PreviousPosition int64
	NewPosition      int64
}

// reserveScript is the exact critical section that closes the
// check-then-commit race: re-read the authoritative reserved position,
// recompute, check the limit, and commit, all in one server-side step.
// A missing counter is seeded from the caller's position so the first
// reservation for a symbol starts from the reconciled book value.
// Reply: {committed(0|1), previous, new}.
var reserveScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
    cur = tonumber(cur)
else
    cur = tonumber(ARGV[4])
end
local new = cur + tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if new > limit or new < -limit then
    return {0, cur, new}
end
redis.call('SET', KEYS[1], new)
redis.call('HSET', KEYS[2], ARGV[3], ARGV[1])
return {1, cur, new}
`)

// confirmScript finalizes one outstanding token: the delta becomes part of
// the confirmed position and the token is consumed. Reply: 1, or 0 for an
// unknown or already-resolved token.
var confirmScript = redis.NewScript(`
local delta = redis.call('HGET', KEYS[1], ARGV[1])
if not delta then
    return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('INCRBY', KEYS[2], delta)
return 1
`)

// releaseScript rolls one outstanding token back out of the reserved
// counter and consumes it. Reply mirrors confirmScript.
var releaseScript = redis.NewScript(`
local delta = redis.call('HGET', KEYS[1], ARGV[1])
if not delta then
    return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('DECRBY', KEYS[2], delta)
return 1
`)

// PositionReservation implements the reserve -> confirm/release protocol
// over per-symbol counters in the shared store. Invariant: the confirmed
// counter is the sum of confirmed deltas; the reserved counter adds every
// outstanding (unresolved) delta on top, so concurrent Reserve calls see
// each other before either is permanent.
type PositionReservation struct {
	client  *redis.Client
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewPositionReservation(client *redis.Client, logger zerolog.Logger, metrics *observability.Metrics) *PositionReservation {
	return &PositionReservation{
		client:  client,
		logger:  logger.With().Str("control", "position_reservation").Logger(),
		metrics: metrics,
	}
}

// Reserve atomically claims a position delta for symbol if the resulting
// authoritative position stays within maxLimit. On success the returned
// token must be resolved exactly once, by Confirm when the order is
// acknowledged or Release when it is rejected, cancelled, or timed out.
// currentPosition is only a seed for a symbol the store has never seen;
// the limit check always runs against the store's own counter.
func (pr *PositionReservation) Reserve(ctx context.Context, symbol string, side Side, qty, maxLimit, currentPosition int64) (*ReservationResult, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("reserve %s: quantity must be positive, got %d", symbol, qty)
	}
	delta, err := signedDelta(side, qty)
	if err != nil {
		return nil, fmt.Errorf("reserve %s: %w", symbol, err)
	}

	token := uuid.NewString()
	reply, err := reserveScript.Run(ctx, pr.client,
		[]string{store.ReservedPositionKey(symbol), store.ReservationTokensKey(symbol)},
		delta, maxLimit, token, currentPosition,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("reserve %s: %w", symbol, err)
	}
	if len(reply) != 3 {
		return nil, fmt.Errorf("reserve %s: unexpected reply length %d", symbol, len(reply))
	}

	res := &ReservationResult{
		Success:          reply[0] == 1,
		PreviousPosition: reply[1],
		NewPosition:      reply[2],
	}
	if !res.Success {
		res.Reason = fmt.Sprintf("Position limit exceeded: %d would exceed max position size %d",
			res.NewPosition, maxLimit)
		pr.metrics.RecordReservation("rejected")
		return res, nil
	}

	res.Token = token
	pr.metrics.RecordReservation("reserved")
	pr.logger.Debug().
		Str("symbol", symbol).
		Str("token", token).
		Int64("delta", delta).
		Int64("previous", res.PreviousPosition).
		Int64("new", res.NewPosition).
		Msg("position reserved")
	return res, nil
}

// Confirm finalizes a reserved delta. Returns false for an unknown or
// already-resolved token; a token can be consumed exactly once.
func (pr *PositionReservation) Confirm(ctx context.Context, symbol, token string) (bool, error) {
	n, err := confirmScript.Run(ctx, pr.client,
		[]string{store.ReservationTokensKey(symbol), store.ConfirmedPositionKey(symbol)},
		token,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("confirm reservation %s/%s: %w", symbol, token, err)
	}
	if n == 0 {
		return false, nil
	}

	pr.metrics.RecordReservation("confirmed")
	pr.logger.Debug().Str("symbol", symbol).Str("token", token).Msg("reservation confirmed")
	return true, nil
}

// Release rolls a reserved delta back. Same resolution contract as Confirm.
func (pr *PositionReservation) Release(ctx context.Context, symbol, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, pr.client,
		[]string{store.ReservationTokensKey(symbol), store.ReservedPositionKey(symbol)},
		token,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("release reservation %s/%s: %w", symbol, token, err)
	}
	if n == 0 {
		return false, nil
	}

	pr.metrics.RecordReservation("released")
	pr.logger.Debug().Str("symbol", symbol).Str("token", token).Msg("reservation released")
	return true, nil
}

// ReservedPosition reads the authoritative reserved counter. A symbol the
// store has never seen reads as 0.
func (pr *PositionReservation) ReservedPosition(ctx context.Context, symbol string) (int64, error) {
	return pr.readCounter(ctx, store.ReservedPositionKey(symbol))
}

// ConfirmedPosition reads the confirmed-deltas counter.
func (pr *PositionReservation) ConfirmedPosition(ctx context.Context, symbol string) (int64, error) {
	return pr.readCounter(ctx, store.ConfirmedPositionKey(symbol))
}

// OutstandingTokens lists unresolved tokens and their deltas for symbol.
// A token that is never confirmed or released leaks its delta in the
// reserved counter; this view is what the reconciliation service sweeps.
func (pr *PositionReservation) OutstandingTokens(ctx context.Context, symbol string) (map[string]int64, error) {
	raw, err := pr.client.HGetAll(ctx, store.ReservationTokensKey(symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("read outstanding tokens for %s: %w", symbol, err)
	}

	tokens := make(map[string]int64, len(raw))
	for token, v := range raw {
		delta, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode token delta %s=%q: %w", token, v, err)
		}
		tokens[token] = delta
	}
	return tokens, nil
}

func (pr *PositionReservation) readCounter(ctx context.Context, key string) (int64, error) {
	v, err := pr.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	return v, nil
}
