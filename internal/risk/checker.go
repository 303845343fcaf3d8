package risk

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"RiskGate/internal/observability"
)

// Decision is an admission verdict. A rejection is an ordinary outcome
// carrying the first failing check's reason; it is never an error. Errors
// from the checker mean the safety state could not be determined and the
// caller must stop submitting everything, not just this order.
type Decision struct {
	Allowed bool
	Reason  string
}

var (
	allow = Decision{Allowed: true}

	hundred = decimal.NewFromInt(100)
)

func reject(format string, args ...interface{}) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// OrderCheck is one candidate order. CurrentPrice and PortfolioValue are
// optional: the percentage limit is evaluated only when both are positive.
type OrderCheck struct {
	Symbol            string
	Side              Side
	Qty               int64
	CurrentPosition   int64
	CurrentPrice      decimal.Decimal
	PortfolioValue    decimal.Decimal
	SkipPositionLimit bool
}

// PortfolioPosition is one line of the book for exposure checks.
type PortfolioPosition struct {
	Symbol string
	Qty    int64
	Price  decimal.Decimal
}

// Checker composes the halt controls and static limits into a single
// ordered admission pipeline. It holds no mutable state of its own: the
// config is immutable and every halt check re-reads the store, so a stale
// in-process value can never admit an order the operator has halted.
type Checker struct {
	cfg          RiskConfig
	kill         *KillSwitch
	breaker      *CircuitBreaker
	reservations *PositionReservation
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

// NewChecker validates cfg once and wires the collaborators. reservations
// may be nil, in which case ValidateOrderWithReservation degrades to the
// plain position check.
func NewChecker(cfg RiskConfig, kill *KillSwitch, breaker *CircuitBreaker, reservations *PositionReservation, logger zerolog.Logger, metrics *observability.Metrics) (*Checker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("risk config: %w", err)
	}
	if kill == nil || breaker == nil {
		return nil, fmt.Errorf("checker requires kill switch and circuit breaker")
	}
	return &Checker{
		cfg:          cfg,
		kill:         kill,
		breaker:      breaker,
		reservations: reservations,
		logger:       logger.With().Str("component", "risk_checker").Logger(),
		metrics:      metrics,
	}, nil
}

// ValidateOrder runs the ordered, fail-fast admission pipeline:
// kill switch, circuit breaker, blacklist, position size, then the
// opportunistic percentage limit. The first failing check's reason wins
// and later checks do not run.
func (c *Checker) ValidateOrder(ctx context.Context, req OrderCheck) (Decision, error) {
	d, err := c.checkHalts(ctx, req.Symbol)
	if err != nil {
		return Decision{}, err
	}
	if !d.Allowed {
		return c.record(req, d), nil
	}

	if !req.SkipPositionLimit {
		newPosition, err := projectPosition(req.CurrentPosition, req.Side, req.Qty)
		if err != nil {
			return Decision{}, err
		}
		if abs64(newPosition) > c.cfg.Position.MaxPositionSize {
			return c.record(req, reject("Position limit exceeded: %d would exceed max position size %d",
				newPosition, c.cfg.Position.MaxPositionSize)), nil
		}
	}

	if d := c.checkPositionPct(req); !d.Allowed {
		return c.record(req, d), nil
	}

	return c.record(req, allow), nil
}

// ValidateOrderWithReservation runs the halt and blacklist checks, then
// replaces the static position check with an atomic store-side
// reservation. The returned ReservationResult, when non-nil and
// successful, carries a token the caller owns: Confirm on fill, Release
// on rejection or cancel, including the case where this method itself
// rejects the order on a later check.
func (c *Checker) ValidateOrderWithReservation(ctx context.Context, req OrderCheck) (Decision, *ReservationResult, error) {
	if c.reservations == nil {
		d, err := c.ValidateOrder(ctx, req)
		return d, nil, err
	}

	d, err := c.checkHalts(ctx, req.Symbol)
	if err != nil {
		return Decision{}, nil, err
	}
	if !d.Allowed {
		return c.record(req, d), nil, nil
	}

	res, err := c.reservations.Reserve(ctx, req.Symbol, req.Side, req.Qty,
		c.cfg.Position.MaxPositionSize, req.CurrentPosition)
	if err != nil {
		return Decision{}, nil, err
	}
	if !res.Success {
		return c.record(req, Decision{Reason: res.Reason}), res, nil
	}

	// The percentage limit still runs against the caller-supplied view;
	// the reservation only guards the unit-size counter.
	if d := c.checkPositionPct(req); !d.Allowed {
		return c.record(req, d), res, nil
	}

	return c.record(req, allow), res, nil
}

// checkHalts runs checks 0-2: kill switch, breaker, blacklist.
func (c *Checker) checkHalts(ctx context.Context, symbol string) (Decision, error) {
	engaged, err := c.kill.IsEngaged(ctx)
	if err != nil {
		return Decision{}, err
	}
	if engaged {
		return reject("Kill switch ENGAGED: all trading halted"), nil
	}

	tripped, err := c.breaker.IsTripped(ctx)
	if err != nil {
		return Decision{}, err
	}
	if tripped {
		reason, err := c.breaker.TripReason(ctx)
		if err != nil {
			return Decision{}, err
		}
		return reject("Circuit breaker TRIPPED: %s", reason), nil
	}

	if c.cfg.IsBlacklisted(symbol) {
		return reject("Symbol %s is blacklisted", symbol), nil
	}

	return allow, nil
}

// checkPositionPct enforces the notional-share limit when both price and
// portfolio value are known. Missing inputs skip the check: percentage
// limits are opportunistic, not required.
func (c *Checker) checkPositionPct(req OrderCheck) Decision {
	if !req.CurrentPrice.IsPositive() || !req.PortfolioValue.IsPositive() {
		return allow
	}

	notional := req.CurrentPrice.Mul(decimal.NewFromInt(req.Qty))
	pct := notional.Div(req.PortfolioValue)
	if pct.GreaterThan(c.cfg.Position.MaxPositionPct) {
		return reject("Position pct limit exceeded: %s%% ($%s notional of $%s portfolio) would exceed max %s%%",
			pct.Mul(hundred).Round(2), notional.Round(2), req.PortfolioValue.Round(2),
			c.cfg.Position.MaxPositionPct.Mul(hundred).Round(2))
	}
	return allow
}

// CheckPortfolioExposure validates aggregate exposure across the whole
// book: total notional first, then long, then short. Zero-quantity lines
// are ignored; an empty book passes.
func (c *Checker) CheckPortfolioExposure(positions []PortfolioPosition) Decision {
	total := decimal.Zero
	long := decimal.Zero
	short := decimal.Zero

	for _, p := range positions {
		if p.Qty == 0 {
			continue
		}
		notional := p.Price.Mul(decimal.NewFromInt(p.Qty))
		total = total.Add(notional.Abs())
		if p.Qty > 0 {
			long = long.Add(notional)
		} else {
			short = short.Add(notional.Abs())
		}
	}

	if total.GreaterThan(c.cfg.Portfolio.MaxTotalNotional) {
		return reject("Total notional exposure $%s exceeds limit $%s",
			total.Round(2), c.cfg.Portfolio.MaxTotalNotional.Round(2))
	}
	if long.GreaterThan(c.cfg.Portfolio.MaxLongExposure) {
		return reject("Long exposure $%s exceeds limit $%s",
			long.Round(2), c.cfg.Portfolio.MaxLongExposure.Round(2))
	}
	if short.GreaterThan(c.cfg.Portfolio.MaxShortExposure) {
		return reject("Short exposure $%s exceeds limit $%s",
			short.Round(2), c.cfg.Portfolio.MaxShortExposure.Round(2))
	}
	return allow
}

// ConfirmReservation finalizes a token via the configured reservation
// collaborator. Returns false, not an error, when none is configured.
func (c *Checker) ConfirmReservation(ctx context.Context, symbol, token string) (bool, error) {
	if c.reservations == nil {
		return false, nil
	}
	return c.reservations.Confirm(ctx, symbol, token)
}

// ReleaseReservation mirrors ConfirmReservation for rollback.
func (c *Checker) ReleaseReservation(ctx context.Context, symbol, token string) (bool, error) {
	if c.reservations == nil {
		return false, nil
	}
	return c.reservations.Release(ctx, symbol, token)
}

func (c *Checker) record(req OrderCheck, d Decision) Decision {
	c.metrics.RecordOrderChecked(d.Allowed)
	if !d.Allowed && d.Reason != "" {
		c.metrics.RecordOrderRejected()
		c.logger.Info().
			Str("symbol", req.Symbol).
			Str("side", req.Side.String()).
			Int64("qty", req.Qty).
			Str("reason", d.Reason).
			Msg("order rejected")
	}
	return d
}
