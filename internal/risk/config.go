package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PositionLimits bounds per-symbol position size.
type PositionLimits struct {
	// MaxPositionSize is the largest absolute position (in units) allowed
	// for any single symbol.
	MaxPositionSize int64

	// MaxPositionPct is the largest fraction of portfolio value a single
	// position's notional may represent, in (0.01, 1.00].
	MaxPositionPct decimal.Decimal
}

// PortfolioLimits bounds aggregate exposure across all symbols.
type PortfolioLimits struct {
	MaxTotalNotional decimal.Decimal
	MaxLongExposure  decimal.Decimal
	MaxShortExposure decimal.Decimal
}

// LossLimits carries the thresholds a loss-limit evaluator trips the
// breaker against. DailyLossLimit is a positive number: trip when realized
// pnl drops below its negation.
type LossLimits struct {
	DailyLossLimit decimal.Decimal
	MaxDrawdownPct decimal.Decimal
}

// RiskConfig is built once at startup, validated, and never mutated. The
// values come from the quant layer; this subsystem only enforces them.
type RiskConfig struct {
	Position  PositionLimits
	Portfolio PortfolioLimits
	Loss      LossLimits
	Blacklist map[string]struct{}
}

var (
	minFraction     = decimal.NewFromFloat(0.01)
	maxPositionFrac = decimal.NewFromInt(1)
	maxDrawdownFrac = decimal.NewFromFloat(0.50)
)

// DefaultRiskConfig returns conservative limits suitable as a starting
// point. Production deployments replace every value.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		Position: PositionLimits{
			MaxPositionSize: 1000,
			MaxPositionPct:  decimal.NewFromFloat(0.10),
		},
		Portfolio: PortfolioLimits{
			MaxTotalNotional: decimal.NewFromInt(1_000_000),
			MaxLongExposure:  decimal.NewFromInt(600_000),
			MaxShortExposure: decimal.NewFromInt(400_000),
		},
		Loss: LossLimits{
			DailyLossLimit: decimal.NewFromInt(50_000),
			MaxDrawdownPct: decimal.NewFromFloat(0.20),
		},
	}
}

// Validate enforces the configured ranges. Called once at construction;
// a config that fails validation must never reach a Checker.
func (c RiskConfig) Validate() error {
	if c.Position.MaxPositionSize < 1 {
		return fmt.Errorf("max_position_size must be >= 1, got %d", c.Position.MaxPositionSize)
	}
	if c.Position.MaxPositionPct.LessThan(minFraction) || c.Position.MaxPositionPct.GreaterThan(maxPositionFrac) {
		return fmt.Errorf("max_position_pct must be in [0.01, 1.00], got %s", c.Position.MaxPositionPct)
	}
	if c.Portfolio.MaxTotalNotional.IsNegative() {
		return fmt.Errorf("max_total_notional must be >= 0, got %s", c.Portfolio.MaxTotalNotional)
	}
	if c.Portfolio.MaxLongExposure.IsNegative() {
		return fmt.Errorf("max_long_exposure must be >= 0, got %s", c.Portfolio.MaxLongExposure)
	}
	if c.Portfolio.MaxShortExposure.IsNegative() {
		return fmt.Errorf("max_short_exposure must be >= 0, got %s", c.Portfolio.MaxShortExposure)
	}
	if c.Loss.DailyLossLimit.IsNegative() {
		return fmt.Errorf("daily_loss_limit must be >= 0, got %s", c.Loss.DailyLossLimit)
	}
	if c.Loss.MaxDrawdownPct.LessThan(minFraction) || c.Loss.MaxDrawdownPct.GreaterThan(maxDrawdownFrac) {
		return fmt.Errorf("max_drawdown_pct must be in [0.01, 0.50], got %s", c.Loss.MaxDrawdownPct)
	}
	return nil
}

// IsBlacklisted reports whether trading in symbol is prohibited outright.
func (c RiskConfig) IsBlacklisted(symbol string) bool {
	_, ok := c.Blacklist[symbol]
	return ok
}
