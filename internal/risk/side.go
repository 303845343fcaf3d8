package risk

import (
	"fmt"
	"strings"
)

// Side is the direction of an order.
type Side int32

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// ParseSide maps "buy"/"sell" (any case) to a Side.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return SideUnknown, fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
}

// projectPosition applies a signed fill to a position: buys add, sells
// subtract. Crossing zero (long to short or back) is a normal outcome,
// not an error.
func projectPosition(current int64, side Side, qty int64) (int64, error) {
	switch side {
	case SideBuy:
		return current + qty, nil
	case SideSell:
		return current - qty, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidSide, side)
	}
}

// signedDelta is the position delta an order would commit if filled.
func signedDelta(side Side, qty int64) (int64, error) {
	switch side {
	case SideBuy:
		return qty, nil
	case SideSell:
		return -qty, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidSide, side)
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
