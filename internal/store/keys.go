package store

import "fmt"

// Logical key layout for the shared safety state.
// All processes that gate orders against the same book must point at the
// same Redis database, so every key lives in one flat namespace.
const (
	// KillSwitchStateKey holds the singleton KillSwitchState JSON blob.
	KillSwitchStateKey = "kill_switch:state"

	// KillSwitchHistoryKey is a list of JSON history entries, newest at tail.
	KillSwitchHistoryKey = "kill_switch:history"

	// BreakerStateKey holds the singleton CircuitBreakerState JSON blob.
	BreakerStateKey = "circuit_breaker:state"

	// BreakerHistoryKey is a sorted set of JSON trip entries scored by
	// trip timestamp, so the newest entry can be located and rewritten.
	BreakerHistoryKey = "circuit_breaker:trip_history"
)

// ReservedPositionKey is the authoritative reserved position counter for a
// symbol: confirmed position plus all in-flight reservations.
func ReservedPositionKey(symbol string) string {
	return fmt.Sprintf("position:reserved:%s", symbol)
}

// ConfirmedPositionKey is the sum of confirmed deltas for a symbol.
func ConfirmedPositionKey(symbol string) string {
	return fmt.Sprintf("position:confirmed:%s", symbol)
}

// ReservationTokensKey is a hash of outstanding reservation tokens for a
// symbol, token -> signed delta.
func ReservationTokensKey(symbol string) string {
	return fmt.Sprintf("position:tokens:%s", symbol)
}
