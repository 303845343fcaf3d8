package risk

import "errors"

// Error taxonomy for the safety controls. Rejected orders are not errors:
// they come back as a Decision with Allowed=false. Errors mean either an
// invalid state transition, a programmer mistake, or that the subsystem
// cannot prove the true safety state, in which case the caller must treat
// the entire submission path as down.
var (
	// ErrAlreadyEngaged is returned by Engage when the kill switch is
	// already ENGAGED. Never retried.
	ErrAlreadyEngaged = errors.New("kill switch already engaged")

	// ErrNotEngaged is returned by Disengage when the kill switch is ACTIVE.
	ErrNotEngaged = errors.New("kill switch not engaged")

	// ErrNotTripped is returned by Reset when the breaker is not TRIPPED.
	ErrNotTripped = errors.New("circuit breaker not tripped")

	// ErrStateMissing means the store has no record for a control that must
	// have one. The record can only vanish through store data loss, and
	// defaulting to "not halted" could silently resume trading an operator
	// explicitly stopped. Always fatal to the calling operation.
	ErrStateMissing = errors.New("safety control state missing from store")

	// ErrConcurrentModification means an optimistic transaction kept
	// conflicting with another writer past the retry bound. Callers treat it
	// like ErrStateMissing: the safety state could not be determined.
	ErrConcurrentModification = errors.New("concurrent modification of safety state, retries exhausted")

	// ErrInvalidSide marks a programmer error in the order side argument.
	ErrInvalidSide = errors.New("invalid order side")
)
