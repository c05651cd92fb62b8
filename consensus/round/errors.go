package round

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation - payload does not belong to this round. Dropped locally.
	ErrValidation = errors.New("payload validation failed")
	// ErrDuplicate - sender already has an accepted payload in this round.
	ErrDuplicate = errors.New("duplicate payload")
	// ErrConsensusTimeout - round deadline elapsed before the predicate held.
	ErrConsensusTimeout = errors.New("consensus timeout")
	// ErrNotComplete - ResolveEvent called on a round that is still collecting.
	ErrNotComplete = errors.New("round not complete")
)

// TimeoutError describes the timeout of a specific round for logging.
func TimeoutError(id string, height int64) error {
	return fmt.Errorf("%w: round %s (height %d)", ErrConsensusTimeout, id, height)
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
