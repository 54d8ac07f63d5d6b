package negotiation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvariantViolation is returned when an equal-gain exchange ends up
	// with unequal utilities. Fatal for the repetition.
	ErrInvariantViolation = errors.New("negotiation: equal gain invariant violated")

	// ErrInvalidGroupCombination is returned when two actors outside the
	// a-d or b-c group pairs are combined into an exchange. Fatal.
	ErrInvalidGroupCombination = errors.New("negotiation: actors can only exchange between groups a-d or b-c")

	// ErrMissingEntity is returned when an actor or issue is not part of the model. Fatal.
	ErrMissingEntity = errors.New("negotiation: actor or issue not found")

	// ErrDuplicateEntity is returned when an actor or issue is added twice.
	ErrDuplicateEntity = errors.New("negotiation: actor or issue already exists")

	// ErrMoveInvalid marks a candidate whose move leaves the scale, exceeds the
	// cumulative bound or reverses direction. The candidate is dropped.
	ErrMoveInvalid = errors.New("negotiation: move out of bounds")

	// ErrMatchingDeadlock is returned by the random-rate matching when the
	// candidate pool stops shrinking. The remaining candidates are cleared.
	ErrMatchingDeadlock = errors.New("negotiation: matching deadlock")

	// ErrUnknownModel is returned for a model name other than equal or random.
	ErrUnknownModel = errors.New("negotiation: unknown model")
)

// InvariantError carries the two utilities that should have been equal.
type InvariantError struct {
	Exchange int
	EUI      decimal.Decimal
	EUJ      decimal.Decimal
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("negotiation: exchange %d: expected equal gain, got %s and %s (diff %s)",
		e.Exchange, e.EUI, e.EUJ, e.EUI.Sub(e.EUJ).Abs())
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

// Recoverable reports whether err is absorbed by the drain loop instead of
// aborting the repetition.
func Recoverable(err error) bool {
	return errors.Is(err, ErrMoveInvalid) || errors.Is(err, ErrMatchingDeadlock)
}
