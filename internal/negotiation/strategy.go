package negotiation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/model"
)

// Strategy computes candidate exchanges and selects the next one to realize.
// A strategy is chosen once per Model.
type Strategy interface {
	// Name identifies the strategy in records, e.g. "equal", "equal-0.50" or "random".
	Name() string
	// Calculate derives moves, ratios and utilities of e. A returned error is
	// fatal; a candidate that merely became invalid has e.Valid == false.
	Calculate(m *Model, e *Exchange) error
	// HighestGain removes the next exchange from the pool of m.
	HighestGain(m *Model) (*Exchange, error)
}

// NewStrategy returns the strategy registered under name. p is the
// randomized value of the equal-gain strategy and ignored otherwise.
func NewStrategy(name string, p decimal.Decimal) (Strategy, error) {
	switch name {
	case model.ModelEqualGain:
		return NewEqualGain(p), nil
	case model.ModelRandomRate:
		return NewRandomRate(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
}

// refreshNBS recomputes the outcomes before and after the exchange for both sides.
func (m *Model) refreshNBS(e *Exchange) {
	for s := range e.Sides {
		a := &e.Sides[s]
		a.NBS0 = m.adjustNBS(e, Side(s), a.Supply.Position)
		a.NBS1 = m.adjustNBS(e, Side(s), a.Y)
	}
}
