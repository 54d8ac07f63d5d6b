package negotiation

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/calc"
)

// DeadlockLimit is the number of matching passes allowed at one pool size
// before the random-rate matching gives up.
const DeadlockLimit = 1024

// RandomRate trades at a random exchange rate between the salience ratios of
// both actors. Utilities differ; the matching searches for an exchange that
// is the best option of both its actors.
type RandomRate struct{}

// NewRandomRate returns the random-rate strategy.
func NewRandomRate() *RandomRate {
	return &RandomRate{}
}

func (s *RandomRate) Name() string { return "random" }

func (s *RandomRate) counter(e *Exchange) counterRatio {
	return func(t Side, ratio decimal.Decimal) decimal.Decimal {
		if t == SideJ {
			return e.Rate.Mul(ratio)
		}
		if e.Rate.IsZero() {
			return decimal.Zero
		}
		return quo(ratio, e.Rate)
	}
}

// Calculate samples the rate dq/dp once per exchange. Recalculations reuse it.
func (s *RandomRate) Calculate(m *Model, e *Exchange) error {
	e.reset()
	i, j := e.I(), e.J()

	if !e.sampled {
		if j.Demand.Salience.IsZero() || i.Supply.Salience.IsZero() {
			e.invalidate()
			return nil
		}
		lo := quo(j.Supply.Salience, j.Demand.Salience)
		hi := quo(i.Demand.Salience, i.Supply.Salience)
		if lo.GreaterThan(hi) {
			lo, hi = hi, lo
		}
		e.Rate = lo.Add(hi.Sub(lo).Mul(decimal.NewFromFloat(m.rng.Float64())))
		e.sampled = true
	}
	if !e.Rate.IsPositive() {
		e.invalidate()
		return nil
	}

	denP, denQ := m.denominators[j.Supply.Issue], m.denominators[i.Supply.Issue]
	counter := s.counter(e)

	dp := calc.ByAbsoluteMove(i.Demand.Position, j.Supply.stake(), denP)
	dq := counter(SideJ, dp)
	i.Move = calc.ReverseMove(dq, denQ, i.Supply.stake())
	j.Move = i.Demand.Position.Sub(j.Supply.Position).Abs()

	if bound := j.Demand.Position.Sub(i.Supply.Position).Abs(); i.Move.Abs().GreaterThan(bound) {
		dq = calc.ByAbsoluteMove(j.Demand.Position, i.Supply.stake(), denQ)
		dp = counter(SideI, dq)
		i.Move = bound
		j.Move = calc.ReverseMove(dp, denP, j.Supply.stake())
	}

	e.Ratios[SideI], e.Ratios[SideJ] = dq, dp
	e.pushMoves()
	i.EU, j.EU = e.expectedUtility(SideI), e.expectedUtility(SideJ)
	e.Gain = decimal.Min(i.EU, j.EU)

	e.validate()
	if !e.Valid {
		return nil
	}
	for _, t := range []Side{SideI, SideJ} {
		_ = m.checkNBS(e, t, counter, false)
		if !e.Valid {
			return nil
		}
	}
	e.Gain = decimal.Min(i.EU, j.EU)
	m.refreshNBS(e)
	return nil
}

type rankedSide struct {
	e    *Exchange
	side Side
	eu   decimal.Decimal
}

// HighestGain looks for an exchange where both actors reach their highest
// utility over all their candidates. While there is none, every actor's
// highest candidates are lowered to its second best and the difference is
// passed to the counterpart. The pool is cleared with ErrMatchingDeadlock
// when a pool size repeats more than DeadlockLimit times.
func (s *RandomRate) HighestGain(m *Model) (*Exchange, error) {
	deadlock := make(map[int]int)

	for {
		m.dropInvalid()
		if len(m.exchanges) == 0 {
			return nil, nil
		}

		deadlock[len(m.exchanges)]++
		if deadlock[len(m.exchanges)] > m.deadlockLimit {
			m.log.Info("matching deadlock, clearing candidates", "exchanges", len(m.exchanges))
			for _, e := range m.exchanges {
				m.log.Debug("deadlocked candidate", "exchange", e.String())
			}
			m.exchanges = m.exchanges[:0]
			m.Deadlocks++
			return nil, ErrMatchingDeadlock
		}

		ranked := make([]rankedSide, 0, 2*len(m.exchanges))
		for _, e := range m.exchanges {
			ranked = append(ranked, rankedSide{e, SideI, e.I().EU}, rankedSide{e, SideJ, e.J().EU})
		}
		sort.SliceStable(ranked, func(a, b int) bool {
			if c := ranked[a].eu.Cmp(ranked[b].eu); c != 0 {
				return c > 0
			}
			if ranked[a].e.ID != ranked[b].e.ID {
				return ranked[a].e.ID < ranked[b].e.ID
			}
			return ranked[a].side < ranked[b].side
		})

		highest := make(map[string]decimal.Decimal)
		marked := make(map[int]bool)
		var order []string
		byActor := make(map[string][]rankedSide)

		for _, r := range ranked {
			actor := r.e.Side(r.side).Actor
			if _, ok := byActor[actor]; !ok {
				order = append(order, actor)
			}
			byActor[actor] = append(byActor[actor], r)

			h, ok := highest[actor]
			if !ok {
				highest[actor] = r.eu
			} else if !r.eu.Equal(h) {
				continue
			}
			if marked[r.e.ID] {
				m.removeExchange(r.e)
				return r.e, nil
			}
			marked[r.e.ID] = true
		}

		for _, actor := range order {
			list := byActor[actor]
			if len(list) < 2 {
				continue
			}
			top := list[0].eu
			var second *decimal.Decimal
			for _, r := range list[1:] {
				if !r.eu.Equal(top) {
					v := r.eu
					second = &v
					break
				}
			}
			if second == nil {
				continue
			}
			delta := top.Sub(*second)
			for _, r := range list {
				if !r.eu.Equal(top) {
					break
				}
				s.lower(m, r.e, r.side, delta)
			}
		}
	}
}

// lower takes delta utility from side t by shifting one of the two voting
// positions. The counterpart gains delta weighted by its supply salience.
func (s *RandomRate) lower(m *Model, e *Exchange, t Side, delta decimal.Decimal) {
	self, opp := e.Side(t), e.Side(t.Opposite())
	switch {
	case self.Y.Equal(opp.Demand.Position):
		s.shift(m, e, t.Opposite(), delta, false)
	case opp.Y.Equal(self.Demand.Position):
		s.shift(m, e, t, delta, true)
	default:
		s.shift(m, e, t.Opposite(), delta, false)
	}
	self.EU = self.EU.Sub(delta)
	opp.EU = opp.EU.Add(delta.Mul(opp.Supply.Salience))
}

// shift moves the outcome of the supply issue of side t by deltaEU/s_sup,
// further in the direction of the exchange when increase is set and back
// otherwise. An increase stops at the demand position of the counterpart;
// the remainder becomes a decrease of the counterpart.
func (s *RandomRate) shift(m *Model, e *Exchange, t Side, deltaEU decimal.Decimal, increase bool) {
	a, opp := e.Side(t), e.Side(t.Opposite())
	if a.Supply.Salience.IsZero() {
		return
	}

	deltaO := quo(deltaEU, a.Supply.Salience)
	if a.NBS1.LessThan(a.NBS0) {
		deltaO = deltaO.Neg()
	}
	if !increase {
		deltaO = deltaO.Neg()
	}

	outcome := a.NBS1.Add(deltaO)
	position := m.positionForNBS(e, t, outcome)

	if increase && (deltaO.IsNegative() && position.LessThan(opp.Demand.Position) ||
		deltaO.IsPositive() && position.GreaterThan(opp.Demand.Position)) {
		position = opp.Demand.Position
		outcome = m.adjustNBS(e, t, position)
		left := deltaO.Abs().Sub(outcome.Sub(a.NBS1).Abs())
		if left.IsPositive() {
			s.shift(m, e, t.Opposite(), left.Mul(a.Supply.Salience), false)
		}
	}

	e.replaceMove(t, position.Sub(a.Supply.Position))
	if !a.moveValid(a.Move) {
		e.invalidate()
		return
	}
	a.NBS1 = outcome
}

func (m *Model) dropInvalid() {
	valid := m.exchanges[:0]
	for _, e := range m.exchanges {
		if e.Valid {
			valid = append(valid, e)
		}
	}
	m.exchanges = valid
}
