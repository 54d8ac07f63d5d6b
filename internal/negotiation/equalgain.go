package negotiation

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/calc"
)

// tieTolerance is the gain difference below which two candidates tie.
var tieTolerance = decimal.New(1, -20)

func quo(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, calc.Precision)
}

// EqualGain trades so both actors gain the same expected utility. With a
// positive randomized value p one of the two gets a random advantage,
// bounded by its maximum utility.
type EqualGain struct {
	p decimal.Decimal
}

// NewEqualGain returns the equal-gain strategy with randomized value p.
// p <= 0 disables the perturbation.
func NewEqualGain(p decimal.Decimal) *EqualGain {
	return &EqualGain{p: p}
}

func (s *EqualGain) Name() string {
	if s.p.IsPositive() {
		return "equal-" + s.p.StringFixed(2)
	}
	return "equal"
}

// P returns the randomized value.
func (s *EqualGain) P() decimal.Decimal { return s.p }

func (s *EqualGain) counter(e *Exchange) counterRatio {
	return func(t Side, ratio decimal.Decimal) decimal.Decimal {
		a, o := e.Side(t), e.Side(t.Opposite())
		return calc.ByExchangeRatio(a.Supply.Salience, a.Demand.Salience, o.Supply.Salience, o.Demand.Salience, ratio)
	}
}

// Calculate moves J all the way to the demand position of I and lets I
// concede the equal-gain amount. If that exceeds what J demands, the roles
// swap.
func (s *EqualGain) Calculate(m *Model, e *Exchange) error {
	e.reset()
	i, j := e.I(), e.J()
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

	eui, euj := e.expectedUtility(SideI), e.expectedUtility(SideJ)
	if !calc.IsGainEqual(eui, euj) {
		return &InvariantError{Exchange: e.ID, EUI: eui, EUJ: euj}
	}
	e.Gain = eui
	i.EU, j.EU = eui, eui

	e.validate()
	if e.Valid && e.Gain.LessThan(calc.Tolerance) {
		e.invalidate()
	}
	if !e.Valid {
		return nil
	}

	for _, t := range []Side{SideI, SideJ} {
		if err := m.checkNBS(e, t, counter, true); err != nil {
			return err
		}
		if !e.Valid {
			return nil
		}
	}
	e.validate()
	if !e.Valid {
		return nil
	}
	i.EU, j.EU = e.Gain, e.Gain
	i.EqualGainVoting, j.EqualGainVoting = i.Y, j.Y
	m.refreshNBS(e)

	if s.p.IsPositive() {
		u, v, z := m.rng.Float64(), m.rng.Float64(), m.rng.Float64()
		s.maximumUtility(m, e)
		if u < 0.5 {
			s.randomizedGain(m, e, SideI, u, v, z)
		} else {
			s.randomizedGain(m, e, SideJ, u, v, z)
		}
	}
	return nil
}

// maximumUtility sets EUMax of both sides: the utility an actor could get if
// the outcome shift of a full concession by the other were its only gain.
func (s *EqualGain) maximumUtility(m *Model, e *Exchange) {
	i, j := e.I(), e.J()

	di := i.NBS0.Sub(m.adjustNBS(e, SideI, j.Demand.Position)).Abs()
	dj := j.NBS0.Sub(m.adjustNBS(e, SideJ, i.Demand.Position)).Abs()

	lossJ := dj.Mul(j.Supply.Salience)
	gainI := dj.Mul(i.Demand.Salience)
	lossI := di.Mul(i.Supply.Salience)
	gainJ := di.Mul(j.Demand.Salience)

	actor, opp, gain, loss := i, j, gainI, lossJ
	if gainI.GreaterThan(gainJ) {
		actor, opp, gain, loss = j, i, gainJ, lossI
	}

	den := actor.Supply.Salience.Add(opp.Demand.Salience)
	if den.IsZero() || actor.Supply.Salience.IsZero() || opp.Demand.Salience.IsZero() {
		return
	}
	share := quo(actor.Supply.Salience, den)
	d2u1 := quo(loss, share.Mul(opp.Demand.Salience))
	d2u2 := quo(gain, share.Mul(actor.Supply.Salience))

	actor.EUMax = gain.Sub(share.Mul(actor.Supply.Salience).Mul(d2u1))
	opp.EUMax = share.Mul(opp.Demand.Salience).Mul(d2u2).Sub(loss)
}

// randomizedGain gives side t a utility between its equal gain and EUMax
// (v < 0.5) or between zero and its equal gain, scaled by p·z. The exchange
// gain stays the equal-gain value.
func (s *EqualGain) randomizedGain(m *Model, e *Exchange, t Side, u, v, z float64) {
	a, opp := e.Side(t), e.Side(t.Opposite())
	a.U, a.V, a.Z = u, v, z
	opp.U, opp.V, opp.Z = u, v, z

	if a.Supply.Salience.IsZero() || a.Demand.Salience.IsZero() {
		return
	}

	eu := e.Gain
	pz := s.p.Mul(decimal.NewFromFloat(z))
	var eui decimal.Decimal
	if v < 0.5 {
		eui = eu.Add(pz.Mul(a.EUMax.Sub(eu)))
	} else {
		eui = eu.Sub(pz.Mul(eu))
	}

	// toward keeps the utility of t at eui for a given supply ratio.
	toward := func(x Side, ratio decimal.Decimal) decimal.Decimal {
		if x == t {
			return quo(eui.Add(ratio.Mul(a.Supply.Salience)), a.Demand.Salience)
		}
		return quo(ratio.Mul(a.Demand.Salience).Sub(eui), a.Supply.Salience)
	}

	denA, denO := m.denominators[a.Supply.Issue], m.denominators[opp.Supply.Issue]
	moveA := a.Supply.Position.Sub(opp.Demand.Position).Abs()
	ratioA := calc.ExchangeRatio(moveA, a.Supply.Salience, a.Supply.Power, denA)
	ratioO := toward(t, ratioA)
	moveO := calc.ReverseMove(ratioO, denO, opp.Supply.stake())

	if dx := opp.Supply.Position.Sub(a.Demand.Position).Abs(); moveO.Abs().GreaterThan(dx) {
		moveO = dx
		ratioO = calc.ExchangeRatio(dx, opp.Supply.Salience, opp.Supply.Power, denO)
		ratioA = toward(t.Opposite(), ratioO)
		if ratioA.IsNegative() {
			m.log.Debug("randomized gain not reachable", "exchange", e.ID)
			e.invalidate()
			return
		}
		moveA = calc.ReverseMove(ratioA, denA, a.Supply.stake())
	}

	e.Ratios[t], e.Ratios[t.Opposite()] = ratioA, ratioO
	e.replaceMove(t, e.signed(t, moveA))
	e.replaceMove(t.Opposite(), e.signed(t.Opposite(), moveO))
	e.validate()
	if !e.Valid {
		return
	}

	for _, x := range []Side{t, t.Opposite()} {
		// unequal utilities are expected here, so checkNBS cannot fail
		_ = m.checkNBS(e, x, toward, false)
		if !e.Valid {
			return
		}
	}
	a.EU, opp.EU = e.expectedUtility(t), e.expectedUtility(t.Opposite())
	m.refreshNBS(e)
}

// HighestGain pops the candidate with the highest gain. Candidates tied at
// the top are drawn uniformly.
func (s *EqualGain) HighestGain(m *Model) (*Exchange, error) {
	if len(m.exchanges) == 0 {
		return nil, nil
	}
	sort.SliceStable(m.exchanges, func(a, b int) bool {
		ga, gb := m.exchanges[a].Gain, m.exchanges[b].Gain
		if c := ga.Cmp(gb); c != 0 {
			return c > 0
		}
		return m.exchanges[a].ID < m.exchanges[b].ID
	})

	top := m.exchanges[0].Gain
	n := 1
	for n < len(m.exchanges) && m.exchanges[n].Gain.Sub(top).Abs().LessThan(tieTolerance) {
		n++
	}
	k := 0
	if n > 1 {
		m.TieCount++
		k = m.rng.Intn(n)
	}
	e := m.exchanges[k]
	m.exchanges = append(m.exchanges[:k], m.exchanges[k+1:]...)
	return e, nil
}
