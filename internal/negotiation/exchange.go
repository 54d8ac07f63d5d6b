package negotiation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/calc"
)

// Side addresses one of the two actors stored inside an Exchange.
type Side int

const (
	SideI Side = iota
	SideJ
)

// Opposite returns the other side of the same exchange.
func (s Side) Opposite() Side {
	return 1 - s
}

func (s Side) String() string {
	if s == SideI {
		return "i"
	}
	return "j"
}

// Holding is the snapshot of a stake taken when the exchange was built.
type Holding struct {
	Issue    string
	Position decimal.Decimal
	Salience decimal.Decimal
	Power    decimal.Decimal
}

func (h Holding) stake() calc.Stake {
	return calc.Stake{Position: h.Position, Salience: h.Salience, Power: h.Power}
}

// ExchangeActor is one side of an exchange: the actor concedes on its supply
// issue and gains on its demand issue.
type ExchangeActor struct {
	Actor  string
	Supply Holding
	Demand Holding

	// StartPosition is the supply position at the start of the round.
	StartPosition decimal.Decimal
	// Y is the proposed voting position on the supply issue.
	Y    decimal.Decimal
	Move decimal.Decimal
	// Moves holds the realized moves on the supply issue followed by the
	// tentative move of this exchange. All entries share one sign.
	Moves []decimal.Decimal

	EU    decimal.Decimal
	EUMax decimal.Decimal
	NBS0  decimal.Decimal
	NBS1  decimal.Decimal

	AdjustedByNBS   bool
	EqualGainVoting decimal.Decimal
	U, V, Z         float64
}

// NewStartPosition smooths the start position toward the voting position
// for the next round.
func (a *ExchangeActor) NewStartPosition(salienceWeight, fixedWeight decimal.Decimal) decimal.Decimal {
	return calc.NewStartPosition(a.Supply.Salience, a.StartPosition, a.Y, salienceWeight, fixedWeight)
}

func (a *ExchangeActor) moveValid(move decimal.Decimal) bool {
	abs := move.Abs()
	if abs.GreaterThan(calc.Max) || abs.LessThanOrEqual(calc.Tolerance) {
		return false
	}
	y := a.Supply.Position.Add(move)
	if y.IsNegative() || y.GreaterThan(calc.Max) {
		return false
	}
	sum := decimal.Zero
	for _, mv := range a.Moves {
		if mv.Sign() != move.Sign() {
			return false
		}
		sum = sum.Add(mv)
	}
	return sum.Abs().LessThanOrEqual(calc.Max)
}

func (a *ExchangeActor) popMove() {
	if n := len(a.Moves); n > 0 {
		a.Moves = a.Moves[:n-1]
	}
}

// Exchange is a candidate trade between two actors on an issue pair. Side J
// supplies P and demands Q, side I supplies Q and demands P.
type Exchange struct {
	ID     int
	Pair   IssuePair
	Groups [2]Group
	Sides  [2]ExchangeActor
	// Ratios holds the supply exchange ratio of each side.
	Ratios [2]decimal.Decimal
	Gain   decimal.Decimal
	Valid  bool
	// Err is ErrMoveInvalid when the last calculation invalidated the candidate.
	Err error

	// Rate is the sampled dq/dp ratio of a random-rate exchange.
	Rate    decimal.Decimal
	sampled bool

	recalculated bool
	// updates holds pending positions of other actors: issue → actor → position.
	updates map[string]map[string]decimal.Decimal
}

// I returns the side supplying Q.
func (e *Exchange) I() *ExchangeActor { return &e.Sides[SideI] }

// J returns the side supplying P.
func (e *Exchange) J() *ExchangeActor { return &e.Sides[SideJ] }

// Side returns side s.
func (e *Exchange) Side(s Side) *ExchangeActor { return &e.Sides[s] }

// DP is the supply ratio of J on issue P.
func (e *Exchange) DP() decimal.Decimal { return e.Ratios[SideJ] }

// DQ is the supply ratio of I on issue Q.
func (e *Exchange) DQ() decimal.Decimal { return e.Ratios[SideI] }

// Recalculated reports whether the exchange was recalculated after another
// exchange realized.
func (e *Exchange) Recalculated() bool { return e.recalculated }

// Update returns the pending position of actor on issue.
func (e *Exchange) Update(issue, actor string) (decimal.Decimal, bool) {
	v, ok := e.updates[issue][actor]
	return v, ok
}

func (e *Exchange) String() string {
	i, j := e.I(), e.J()
	return fmt.Sprintf("%s: %s %s %s→%s, %s %s %s→%s",
		e.Gain.StringFixed(9),
		i.Actor, i.Supply.Issue, i.Supply.Position.StringFixed(2), i.Y.StringFixed(2),
		j.Actor, j.Supply.Issue, j.Supply.Position.StringFixed(2), j.Y.StringFixed(2))
}

// NewExchange builds the candidate between actors i and j on pair. The side
// whose salience ratio s_p/s_q is lower supplies Q.
func (m *Model) NewExchange(i, j string, pair IssuePair, gi, gj Group) (*Exchange, error) {
	inner, err := InnerGroups(gi, gj)
	if err != nil {
		return nil, err
	}
	ip, err := m.holding(pair.P, i)
	if err != nil {
		return nil, err
	}
	iq, err := m.holding(pair.Q, i)
	if err != nil {
		return nil, err
	}
	jp, err := m.holding(pair.P, j)
	if err != nil {
		return nil, err
	}
	jq, err := m.holding(pair.Q, j)
	if err != nil {
		return nil, err
	}

	m.nextID++
	e := &Exchange{
		ID:      m.nextID,
		Pair:    pair,
		Groups:  inner,
		Valid:   true,
		updates: make(map[string]map[string]decimal.Decimal),
	}

	// s_ip/s_iq < s_jp/s_jq, cross-multiplied
	if ip.Salience.Mul(jq.Salience).LessThan(jp.Salience.Mul(iq.Salience)) {
		e.Sides[SideI] = newExchangeActor(j, jq, jp)
		e.Sides[SideJ] = newExchangeActor(i, ip, iq)
	} else {
		e.Sides[SideI] = newExchangeActor(i, iq, ip)
		e.Sides[SideJ] = newExchangeActor(j, jp, jq)
	}
	return e, nil
}

func newExchangeActor(actor string, supply, demand Holding) ExchangeActor {
	return ExchangeActor{
		Actor:         actor,
		Supply:        supply,
		Demand:        demand,
		StartPosition: supply.Position,
	}
}

func (m *Model) holding(issue, actor string) (Holding, error) {
	ai, ok := m.stakes[issue][actor]
	if !ok {
		return Holding{}, fmt.Errorf("%w: %q on %q", ErrMissingEntity, actor, issue)
	}
	return Holding{Issue: issue, Position: ai.Position, Salience: ai.Salience, Power: ai.Power}, nil
}

// reset clears the result of a previous calculation. The move history and
// the pending updates survive.
func (e *Exchange) reset() {
	e.Valid = true
	e.Err = nil
	e.Gain = decimal.Zero
	e.Ratios = [2]decimal.Decimal{}
	for s := range e.Sides {
		a := &e.Sides[s]
		a.Move = decimal.Zero
		a.Y = a.Supply.Position
		a.EU = decimal.Zero
		a.EUMax = decimal.Zero
		a.NBS0 = decimal.Zero
		a.NBS1 = decimal.Zero
		a.AdjustedByNBS = false
		a.U, a.V, a.Z = 0, 0, 0
	}
}

// signed orients the magnitude of a move of side s toward the demand
// position of its counterpart.
func (e *Exchange) signed(s Side, move decimal.Decimal) decimal.Decimal {
	move = move.Abs()
	if e.Sides[s].Supply.Position.GreaterThan(e.Sides[s.Opposite()].Demand.Position) {
		return move.Neg()
	}
	return move
}

// pushMoves orients both moves, records them as tentative and derives y.
func (e *Exchange) pushMoves() {
	for s := range e.Sides {
		a := &e.Sides[s]
		a.Move = e.signed(Side(s), a.Move)
		a.Moves = append(a.Moves, a.Move)
		a.Y = a.Supply.Position.Add(a.Move)
	}
}

// replaceMove swaps the tentative move of side s for move (already signed).
func (e *Exchange) replaceMove(s Side, move decimal.Decimal) {
	a := &e.Sides[s]
	a.popMove()
	a.Move = move
	a.Moves = append(a.Moves, move)
	a.Y = a.Supply.Position.Add(move)
}

// validate checks both tentative moves.
func (e *Exchange) validate() {
	i, j := e.I(), e.J()
	e.Valid = i.moveValid(i.Move) && j.moveValid(j.Move)
	if !e.Valid {
		e.Err = ErrMoveInvalid
	}
}

func (e *Exchange) invalidate() {
	e.Valid = false
	e.Err = ErrMoveInvalid
}

// expectedUtility of side s given the supply ratios of both sides.
func (e *Exchange) expectedUtility(s Side) decimal.Decimal {
	a := &e.Sides[s]
	return calc.ExpectedUtility(e.Ratios[s], e.Ratios[s.Opposite()], a.Supply.Salience, a.Demand.Salience)
}

// counterRatio maps the supply ratio of side s to the supply ratio of the
// opposite side.
type counterRatio func(s Side, ratio decimal.Decimal) decimal.Decimal

// checkNBS keeps the outcome of the supply issue of side s from passing the
// demand position of the counterpart. When it would, the move of s is cut so
// the outcome lands on that position and the counterpart move is derived
// again through counter. With equal set both utilities must match.
func (m *Model) checkNBS(e *Exchange, s Side, counter counterRatio, equal bool) error {
	a, opp := e.Side(s), e.Side(s.Opposite())
	a.NBS0 = m.adjustNBS(e, s, a.Supply.Position)
	a.NBS1 = m.adjustNBS(e, s, a.Y)

	x := opp.Demand.Position
	before, after := x.Sub(a.NBS0), x.Sub(a.NBS1)
	if before.Sign() >= 0 && after.Sign() >= 0 || before.Sign() <= 0 && after.Sign() <= 0 {
		return nil
	}

	target := m.positionForNBS(e, s, x)
	delta := target.Sub(a.Supply.Position).Abs()
	ratio := calc.ExchangeRatio(delta, a.Supply.Salience, a.Supply.Power, m.denominators[a.Supply.Issue])
	oppRatio := counter(s, ratio)
	if oppRatio.IsNegative() {
		e.invalidate()
		return nil
	}
	oppMove := calc.ReverseMove(oppRatio, m.denominators[opp.Supply.Issue], opp.Supply.stake())

	e.Ratios[s] = ratio
	e.Ratios[s.Opposite()] = oppRatio
	e.replaceMove(s, e.signed(s, delta))
	e.replaceMove(s.Opposite(), e.signed(s.Opposite(), oppMove))

	eus, euo := e.expectedUtility(s), e.expectedUtility(s.Opposite())
	if equal {
		if !calc.IsGainEqual(eus, euo) {
			return &InvariantError{Exchange: e.ID, EUI: e.expectedUtility(SideI), EUJ: e.expectedUtility(SideJ)}
		}
		e.Gain = euo
	}
	a.EU, opp.EU = eus, euo

	a.NBS1 = m.adjustNBS(e, s, a.Y)
	if !a.NBS1.Sub(a.Y).Abs().LessThan(calc.Tolerance) {
		m.log.Debug("outcome after nbs adjustment differs from voting position",
			"exchange", e.ID, "nbs_0", a.NBS0.String(), "nbs_1", a.NBS1.String(), "y", a.Y.String())
	}
	a.AdjustedByNBS = true
	e.validate()
	return nil
}

// recalculate brings e in line with the realized exchange r. Sides sharing
// actor and supply issue with r continue from r's voting position; sides
// whose counterpart moved on their demand issue get the new position as a
// pending update. A touched exchange is calculated again.
func (m *Model) recalculate(e, r *Exchange) error {
	var supplied [2]*ExchangeActor
	touched := false
	for s := range e.Sides {
		a := &e.Sides[s]
		for rs := range r.Sides {
			ra := &r.Sides[rs]
			if a.Actor == ra.Actor && a.Supply.Issue == ra.Supply.Issue {
				supplied[s] = ra
				touched = true
				break
			}
		}
	}

	for rs := range r.Sides {
		demander := &r.Sides[rs]
		mover := &r.Sides[Side(rs).Opposite()]
		for s := range e.Sides {
			a := &e.Sides[s]
			if a.Actor == demander.Actor && a.Demand.Issue == demander.Demand.Issue {
				e.setUpdate(demander.Demand.Issue, mover)
				touched = true
				break
			}
		}
	}

	if !touched {
		return nil
	}

	for s := range e.Sides {
		a := &e.Sides[s]
		a.popMove()
		if ra := supplied[s]; ra != nil {
			a.Supply.Position = ra.Y
			if n := len(ra.Moves); n > 0 {
				a.Moves = append(a.Moves, ra.Moves[n-1])
			}
		}
	}
	e.recalculated = true
	return m.strategy.Calculate(m, e)
}

// setUpdate records the voting position of mover on issue. A pending value
// is only replaced by one further from the start position of the mover.
func (e *Exchange) setUpdate(issue string, mover *ExchangeActor) {
	if e.updates[issue] == nil {
		e.updates[issue] = make(map[string]decimal.Decimal)
	}
	prev, ok := e.updates[issue][mover.Actor]
	if ok && prev.Sub(mover.StartPosition).Abs().GreaterThanOrEqual(mover.Y.Sub(mover.StartPosition).Abs()) {
		return
	}
	e.updates[issue][mover.Actor] = mover.Y
}
