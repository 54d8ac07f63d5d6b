package simulation

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/calc"
	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/negotiation"
)

// Snapshot phases.
const (
	PhaseBefore = "before"
	PhaseAfter  = "after"
)

// Externality kinds.
const (
	KindOwn           = "own"
	KindInnerPositive = "inner_positive"
	KindInnerNegative = "inner_negative"
	KindOuterPositive = "outer_positive"
	KindOuterNegative = "outer_negative"
)

// scale converts internal values of the model back to raw issue units.
type scale map[string]model.Issue

func newScale(m *negotiation.Model) scale {
	s := make(scale, len(m.Issues()))
	for _, issue := range m.Issues() {
		s[issue.ID] = issue
	}
	return s
}

func (s scale) position(issue string, v decimal.Decimal) decimal.Decimal {
	return s[issue].Denormalize(v)
}

func (s scale) distance(issue string, v decimal.Decimal) decimal.Decimal {
	i := s[issue]
	if i.Lower == nil || i.Delta().IsZero() {
		return v
	}
	return v.Mul(i.Delta()).DivRound(model.Scale, calc.Precision)
}

func (s scale) side(a *negotiation.ExchangeActor, opp *negotiation.ExchangeActor) model.ExchangeSide {
	sup := a.Supply.Issue
	return model.ExchangeSide{
		Actor:           a.Actor,
		SupplyIssue:     sup,
		DemandIssue:     a.Demand.Issue,
		Power:           a.Supply.Power,
		SupplySalience:  a.Supply.Salience,
		DemandSalience:  a.Demand.Salience,
		StartPosition:   s.position(sup, a.StartPosition),
		Move:            s.distance(sup, a.Move),
		Voting:          s.position(sup, a.Y),
		EqualGainVoting: s.position(sup, a.EqualGainVoting),
		OppositeDemand:  s.position(sup, opp.Demand.Position),
		EU:              a.EU,
		EUMax:           a.EUMax,
		NBS0:            s.position(sup, a.NBS0),
		NBS1:            s.position(sup, a.NBS1),
		AdjustedByNBS:   a.AdjustedByNBS,
		U:               a.U,
		V:               a.V,
		Z:               a.Z,
	}
}

func (s scale) record(e *negotiation.Exchange, meta Meta, iteration, sequence int) model.ExchangeRecord {
	return model.ExchangeRecord{
		ID:         uuid.NewString(),
		RunID:      meta.RunID,
		P:          meta.P,
		Repetition: meta.Repetition,
		Iteration:  iteration,
		Sequence:   sequence,
		Gain:       e.Gain,
		DP:         e.DP(),
		DQ:         e.DQ(),
		I:          s.side(e.I(), e.J()),
		J:          s.side(e.J(), e.I()),
	}
}

// snapshots captures every issue of m in raw units.
func (s scale) snapshots(m *negotiation.Model, meta Meta, iteration int, phase string) []model.IssueSnapshot {
	out := make([]model.IssueSnapshot, 0, len(m.Issues()))
	for _, issue := range m.Issues() {
		ais := m.ActorIssues(issue.ID)
		nbs := s.position(issue.ID, m.NBS(issue.ID))
		positions := make(map[string]decimal.Decimal, len(ais))
		values := make([]decimal.Decimal, 0, len(ais))
		for _, ai := range ais {
			x := s.position(issue.ID, ai.Position)
			positions[ai.Actor] = x
			values = append(values, x)
		}
		out = append(out, model.IssueSnapshot{
			RunID:       meta.RunID,
			P:           meta.P,
			Repetition:  meta.Repetition,
			Iteration:   iteration,
			Phase:       phase,
			Issue:       issue.ID,
			NBS:         nbs,
			Denominator: m.Denominator(issue.ID),
			Variance:    calc.NBSVariance(values, nbs),
			Positions:   positions,
		})
	}
	return out
}

// externalities computes the effect of the realized exchange e on every
// actor holding both issues of its pair. The two exchanging actors get their
// own utility; the others are classified by membership of the inner groups.
func externalities(m *negotiation.Model, e *negotiation.Exchange, rec model.ExchangeRecord) []model.Externality {
	i, j := e.I(), e.J()
	p, q := j.Supply.Issue, i.Supply.Issue

	var out []model.Externality
	for _, actor := range m.Actors() {
		ext := model.Externality{
			RunID:      rec.RunID,
			ExchangeID: rec.ID,
			P:          rec.P,
			Repetition: rec.Repetition,
			Iteration:  rec.Iteration,
			Actor:      actor.ID,
		}
		switch actor.ID {
		case i.Actor:
			ext.Kind, ext.Value = KindOwn, i.EU
			out = append(out, ext)
			continue
		case j.Actor:
			ext.Kind, ext.Value = KindOwn, j.EU
			out = append(out, ext)
			continue
		}

		ap, okp := m.ActorIssue(p, actor.ID)
		aq, okq := m.ActorIssue(q, actor.ID)
		if !okp || !okq {
			continue
		}
		ext.Value = calc.Externality(
			calc.Stake{Position: ap.Position, Salience: ap.Salience, Power: ap.Power},
			calc.Stake{Position: aq.Position, Salience: aq.Salience, Power: aq.Power},
			j.NBS0, j.NBS1, i.NBS0, i.NBS1,
		)

		inner := m.IsInnerGroupMember(actor.ID, p, q, e.Groups)
		positive := ext.Value.IsPositive()
		switch {
		case inner && positive:
			ext.Kind = KindInnerPositive
		case inner:
			ext.Kind = KindInnerNegative
		case positive:
			ext.Kind = KindOuterPositive
		default:
			ext.Kind = KindOuterNegative
		}
		out = append(out, ext)
	}
	return out
}
