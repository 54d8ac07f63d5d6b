// Package negotiation is the exchange engine of the Coleman–Stokman model.
//
// A Model holds the stakes of every actor on every issue. Each round the
// caller computes the outcomes (CalcNBS), classifies actors relative to them
// (DeterminePositions), builds the candidate exchanges
// (CalcCombinations, DetermineGroupsAndCalculateExchanges) and drains the
// pool with HighestGain and RemoveInvalidExchanges until it is empty.
//
// The stakes are never mutated while the pool is drained: candidates work
// on their own snapshot plus a per-exchange overlay of pending positions.
// A Model is not safe for concurrent use.
package negotiation

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/calc"
	"github.com/atmx/exchange-engine/internal/model"
)

// ActorIssue is the mutable stake of an actor on an issue.
type ActorIssue struct {
	Actor    string
	Issue    string
	Position decimal.Decimal
	Salience decimal.Decimal
	Power    decimal.Decimal
	// Left is true when Position <= NBS of the issue.
	Left bool
}

func (a *ActorIssue) stake() calc.Stake {
	return calc.Stake{Position: a.Position, Salience: a.Salience, Power: a.Power}
}

// Options configure a Model.
type Options struct {
	Strategy Strategy
	Rand     *rand.Rand
	Logger   *slog.Logger
}

// Model owns the state of one repetition.
type Model struct {
	actors       []model.Actor
	actorIndex   map[string]int
	issues       []model.Issue
	issueIndex   map[string]int
	stakes       map[string]map[string]*ActorIssue // issue → actor
	nbs          map[string]decimal.Decimal
	denominators map[string]decimal.Decimal
	combinations []IssuePair
	groups       map[IssuePair]Groups
	exchanges    []*Exchange

	strategy Strategy
	rng      *rand.Rand
	log      *slog.Logger
	nextID   int

	// TieCount counts equal-gain draws between candidates with the same gain.
	TieCount int
	// Deadlocks counts cleared random-rate matchings.
	Deadlocks int

	deadlockLimit int
}

// NewModel creates an empty model. A nil strategy defaults to equal gain
// without randomization, a nil source to a fixed seed.
func NewModel(opts Options) *Model {
	if opts.Strategy == nil {
		opts.Strategy = NewEqualGain(decimal.Zero)
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(1))
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Model{
		actorIndex:    make(map[string]int),
		issueIndex:    make(map[string]int),
		stakes:        make(map[string]map[string]*ActorIssue),
		nbs:           make(map[string]decimal.Decimal),
		denominators:  make(map[string]decimal.Decimal),
		groups:        make(map[IssuePair]Groups),
		strategy:      opts.Strategy,
		rng:           opts.Rand,
		log:           opts.Logger,
		deadlockLimit: DeadlockLimit,
	}
}

// AddActor registers an actor.
func (m *Model) AddActor(a model.Actor) error {
	if _, ok := m.actorIndex[a.ID]; ok {
		return fmt.Errorf("%w: actor %q", ErrDuplicateEntity, a.ID)
	}
	m.actorIndex[a.ID] = len(m.actors)
	m.actors = append(m.actors, a)
	return nil
}

// AddIssue registers an issue.
func (m *Model) AddIssue(i model.Issue) error {
	if _, ok := m.issueIndex[i.ID]; ok {
		return fmt.Errorf("%w: issue %q", ErrDuplicateEntity, i.ID)
	}
	m.issueIndex[i.ID] = len(m.issues)
	m.issues = append(m.issues, i)
	m.stakes[i.ID] = make(map[string]*ActorIssue)
	return nil
}

// AddActorIssue sets the stake of a registered actor on a registered issue.
// Position is expected on the 0–100 scale.
func (m *Model) AddActorIssue(actor, issue string, position, salience, power decimal.Decimal) (*ActorIssue, error) {
	if _, ok := m.actorIndex[actor]; !ok {
		return nil, fmt.Errorf("%w: actor %q", ErrMissingEntity, actor)
	}
	if _, ok := m.issueIndex[issue]; !ok {
		return nil, fmt.Errorf("%w: issue %q", ErrMissingEntity, issue)
	}
	ai := &ActorIssue{Actor: actor, Issue: issue, Position: position, Salience: salience, Power: power}
	m.stakes[issue][actor] = ai
	return ai, nil
}

// Actors returns the actors in insertion order.
func (m *Model) Actors() []model.Actor { return m.actors }

// Issues returns the issues in insertion order.
func (m *Model) Issues() []model.Issue { return m.issues }

// Strategy returns the exchange strategy of the model.
func (m *Model) Strategy() Strategy { return m.strategy }

// ActorIssue returns the stake of actor on issue.
func (m *Model) ActorIssue(issue, actor string) (*ActorIssue, bool) {
	ai, ok := m.stakes[issue][actor]
	return ai, ok
}

// ActorIssues returns the stakes on issue in actor insertion order.
func (m *Model) ActorIssues(issue string) []*ActorIssue {
	out := make([]*ActorIssue, 0, len(m.stakes[issue]))
	for _, a := range m.actors {
		if ai, ok := m.stakes[issue][a.ID]; ok {
			out = append(out, ai)
		}
	}
	return out
}

// SetPosition overwrites the position of actor on issue.
func (m *Model) SetPosition(issue, actor string, position decimal.Decimal) error {
	ai, ok := m.stakes[issue][actor]
	if !ok {
		return fmt.Errorf("%w: %q on %q", ErrMissingEntity, actor, issue)
	}
	ai.Position = position
	return nil
}

// NBS returns the outcome of issue as of the last CalcNBS.
func (m *Model) NBS(issue string) decimal.Decimal { return m.nbs[issue] }

// Denominator returns the cached Σ(s·c) of issue.
func (m *Model) Denominator(issue string) decimal.Decimal { return m.denominators[issue] }

// Exchanges returns the live candidate pool.
func (m *Model) Exchanges() []*Exchange { return m.exchanges }

// Combinations returns the issue pairs of the current round.
func (m *Model) Combinations() []IssuePair { return m.combinations }

// Groups returns the groups of an issue pair in either order.
func (m *Model) Groups(p, q string) (Groups, IssuePair, bool) {
	pair := IssuePair{P: p, Q: q}
	if g, ok := m.groups[pair]; ok {
		return g, pair, true
	}
	pair = IssuePair{P: q, Q: p}
	g, ok := m.groups[pair]
	return g, pair, ok
}

// IsInnerGroupMember reports whether actor is in one of the inner groups on
// the issue pair (p, q).
func (m *Model) IsInnerGroupMember(actor, p, q string, inner [2]Group) bool {
	g, _, ok := m.Groups(p, q)
	if !ok {
		return false
	}
	return g.Contains(inner[0], actor) || g.Contains(inner[1], actor)
}

func stakesOf(ais []*ActorIssue) []calc.Stake {
	out := make([]calc.Stake, len(ais))
	for k, ai := range ais {
		out[k] = ai.stake()
	}
	return out
}

// CalcNBS computes the denominator and the outcome of every issue.
func (m *Model) CalcNBS() {
	for _, issue := range m.issues {
		stakes := stakesOf(m.ActorIssues(issue.ID))
		den := calc.Denominator(stakes)
		m.denominators[issue.ID] = den
		m.nbs[issue.ID] = calc.NBS(stakes, den)
	}
}

// DeterminePositions flags every stake left or right of its outcome.
func (m *Model) DeterminePositions() {
	for _, issue := range m.issues {
		nbs := m.nbs[issue.ID]
		for _, ai := range m.stakes[issue.ID] {
			ai.Left = ai.Position.LessThanOrEqual(nbs)
		}
	}
}

// CalcCombinations builds every unordered pair of issues.
func (m *Model) CalcCombinations() {
	m.combinations = m.combinations[:0]
	for k := range m.issues {
		for l := k + 1; l < len(m.issues); l++ {
			m.combinations = append(m.combinations, IssuePair{P: m.issues[k].ID, Q: m.issues[l].ID})
		}
	}
}

// DetermineGroupsAndCalculateExchanges classifies the actors on every issue
// pair and fills the pool with the valid candidates between groups a-d and
// b-c. The previous pool is discarded.
func (m *Model) DetermineGroupsAndCalculateExchanges() error {
	m.exchanges = m.exchanges[:0]
	m.groups = make(map[IssuePair]Groups, len(m.combinations))

	for _, pair := range m.combinations {
		var g Groups
		for _, a := range m.actors {
			ap, okp := m.stakes[pair.P][a.ID]
			aq, okq := m.stakes[pair.Q][a.ID]
			if !okp || !okq {
				continue
			}
			grp := groupOf(ap.Left, aq.Left)
			g[grp] = append(g[grp], a.ID)
		}
		m.groups[pair] = g

		for _, i := range g[GroupA] {
			for _, j := range g[GroupD] {
				if err := m.addExchange(i, j, pair, GroupA, GroupD); err != nil {
					return err
				}
			}
		}
		for _, i := range g[GroupB] {
			for _, j := range g[GroupC] {
				if err := m.addExchange(i, j, pair, GroupB, GroupC); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (m *Model) addExchange(i, j string, pair IssuePair, gi, gj Group) error {
	e, err := m.NewExchange(i, j, pair, gi, gj)
	if err != nil {
		return err
	}
	if err := m.strategy.Calculate(m, e); err != nil {
		return err
	}
	if !e.Valid {
		m.log.Debug("candidate dropped", "exchange", e.ID, "pair", pair.String(), "reason", e.Err)
		return nil
	}
	m.exchanges = append(m.exchanges, e)
	return nil
}

// HighestGain removes and returns the next exchange to realize. It returns
// (nil, nil) on an empty pool and ErrMatchingDeadlock when the strategy
// cleared the pool without a match.
func (m *Model) HighestGain() (*Exchange, error) {
	return m.strategy.HighestGain(m)
}

// RemoveInvalidExchanges recalculates every candidate affected by the
// realized exchange, keeps those still valid and returns the dropped ones.
func (m *Model) RemoveInvalidExchanges(realized *Exchange) ([]*Exchange, error) {
	valid := make([]*Exchange, 0, len(m.exchanges))
	var removed []*Exchange

	for _, e := range m.exchanges {
		if e == realized {
			continue
		}
		if e.Valid {
			if err := m.recalculate(e, realized); err != nil {
				return nil, err
			}
		}
		if e.Valid {
			valid = append(valid, e)
		} else {
			removed = append(removed, e)
		}
	}
	m.exchanges = valid
	return removed, nil
}

func (m *Model) removeExchange(e *Exchange) {
	for k, x := range m.exchanges {
		if x == e {
			m.exchanges = append(m.exchanges[:k], m.exchanges[k+1:]...)
			return
		}
	}
}

// adjustNBS is the outcome of the supply issue of side s when its actor holds
// position and every pending update of the exchange is applied.
func (m *Model) adjustNBS(e *Exchange, s Side, position decimal.Decimal) decimal.Decimal {
	others, own := m.overlay(e, s)
	return calc.AdjustedNBS(others, own, position, m.denominators[e.Sides[s].Supply.Issue])
}

// positionForNBS is the position the actor of side s must hold for the
// outcome of its supply issue to equal nbs.
func (m *Model) positionForNBS(e *Exchange, s Side, nbs decimal.Decimal) decimal.Decimal {
	others, own := m.overlay(e, s)
	return calc.PositionForNBS(others, own, nbs, m.denominators[e.Sides[s].Supply.Issue])
}

func (m *Model) overlay(e *Exchange, s Side) ([]calc.Stake, calc.Stake) {
	side := &e.Sides[s]
	issue := side.Supply.Issue
	updates := e.updates[issue]

	var own calc.Stake
	others := make([]calc.Stake, 0, len(m.stakes[issue]))
	for _, ai := range m.ActorIssues(issue) {
		st := ai.stake()
		if ai.Actor == side.Actor {
			own = st
			continue
		}
		if pos, ok := updates[ai.Actor]; ok {
			st.Position = pos
		}
		others = append(others, st)
	}
	return others, own
}
