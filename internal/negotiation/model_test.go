package negotiation

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func near(a, b decimal.Decimal, tol float64) bool {
	return a.Sub(b).Abs().LessThanOrEqual(d(tol))
}

type stakeRow struct {
	actor, issue string
	x, s, c      float64
}

func newTestModel(t *testing.T, strategy Strategy, actors, issues []string, rows []stakeRow) *Model {
	t.Helper()
	m := NewModel(Options{Strategy: strategy, Rand: rand.New(rand.NewSource(42))})
	for _, a := range actors {
		if err := m.AddActor(model.Actor{ID: a, Name: a}); err != nil {
			t.Fatalf("add actor: %v", err)
		}
	}
	for _, i := range issues {
		if err := m.AddIssue(model.Issue{ID: i, Name: i}); err != nil {
			t.Fatalf("add issue: %v", err)
		}
	}
	for _, r := range rows {
		if _, err := m.AddActorIssue(r.actor, r.issue, d(r.x), d(r.s), d(r.c)); err != nil {
			t.Fatalf("add actor issue: %v", err)
		}
	}
	return m
}

// minimal two actor, two issue fixture
func minimalModel(t *testing.T, strategy Strategy) *Model {
	return newTestModel(t, strategy,
		[]string{"Actor-1", "Actor-2"},
		[]string{"Issue-1", "Issue-2"},
		[]stakeRow{
			{"Actor-1", "Issue-1", 0, 10, 1},
			{"Actor-1", "Issue-2", 0, 90, 1},
			{"Actor-2", "Issue-1", 100, 60, 1},
			{"Actor-2", "Issue-2", 100, 50, 1},
		})
}

// five actors on three issues, saliences and powers in [0,1]
func cabinetModel(t *testing.T, strategy Strategy) *Model {
	actors := []string{"north", "south", "east", "west", "centre"}
	issues := []string{"tax", "energy", "housing"}
	rows := []stakeRow{
		{"north", "tax", 10, 0.9, 0.8}, {"north", "energy", 80, 0.3, 0.8}, {"north", "housing", 40, 0.5, 0.8},
		{"south", "tax", 90, 0.2, 0.6}, {"south", "energy", 20, 0.9, 0.6}, {"south", "housing", 70, 0.4, 0.6},
		{"east", "tax", 60, 0.7, 0.4}, {"east", "energy", 30, 0.2, 0.4}, {"east", "housing", 10, 0.8, 0.4},
		{"west", "tax", 25, 0.4, 1.0}, {"west", "energy", 95, 0.6, 1.0}, {"west", "housing", 85, 0.3, 1.0},
		{"centre", "tax", 50, 0.5, 0.5}, {"centre", "energy", 50, 0.5, 0.5}, {"centre", "housing", 50, 0.5, 0.5},
	}
	return newTestModel(t, strategy, actors, issues, rows)
}

func prepare(t *testing.T, m *Model) {
	t.Helper()
	m.CalcNBS()
	m.DeterminePositions()
	m.CalcCombinations()
	if err := m.DetermineGroupsAndCalculateExchanges(); err != nil {
		t.Fatalf("build exchanges: %v", err)
	}
}

// --- Entities ---

func TestAddActorIssue_UnknownEntities(t *testing.T) {
	m := NewModel(Options{})
	_ = m.AddActor(model.Actor{ID: "a"})
	_ = m.AddIssue(model.Issue{ID: "p"})

	if _, err := m.AddActorIssue("b", "p", d(1), d(1), d(1)); !errors.Is(err, ErrMissingEntity) {
		t.Errorf("expected ErrMissingEntity for unknown actor, got %v", err)
	}
	if _, err := m.AddActorIssue("a", "q", d(1), d(1), d(1)); !errors.Is(err, ErrMissingEntity) {
		t.Errorf("expected ErrMissingEntity for unknown issue, got %v", err)
	}
	if err := m.AddActor(model.Actor{ID: "a"}); !errors.Is(err, ErrDuplicateEntity) {
		t.Errorf("expected ErrDuplicateEntity, got %v", err)
	}
}

// --- NBS ---

func TestCalcNBS_MinimalFixture(t *testing.T) {
	m := minimalModel(t, nil)
	m.CalcNBS()

	if got := m.NBS("Issue-1"); !near(got, d(85.714), 1e-3) {
		t.Errorf("expected NBS(Issue-1) ≈ 85.714, got %s", got)
	}
	if got := m.NBS("Issue-2"); !near(got, d(35.714), 1e-3) {
		t.Errorf("expected NBS(Issue-2) ≈ 35.714, got %s", got)
	}
	if got := m.Denominator("Issue-2"); !got.Equal(d(140)) {
		t.Errorf("expected denominator 140, got %s", got)
	}
}

func TestCalcNBS_ZeroDenominator(t *testing.T) {
	m := newTestModel(t, nil, []string{"a", "b"}, []string{"p", "q"}, []stakeRow{
		{"a", "p", 30, 0, 1}, {"b", "p", 70, 0, 1},
		{"a", "q", 30, 1, 1}, {"b", "q", 70, 1, 1},
	})
	m.CalcNBS()
	if !m.NBS("p").IsZero() {
		t.Errorf("expected NBS 0 for zero denominator, got %s", m.NBS("p"))
	}
}

// --- Groups ---

func TestDetermineGroups_MinimalFixture(t *testing.T) {
	m := minimalModel(t, nil)
	prepare(t, m)

	g, pair, ok := m.Groups("Issue-2", "Issue-1")
	if !ok {
		t.Fatal("expected groups for the issue pair")
	}
	if pair.P != "Issue-1" || pair.Q != "Issue-2" {
		t.Errorf("expected pair in model order, got %s", pair)
	}
	if len(g[GroupA]) != 1 || g[GroupA][0] != "Actor-2" {
		t.Errorf("expected Actor-2 in group a, got %v", g[GroupA])
	}
	if len(g[GroupD]) != 1 || g[GroupD][0] != "Actor-1" {
		t.Errorf("expected Actor-1 in group d, got %v", g[GroupD])
	}
	if !m.IsInnerGroupMember("Actor-1", "Issue-1", "Issue-2", [2]Group{GroupA, GroupD}) {
		t.Error("Actor-1 should be an inner member of a-d")
	}
	if m.IsInnerGroupMember("Actor-1", "Issue-1", "Issue-2", [2]Group{GroupB, GroupC}) {
		t.Error("Actor-1 should not be an inner member of b-c")
	}
}

func TestDetermineGroups_PartitionsActors(t *testing.T) {
	m := cabinetModel(t, nil)
	prepare(t, m)

	for _, pair := range m.Combinations() {
		g, _, _ := m.Groups(pair.P, pair.Q)
		if g.Size() != len(m.Actors()) {
			t.Errorf("%s: expected %d actors over the groups, got %d", pair, len(m.Actors()), g.Size())
		}
		seen := make(map[string]int)
		for _, members := range g {
			for _, a := range members {
				seen[a]++
			}
		}
		for a, n := range seen {
			if n != 1 {
				t.Errorf("%s: actor %s in %d groups", pair, a, n)
			}
		}
	}
}

func TestDetermineGroups_SkipsActorsWithoutBothIssues(t *testing.T) {
	m := newTestModel(t, nil, []string{"a", "b", "c"}, []string{"p", "q"}, []stakeRow{
		{"a", "p", 0, 1, 1}, {"a", "q", 0, 1, 1},
		{"b", "p", 100, 1, 1}, {"b", "q", 100, 1, 1},
		{"c", "p", 50, 1, 1},
	})
	prepare(t, m)
	g, _, _ := m.Groups("p", "q")
	if g.Size() != 2 {
		t.Errorf("expected 2 grouped actors, got %d", g.Size())
	}
}

func TestValidateGroups(t *testing.T) {
	tests := []struct {
		a, b  Group
		valid bool
	}{
		{GroupA, GroupD, true},
		{GroupD, GroupA, true},
		{GroupB, GroupC, true},
		{GroupC, GroupB, true},
		{GroupA, GroupB, false},
		{GroupA, GroupA, false},
		{GroupB, GroupD, false},
		{GroupC, GroupD, false},
	}
	for _, tt := range tests {
		err := ValidateGroups(tt.a, tt.b)
		if tt.valid && err != nil {
			t.Errorf("%s-%s: unexpected error %v", tt.a, tt.b, err)
		}
		if !tt.valid && !errors.Is(err, ErrInvalidGroupCombination) {
			t.Errorf("%s-%s: expected ErrInvalidGroupCombination, got %v", tt.a, tt.b, err)
		}
	}
}

func TestNewExchange_Errors(t *testing.T) {
	m := minimalModel(t, nil)
	prepare(t, m)
	pair := IssuePair{P: "Issue-1", Q: "Issue-2"}

	if _, err := m.NewExchange("Actor-2", "Actor-1", pair, GroupA, GroupB); !errors.Is(err, ErrInvalidGroupCombination) {
		t.Errorf("expected ErrInvalidGroupCombination, got %v", err)
	}
	if _, err := m.NewExchange("Actor-2", "Actor-9", pair, GroupA, GroupD); !errors.Is(err, ErrMissingEntity) {
		t.Errorf("expected ErrMissingEntity, got %v", err)
	}
}

// --- Moves ---

func TestMoveValid(t *testing.T) {
	tests := []struct {
		name     string
		position float64
		history  []float64
		move     float64
		valid    bool
	}{
		{"plain", 20, nil, 30, true},
		{"full scale", 0, nil, 100, true},
		{"beyond scale", 0, nil, 100.5, false},
		{"zero", 20, nil, 0, false},
		{"negative below zero", 20, nil, -25, false},
		{"above hundred", 90, nil, 15, false},
		{"same direction", 40, []float64{10}, 20, true},
		{"reversal", 40, []float64{10}, -5, false},
		{"cumulative", 10, []float64{60}, 50, false},
		{"negative cumulative", 95, []float64{-70}, -35, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &ExchangeActor{Supply: Holding{Position: d(tt.position)}}
			for _, mv := range tt.history {
				a.Moves = append(a.Moves, d(mv))
			}
			a.Moves = append(a.Moves, d(tt.move))
			if got := a.moveValid(d(tt.move)); got != tt.valid {
				t.Errorf("expected %v, got %v", tt.valid, got)
			}
		})
	}
}

func TestSetUpdate_KeepsFurthestFromStart(t *testing.T) {
	e := &Exchange{updates: make(map[string]map[string]decimal.Decimal)}
	mover := &ExchangeActor{Actor: "a", StartPosition: d(20), Y: d(50)}

	e.setUpdate("p", mover)
	mover.Y = d(35)
	e.setUpdate("p", mover)

	got, ok := e.Update("p", "a")
	if !ok || !got.Equal(d(50)) {
		t.Errorf("expected pending position 50, got %s (%v)", got, ok)
	}

	mover.Y = d(70)
	e.setUpdate("p", mover)
	if got, _ := e.Update("p", "a"); !got.Equal(d(70)) {
		t.Errorf("expected pending position 70, got %s", got)
	}
}

func TestNewStrategy(t *testing.T) {
	s, err := NewStrategy("equal", d(0.5))
	if err != nil || s.Name() != "equal-0.50" {
		t.Errorf("expected equal-0.50, got %v %v", s, err)
	}
	s, err = NewStrategy("random", decimal.Zero)
	if err != nil || s.Name() != "random" {
		t.Errorf("expected random, got %v %v", s, err)
	}
	if _, err := NewStrategy("other", decimal.Zero); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
}

func TestRecoverable(t *testing.T) {
	if !Recoverable(ErrMoveInvalid) || !Recoverable(ErrMatchingDeadlock) {
		t.Error("move and deadlock errors should be recoverable")
	}
	if Recoverable(&InvariantError{}) || Recoverable(ErrInvalidGroupCombination) {
		t.Error("invariant and group errors should be fatal")
	}
	if !errors.Is(&InvariantError{}, ErrInvariantViolation) {
		t.Error("InvariantError should unwrap to ErrInvariantViolation")
	}
}
