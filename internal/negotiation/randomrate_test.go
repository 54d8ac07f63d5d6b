package negotiation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestRandomRate_RateWithinSalienceRatios(t *testing.T) {
	m := cabinetModel(t, NewRandomRate())
	prepare(t, m)
	if len(m.Exchanges()) == 0 {
		t.Fatal("expected candidates")
	}

	for _, e := range m.Exchanges() {
		i, j := e.I(), e.J()
		lo := j.Supply.Salience.DivRound(j.Demand.Salience, 28)
		hi := i.Demand.Salience.DivRound(i.Supply.Salience, 28)
		if lo.GreaterThan(hi) {
			lo, hi = hi, lo
		}
		if e.Rate.LessThan(lo) || e.Rate.GreaterThan(hi) {
			t.Errorf("exchange %d: rate %s outside [%s, %s]", e.ID, e.Rate, lo, hi)
		}
		if !e.Gain.Equal(decimal.Min(i.EU, j.EU)) {
			t.Errorf("exchange %d: gain should be the lower utility", e.ID)
		}
	}
}

func TestRandomRate_RecalculationKeepsRate(t *testing.T) {
	s := NewRandomRate()
	m := cabinetModel(t, s)
	prepare(t, m)
	e := m.Exchanges()[0]
	rate := e.Rate

	if err := s.Calculate(m, e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !e.Rate.Equal(rate) {
		t.Errorf("rate changed on recalculation: %s -> %s", rate, e.Rate)
	}
}

func TestRandomRate_DrainTerminates(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		m := cabinetModel(t, NewRandomRate())
		m.rng.Seed(seed)
		prepare(t, m)

		drain(t, m, func(e *Exchange) {
			if !e.Valid {
				t.Errorf("seed %d: realized invalid exchange %d", seed, e.ID)
			}
		})
		if len(m.Exchanges()) != 0 {
			t.Errorf("seed %d: expected an empty pool", seed)
		}
	}
}

func TestRandomRate_HighestGainMutualBest(t *testing.T) {
	m := minimalModel(t, NewRandomRate())
	prepare(t, m)

	e, err := m.HighestGain()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e == nil {
		t.Fatal("a single candidate is the best option of both actors")
	}
	if len(m.Exchanges()) != 0 {
		t.Errorf("expected an empty pool, got %d", len(m.Exchanges()))
	}
}

func TestRandomRate_HighestGainEmptyPool(t *testing.T) {
	m := NewModel(Options{Strategy: NewRandomRate()})
	e, err := m.HighestGain()
	if e != nil || err != nil {
		t.Errorf("expected nil, nil on an empty pool, got %v %v", e, err)
	}
}

func TestRandomRate_LowerCreditsCounterpartBySalience(t *testing.T) {
	s := NewRandomRate()
	m := minimalModel(t, s)
	prepare(t, m)
	e := m.Exchanges()[0]
	i, j := e.I(), e.J()
	euI, euJ := i.EU, j.EU

	delta := d(0.001)
	s.lower(m, e, SideI, delta)

	if !i.EU.Equal(euI.Sub(delta)) {
		t.Errorf("expected EU_i %s, got %s", euI.Sub(delta), i.EU)
	}
	if want := euJ.Add(delta.Mul(j.Supply.Salience)); !j.EU.Equal(want) {
		t.Errorf("expected EU_j %s, got %s", want, j.EU)
	}
}

func TestRandomRate_DeadlockClearsPool(t *testing.T) {
	for seed := int64(1); seed <= 50; seed++ {
		m := cabinetModel(t, NewRandomRate())
		m.rng.Seed(seed)
		m.deadlockLimit = 1
		prepare(t, m)

		for len(m.Exchanges()) > 0 {
			e, err := m.HighestGain()
			if errors.Is(err, ErrMatchingDeadlock) {
				if e != nil {
					t.Errorf("seed %d: expected no exchange on deadlock, got %d", seed, e.ID)
				}
				if len(m.Exchanges()) != 0 {
					t.Errorf("seed %d: expected an empty pool, got %d", seed, len(m.Exchanges()))
				}
				if m.Deadlocks != 1 {
					t.Errorf("seed %d: expected 1 deadlock, got %d", seed, m.Deadlocks)
				}
				if !Recoverable(err) {
					t.Error("a deadlock should be recoverable")
				}
				return
			}
			if err != nil {
				t.Fatalf("seed %d: highest gain: %v", seed, err)
			}
			if e == nil {
				break
			}
			if _, err := m.RemoveInvalidExchanges(e); err != nil {
				t.Fatalf("seed %d: remove invalid exchanges: %v", seed, err)
			}
		}
		if m.Deadlocks != 0 {
			t.Errorf("seed %d: deadlock counted without an error", seed)
		}
	}
	t.Fatal("no seed reached a matching deadlock")
}
