package calc

import (
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func stake(x, s, c float64) Stake {
	return Stake{Position: d(x), Salience: d(s), Power: d(c)}
}

func near(a, b decimal.Decimal, tol float64) bool {
	return a.Sub(b).Abs().LessThanOrEqual(d(tol))
}

// --- NBS ---

func TestNBS_TwoActors(t *testing.T) {
	stakes := []Stake{stake(0, 1, 1), stake(100, 1, 1)}
	got := NBS(stakes, Denominator(stakes))
	if !got.Equal(d(50)) {
		t.Errorf("expected nbs=50, got %s", got)
	}
}

func TestNBS_ThreeActors(t *testing.T) {
	stakes := []Stake{stake(0, 1, 1), stake(100, 1, 1), stake(100, 1, 1)}
	got := NBS(stakes, Denominator(stakes))
	want := decimal.NewFromInt(200).DivRound(decimal.NewFromInt(3), Precision)
	if !near(got, want, 1e-20) {
		t.Errorf("expected nbs=%s, got %s", want, got)
	}
}

func TestNBS_ZeroDenominator(t *testing.T) {
	stakes := []Stake{stake(40, 0, 1), stake(60, 1, 0)}
	got := NBS(stakes, Denominator(stakes))
	if !got.IsZero() {
		t.Errorf("expected nbs=0 for zero denominator, got %s", got)
	}
}

func TestNBS_Weighted(t *testing.T) {
	tests := []struct {
		name   string
		stakes []Stake
		want   float64
	}{
		{"single", []Stake{stake(30, 0.5, 0.5)}, 30},
		{"equal weights", []Stake{stake(20, 1, 1), stake(40, 1, 1)}, 30},
		{"heavier right", []Stake{stake(0, 1, 1), stake(100, 3, 1)}, 75},
		{"power matters", []Stake{stake(0, 1, 3), stake(100, 1, 1)}, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NBS(tt.stakes, Denominator(tt.stakes))
			if !near(got, d(tt.want), 1e-20) {
				t.Errorf("expected %v, got %s", tt.want, got)
			}
		})
	}
}

// --- Adjusted NBS ---

func TestAdjustedNBS_MoveToOpponent(t *testing.T) {
	a := stake(0, 1, 1)
	b := stake(100, 1, 1)
	den := Denominator([]Stake{a, b})

	got := AdjustedNBS([]Stake{b}, a, d(100), den)
	if !got.Equal(d(100)) {
		t.Errorf("moving a to 100 should give nbs=100, got %s", got)
	}
}

func TestAdjustedNBS_ThreeActors(t *testing.T) {
	a := stake(0, 1, 1)
	b := stake(100, 1, 1)
	c := stake(0, 1, 1)
	den := Denominator([]Stake{a, b, c})

	got := AdjustedNBS([]Stake{a, c}, b, d(0), den)
	if !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
	got = AdjustedNBS([]Stake{a, b}, c, d(0), den)
	want := decimal.NewFromInt(100).DivRound(decimal.NewFromInt(3), Precision)
	if !near(got, want, 1e-20) {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestPositionForNBS_InvertsAdjustedNBS(t *testing.T) {
	others := []Stake{stake(10, 0.4, 0.8), stake(90, 0.7, 0.3), stake(55, 0.2, 1)}
	own := stake(30, 0.6, 0.9)
	den := Denominator(append(append([]Stake(nil), others...), own))

	for _, pos := range []float64{0, 12.5, 30, 77, 100} {
		nbs := AdjustedNBS(others, own, d(pos), den)
		got := PositionForNBS(others, own, nbs, den)
		if !near(got, d(pos), 1e-18) {
			t.Errorf("position %v: round trip gave %s", pos, got)
		}
	}
}

// --- Ratios and moves ---

func TestExchangeRatio_ReverseMoveRoundTrip(t *testing.T) {
	own := stake(20, 0.6, 0.7)
	den := d(3.5)
	for _, delta := range []float64{0.5, 10, 42.42, 80} {
		ratio := ExchangeRatio(d(delta), own.Salience, own.Power, den)
		got := ReverseMove(ratio, den, own)
		if !near(got, d(delta), 1e-18) {
			t.Errorf("delta %v: round trip gave %s", delta, got)
		}
	}
}

func TestByAbsoluteMove(t *testing.T) {
	own := stake(100, 60, 1)
	got := ByAbsoluteMove(d(0), own, d(70))
	want := decimal.NewFromInt(6000).DivRound(decimal.NewFromInt(70), Precision)
	if !near(got, want, 1e-20) {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestByExchangeRatio_EqualizesUtilities(t *testing.T) {
	// j supplies p, i supplies q.
	jSup, jDem := d(10), d(90)
	iSup, iDem := d(50), d(60)
	dp := d(12.5)

	dq := ByExchangeRatio(jSup, jDem, iSup, iDem, dp)

	eui := ExpectedUtility(dq, dp, iSup, iDem)
	euj := ExpectedUtility(dp, dq, jSup, jDem)
	if !IsGainEqual(eui, euj) {
		t.Errorf("utilities should be equal: eui=%s euj=%s", eui, euj)
	}
	if eui.IsZero() {
		t.Error("utility should be positive")
	}
}

func TestIsGainEqual(t *testing.T) {
	if !IsGainEqual(d(1), d(1.00000000001)) {
		t.Error("difference below tolerance should be equal")
	}
	if IsGainEqual(d(1), d(1.000001)) {
		t.Error("difference above tolerance should not be equal")
	}
}

// --- Smoothing ---

func TestNewStartPosition(t *testing.T) {
	tests := []struct {
		salience, x, y float64
		want           float64
	}{
		{1, 0, 100, 10},
		{1, 100, 0, 90},
		{0, 0, 100, 50},
		{0.5, 20, 60, 32},
	}
	for _, tt := range tests {
		got := NewStartPosition(d(tt.salience), d(tt.x), d(tt.y), d(0.4), d(0.1))
		if !near(got, d(tt.want), 1e-12) {
			t.Errorf("s=%v x=%v y=%v: expected %v, got %s", tt.salience, tt.x, tt.y, tt.want, got)
		}
	}
}

func TestNewStartPosition_ConvexCombination(t *testing.T) {
	for _, s := range []float64{0, 0.25, 0.5, 0.9, 1} {
		for _, pair := range [][2]float64{{0, 100}, {80, 20}, {33, 34}} {
			x, y := d(pair[0]), d(pair[1])
			got := NewStartPosition(d(s), x, y, d(0.4), d(0.1))
			lo, hi := decimal.Min(x, y), decimal.Max(x, y)
			if got.LessThan(lo) || got.GreaterThan(hi) {
				t.Errorf("s=%v x=%s y=%s: %s outside [%s, %s]", s, x, y, got, lo, hi)
			}
		}
	}
}

func TestNewStartPosition_FullWeightIsVotingPosition(t *testing.T) {
	got := NewStartPosition(d(0), d(10), d(70), d(1), d(0))
	if !got.Equal(d(70)) {
		t.Errorf("expected y=70, got %s", got)
	}
}

// --- Aggregates ---

func TestNBSVariance(t *testing.T) {
	got := NBSVariance([]decimal.Decimal{d(0), d(100)}, d(50))
	if !got.Equal(d(2500)) {
		t.Errorf("expected 2500, got %s", got)
	}
	if !NBSVariance(nil, d(50)).IsZero() {
		t.Error("expected zero variance without positions")
	}
}

func TestExternality(t *testing.T) {
	p := stake(100, 0.5, 1)
	q := stake(0, 0.2, 1)
	// outcome on p moves toward the bystander, on q away from it
	got := Externality(p, q, d(40), d(60), d(10), d(20))
	want := d(20*0.5 - 10*0.2)
	if !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestMeanVariance(t *testing.T) {
	mean, variance, err := MeanVariance([]decimal.Decimal{d(2), d(4), d(4), d(4), d(5), d(5), d(7), d(9)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mean.Equal(d(5)) || !variance.Equal(d(4)) {
		t.Errorf("expected mean=5 variance=4, got %s %s", mean, variance)
	}
	if _, _, err := MeanVariance(nil); err != ErrEmpty {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
}

func TestCovariance(t *testing.T) {
	xs := []decimal.Decimal{d(1), d(2), d(3)}
	ys := []decimal.Decimal{d(2), d(4), d(6)}
	got, err := Covariance(xs, ys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := decimal.NewFromInt(4).DivRound(decimal.NewFromInt(3), Precision)
	if !near(got, want, 1e-20) {
		t.Errorf("expected %s, got %s", want, got)
	}
	if _, err := Covariance(xs, ys[:2]); err != ErrLengthMismatch {
		t.Errorf("expected ErrLengthMismatch, got %v", err)
	}
}
