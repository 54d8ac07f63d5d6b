// Package calc implements the Nash Bargaining Solution arithmetic of the
// exchange model.
//
// Every actor holds a stake on an issue: a position x on the 0–100 scale,
// a salience s and a power c. The predicted outcome of an issue is the
// weighted mean of all positions:
//
//	NBS = Σ(x·s·c) / Σ(s·c)
//
// An exchange ratio expresses a position shift in outcome units:
//
//	ratio = Δx·s·c / Σ(s·c)
//
// All values use shopspring/decimal. Divisions round to Precision places.
package calc

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrEmpty is returned by aggregates over zero values.
	ErrEmpty = errors.New("calc: no values")

	// ErrLengthMismatch is returned when paired samples differ in length.
	ErrLengthMismatch = errors.New("calc: samples differ in length")

	// Precision is the number of decimal places kept by divisions.
	Precision int32 = 28

	// Tolerance is the threshold below which two utilities or a move count as equal or zero.
	Tolerance = decimal.New(1, -10)

	// Max is the upper end of the internal position scale.
	Max = decimal.NewFromInt(100)

	one = decimal.NewFromInt(1)
)

// Stake is the position, salience and power of one actor on one issue.
type Stake struct {
	Position decimal.Decimal
	Salience decimal.Decimal
	Power    decimal.Decimal
}

// Weight returns s·c.
func (s Stake) Weight() decimal.Decimal {
	return s.Salience.Mul(s.Power)
}

func quo(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, Precision)
}

// Denominator returns Σ(s·c) over the stakes of an issue.
func Denominator(stakes []Stake) decimal.Decimal {
	sum := decimal.Zero
	for _, s := range stakes {
		sum = sum.Add(s.Weight())
	}
	return sum
}

func numerator(stakes []Stake) decimal.Decimal {
	sum := decimal.Zero
	for _, s := range stakes {
		sum = sum.Add(s.Position.Mul(s.Weight()))
	}
	return sum
}

// NBS computes the Nash Bargaining Solution:
//
//	NBS = Σ(x·s·c) / denominator
//
// The outcome is defined as zero when the denominator is zero.
func NBS(stakes []Stake, denominator decimal.Decimal) decimal.Decimal {
	if denominator.IsZero() {
		return decimal.Zero
	}
	return quo(numerator(stakes), denominator)
}

// AdjustedNBS computes the outcome after own moves to position, keeping
// the (already overlaid) stakes of the others.
func AdjustedNBS(others []Stake, own Stake, position, denominator decimal.Decimal) decimal.Decimal {
	own.Position = position
	return NBS(append(append([]Stake(nil), others...), own), denominator)
}

// PositionForNBS is the inverse of AdjustedNBS: the position own must hold
// for the outcome to equal nbs.
//
//	x = (nbs·Σ(s·c) - Σ_others(x·s·c)) / (s·c)
func PositionForNBS(others []Stake, own Stake, nbs, denominator decimal.Decimal) decimal.Decimal {
	w := own.Weight()
	if w.IsZero() {
		return own.Position
	}
	return quo(nbs.Mul(denominator).Sub(numerator(others)), w)
}

// ExchangeRatio converts a shift of delta positions into outcome units:
//
//	ratio = delta·s·c / denominator
func ExchangeRatio(delta, salience, power, denominator decimal.Decimal) decimal.Decimal {
	if denominator.IsZero() {
		return decimal.Zero
	}
	return quo(delta.Mul(salience).Mul(power), denominator)
}

// ReverseMove is the inverse of ExchangeRatio: the shift that yields ratio.
//
//	move = ratio·denominator / (s·c)
func ReverseMove(ratio, denominator decimal.Decimal, own Stake) decimal.Decimal {
	w := own.Weight()
	if w.IsZero() {
		return decimal.Zero
	}
	return quo(ratio.Mul(denominator), w)
}

// ByAbsoluteMove is the exchange ratio of own moving all the way to target.
func ByAbsoluteMove(target decimal.Decimal, own Stake, denominator decimal.Decimal) decimal.Decimal {
	return ExchangeRatio(target.Sub(own.Position).Abs(), own.Salience, own.Power, denominator)
}

// ByExchangeRatio converts the supply ratio of one side into the supply
// ratio of the counterpart that equalizes both utility gains:
//
//	ratio' = (s_sup + s'_dem) / (s_dem + s'_sup) · ratio
//
// where s refers to the side supplying ratio and s' to the counterpart.
func ByExchangeRatio(supplySalience, demandSalience, oppSupplySalience, oppDemandSalience, ratio decimal.Decimal) decimal.Decimal {
	den := demandSalience.Add(oppSupplySalience)
	if den.IsZero() {
		return decimal.Zero
	}
	return quo(supplySalience.Add(oppDemandSalience), den).Mul(ratio)
}

// ExpectedUtility is the utility of one side of an exchange:
//
//	eu = |own·s_sup - opp·s_dem|
//
// own is the ratio the side supplies and opp the ratio it receives.
func ExpectedUtility(own, opp, supplySalience, demandSalience decimal.Decimal) decimal.Decimal {
	return own.Mul(supplySalience).Sub(opp.Mul(demandSalience)).Abs()
}

// IsGainEqual reports whether two utilities differ by less than Tolerance.
func IsGainEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(Tolerance)
}

// NewStartPosition blends the voting position y of a round with the start
// position x of that round:
//
//	x' = (1-s)·sw·y + fw·y + (1 - (1-s)·sw - fw)·x
//
// With salience in [0,1] and sw+fw ≤ 1 the result lies between x and y.
func NewStartPosition(salience, x, y, salienceWeight, fixedWeight decimal.Decimal) decimal.Decimal {
	sw := one.Sub(salience).Mul(salienceWeight)
	return sw.Mul(y).
		Add(fixedWeight.Mul(y)).
		Add(one.Sub(sw).Sub(fixedWeight).Mul(x))
}

// NBSVariance is the mean squared distance of the positions to the outcome.
func NBSVariance(positions []decimal.Decimal, nbs decimal.Decimal) decimal.Decimal {
	if len(positions) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, x := range positions {
		d := x.Sub(nbs)
		sum = sum.Add(d.Mul(d))
	}
	return quo(sum, decimal.NewFromInt(int64(len(positions))))
}

// Externality is the utility change for a bystander holding xp, xq with
// saliences sp, sq when the outcomes move from nbs0 to nbs1 on both issues:
//
//	ext = (|nbs0_p - xp| - |nbs1_p - xp|)·sp + (|nbs0_q - xq| - |nbs1_q - xq|)·sq
func Externality(p, q Stake, nbs0p, nbs1p, nbs0q, nbs1q decimal.Decimal) decimal.Decimal {
	l := nbs0p.Sub(p.Position).Abs().Sub(nbs1p.Sub(p.Position).Abs())
	r := nbs0q.Sub(q.Position).Abs().Sub(nbs1q.Sub(q.Position).Abs())
	return l.Mul(p.Salience).Add(r.Mul(q.Salience))
}

// MeanVariance returns the mean and the population variance of values.
func MeanVariance(values []decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if len(values) == 0 {
		return decimal.Zero, decimal.Zero, ErrEmpty
	}
	n := decimal.NewFromInt(int64(len(values)))
	mean := quo(decimal.Sum(decimal.Zero, values...), n)
	sum := decimal.Zero
	for _, v := range values {
		d := v.Sub(mean)
		sum = sum.Add(d.Mul(d))
	}
	return mean, quo(sum, n), nil
}

// Covariance returns the population covariance of two paired samples.
func Covariance(xs, ys []decimal.Decimal) (decimal.Decimal, error) {
	if len(xs) != len(ys) {
		return decimal.Zero, ErrLengthMismatch
	}
	if len(xs) == 0 {
		return decimal.Zero, ErrEmpty
	}
	mx, _, _ := MeanVariance(xs)
	my, _, _ := MeanVariance(ys)
	sum := decimal.Zero
	for k := range xs {
		sum = sum.Add(xs[k].Sub(mx).Mul(ys[k].Sub(my)))
	}
	return quo(sum, decimal.NewFromInt(int64(len(xs)))), nil
}
