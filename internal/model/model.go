// Package model defines the domain types shared across the exchange engine.
// Positions, saliences, powers and utilities use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scale is the internal position scale every issue is normalized onto.
var Scale = decimal.NewFromInt(100)

// Actor is a participant in the negotiation. Immutable once created.
type Actor struct {
	ID   string `json:"id" db:"id" validate:"required"`
	Name string `json:"name" db:"name"`
}

// Issue is a policy dimension with an interval [Lower, Upper] in raw units.
// Internally every position lives on the 0–100 scale.
type Issue struct {
	ID    string           `json:"id" db:"id" validate:"required"`
	Name  string           `json:"name" db:"name"`
	Lower *decimal.Decimal `json:"lower,omitempty" db:"lower"`
	Upper *decimal.Decimal `json:"upper,omitempty" db:"upper"`
}

// Delta returns Upper - Lower, zero when a bound is missing.
func (i Issue) Delta() decimal.Decimal {
	if i.Lower == nil || i.Upper == nil {
		return decimal.Zero
	}
	return i.Upper.Sub(*i.Lower)
}

// precision is the number of decimal places kept by scale conversions.
const precision int32 = 28

// Normalize maps a raw value onto the internal 0–100 scale. The result is
// clamped to the scale, so both bounds map exactly onto 0 and 100.
func (i Issue) Normalize(value decimal.Decimal) decimal.Decimal {
	if i.Lower == nil {
		return value
	}
	delta := i.Delta()
	if delta.IsZero() {
		return decimal.Zero
	}
	// multiply before dividing: (upper-lower)·100/delta is exact
	x := value.Sub(*i.Lower).Mul(Scale).DivRound(delta, precision)
	return clamp(x, decimal.Zero, Scale)
}

// Denormalize maps an internal value back to raw units, clamped to the
// bounds.
func (i Issue) Denormalize(value decimal.Decimal) decimal.Decimal {
	if i.Lower == nil {
		return value
	}
	delta := i.Delta()
	if value.IsZero() || delta.IsZero() {
		return *i.Lower
	}
	x := value.Mul(delta).DivRound(Scale, precision).Add(*i.Lower)
	return clamp(x, *i.Lower, *i.Upper)
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// Expand widens the bounds so value lies inside them.
func (i *Issue) Expand(value decimal.Decimal) {
	if i.Lower == nil || value.LessThan(*i.Lower) {
		v := value
		i.Lower = &v
	}
	if i.Upper == nil || value.GreaterThan(*i.Upper) {
		v := value
		i.Upper = &v
	}
}

// ActorIssue is one input record: the stance of an actor on an issue.
// Position is in raw issue units, salience and power in percent (0–100).
type ActorIssue struct {
	Actor    string          `json:"actor" db:"actor" validate:"required"`
	Issue    string          `json:"issue" db:"issue" validate:"required"`
	Position decimal.Decimal `json:"position" db:"position"`
	Salience decimal.Decimal `json:"salience" db:"salience"`
	Power    decimal.Decimal `json:"power" db:"power"`
}

// Dataset is the full input of a simulation.
type Dataset struct {
	Name        string       `json:"name"`
	Actors      []Actor      `json:"actors" validate:"required,min=2,dive"`
	Issues      []Issue      `json:"issues" validate:"required,min=2,dive"`
	ActorIssues []ActorIssue `json:"actor_issues" validate:"required,min=1,dive"`
}

// Model variants.
const (
	ModelEqualGain  = "equal"
	ModelRandomRate = "random"
)

// RunConfig holds the recognized per-run options.
type RunConfig struct {
	Model           string            `json:"model" validate:"required,oneof=equal random"`
	RandomizedValue *decimal.Decimal  `json:"randomized_value,omitempty"`
	PValues         []decimal.Decimal `json:"p_values,omitempty"`
	SalienceWeight  decimal.Decimal   `json:"salience_weight"`
	FixedWeight     decimal.Decimal   `json:"fixed_weight"`
	Iterations      int               `json:"iterations" validate:"min=1,max=1000"`
	Repetitions     int               `json:"repetitions" validate:"min=1"`
	Seed            int64             `json:"seed"`
	Actors          []string          `json:"actors,omitempty"`
	Issues          []string          `json:"issues,omitempty"`
}

// Run statuses.
const (
	RunRunning  = "running"
	RunFinished = "finished"
	RunFailed   = "failed"
)

// Run is one submitted simulation.
type Run struct {
	ID         string     `json:"id" db:"id"`
	Dataset    string     `json:"dataset" db:"dataset"`
	Model      string     `json:"model" db:"model"`
	Config     RunConfig  `json:"config" db:"-"`
	Status     string     `json:"status" db:"status"`
	Error      string     `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// ExchangeSide is one actor of a realized exchange.
type ExchangeSide struct {
	Actor           string          `json:"actor"`
	SupplyIssue     string          `json:"supply_issue"`
	DemandIssue     string          `json:"demand_issue"`
	Power           decimal.Decimal `json:"power"`
	SupplySalience  decimal.Decimal `json:"supply_salience"`
	DemandSalience  decimal.Decimal `json:"demand_salience"`
	StartPosition   decimal.Decimal `json:"start_position"`
	Move            decimal.Decimal `json:"move"`
	Voting          decimal.Decimal `json:"voting"`
	EqualGainVoting decimal.Decimal `json:"equal_gain_voting"`
	OppositeDemand  decimal.Decimal `json:"opposite_demand"`
	EU              decimal.Decimal `json:"eu"`
	EUMax           decimal.Decimal `json:"eu_max"`
	NBS0            decimal.Decimal `json:"nbs_0"`
	NBS1            decimal.Decimal `json:"nbs_1"`
	AdjustedByNBS   bool            `json:"adjusted_by_nbs"`
	U               float64         `json:"u"`
	V               float64         `json:"v"`
	Z               float64         `json:"z"`
}

// ExchangeRecord is a realized exchange as consumed by reporting.
type ExchangeRecord struct {
	ID         string          `json:"id" db:"id"`
	RunID      string          `json:"run_id" db:"run_id"`
	P          decimal.Decimal `json:"p" db:"p"`
	Repetition int             `json:"repetition" db:"repetition"`
	Iteration  int             `json:"iteration" db:"iteration"`
	Sequence   int             `json:"sequence" db:"sequence"`
	Gain       decimal.Decimal `json:"gain" db:"gain"`
	DP         decimal.Decimal `json:"dp" db:"dp"`
	DQ         decimal.Decimal `json:"dq" db:"dq"`
	I          ExchangeSide    `json:"i" db:"-"`
	J          ExchangeSide    `json:"j" db:"-"`
}

// IssueSnapshot captures an issue at a phase boundary of a round.
type IssueSnapshot struct {
	RunID       string                     `json:"run_id"`
	P           decimal.Decimal            `json:"p"`
	Repetition  int                        `json:"repetition"`
	Iteration   int                        `json:"iteration"`
	Phase       string                     `json:"phase"` // "before" or "after"
	Issue       string                     `json:"issue"`
	NBS         decimal.Decimal            `json:"nbs"`
	Denominator decimal.Decimal            `json:"denominator"`
	Variance    decimal.Decimal            `json:"variance"`
	Positions   map[string]decimal.Decimal `json:"positions"`
}

// Externality is the effect of one realized exchange on a bystander.
type Externality struct {
	RunID      string          `json:"run_id"`
	ExchangeID string          `json:"exchange_id"`
	P          decimal.Decimal `json:"p"`
	Repetition int             `json:"repetition"`
	Iteration  int             `json:"iteration"`
	Actor      string          `json:"actor"`
	Kind       string          `json:"kind"` // own, inner_positive, inner_negative, outer_positive, outer_negative
	Value      decimal.Decimal `json:"value"`
}

// IssueSummary aggregates the final NBS of an issue across repetitions.
type IssueSummary struct {
	Issue       string          `json:"issue"`
	Mean        decimal.Decimal `json:"mean"`
	Variance    decimal.Decimal `json:"variance"`
	NBSVariance decimal.Decimal `json:"nbs_variance"`
}

// ActorSummary aggregates the exchanges of an actor across a run.
type ActorSummary struct {
	Actor       string          `json:"actor"`
	Exchanges   int             `json:"exchanges"`
	UtilitySum  decimal.Decimal `json:"utility_sum"`
	UtilityMean decimal.Decimal `json:"utility_mean"`
}

// Summary is the analysis of the repetitions of a run sharing one p value.
type Summary struct {
	RunID       string                                `json:"run_id"`
	P           decimal.Decimal                       `json:"p"`
	Repetitions int                                   `json:"repetitions"`
	Issues      []IssueSummary                        `json:"issues"`
	Covariance  map[string]map[string]decimal.Decimal `json:"covariance"`
	Actors      []ActorSummary                        `json:"actors"`

	// Externalities sums the externalities per actor and kind.
	Externalities map[string]map[string]decimal.Decimal `json:"externalities"`
	TieCount      int                                   `json:"tie_count"`
	Deadlocks     int                                   `json:"deadlocks"`
}
