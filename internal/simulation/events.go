package simulation

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/model"
)

// Meta identifies a repetition within a run.
type Meta struct {
	RunID      string
	Model      string
	P          decimal.Decimal
	Repetition int
}

// RoundEvent describes a phase boundary of one round.
type RoundEvent struct {
	Meta
	Iteration  int
	Candidates int
	Issues     []model.IssueSnapshot
	Realized   []model.ExchangeRecord
}

// ExchangeEvent is fired for every realized exchange.
type ExchangeEvent struct {
	Meta
	Iteration     int
	Exchange      model.ExchangeRecord
	Externalities []model.Externality
}

// RepetitionEvent is fired around a repetition. Result is set afterwards.
type RepetitionEvent struct {
	Meta
	Iterations int
	Result     *RepetitionResult
}

// Listener observes the phases of a simulation. Repetitions run in
// parallel, so implementations must be safe for concurrent use.
type Listener interface {
	BeforeRepetition(ctx context.Context, ev RepetitionEvent) error
	BeforeLoop(ctx context.Context, ev RoundEvent) error
	RemovedExchanges(ctx context.Context, ev RoundEvent, removed []int) error
	ExecuteExchange(ctx context.Context, ev ExchangeEvent) error
	AfterLoop(ctx context.Context, ev RoundEvent) error
	EndLoop(ctx context.Context, ev RoundEvent) error
	AfterRepetition(ctx context.Context, ev RepetitionEvent) error
}

// BaseListener implements Listener with no-ops. Embed it to override only
// the phases of interest.
type BaseListener struct{}

func (BaseListener) BeforeRepetition(context.Context, RepetitionEvent) error     { return nil }
func (BaseListener) BeforeLoop(context.Context, RoundEvent) error                { return nil }
func (BaseListener) RemovedExchanges(context.Context, RoundEvent, []int) error   { return nil }
func (BaseListener) ExecuteExchange(context.Context, ExchangeEvent) error        { return nil }
func (BaseListener) AfterLoop(context.Context, RoundEvent) error                 { return nil }
func (BaseListener) EndLoop(context.Context, RoundEvent) error                   { return nil }
func (BaseListener) AfterRepetition(context.Context, RepetitionEvent) error      { return nil }

// Listeners fans every event out in registration order. All listeners are
// called; their errors are joined.
type Listeners []Listener

func (ls Listeners) each(fn func(Listener) error) error {
	var errs []error
	for _, l := range ls {
		if err := fn(l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (ls Listeners) BeforeRepetition(ctx context.Context, ev RepetitionEvent) error {
	return ls.each(func(l Listener) error { return l.BeforeRepetition(ctx, ev) })
}

func (ls Listeners) BeforeLoop(ctx context.Context, ev RoundEvent) error {
	return ls.each(func(l Listener) error { return l.BeforeLoop(ctx, ev) })
}

func (ls Listeners) RemovedExchanges(ctx context.Context, ev RoundEvent, removed []int) error {
	return ls.each(func(l Listener) error { return l.RemovedExchanges(ctx, ev, removed) })
}

func (ls Listeners) ExecuteExchange(ctx context.Context, ev ExchangeEvent) error {
	return ls.each(func(l Listener) error { return l.ExecuteExchange(ctx, ev) })
}

func (ls Listeners) AfterLoop(ctx context.Context, ev RoundEvent) error {
	return ls.each(func(l Listener) error { return l.AfterLoop(ctx, ev) })
}

func (ls Listeners) EndLoop(ctx context.Context, ev RoundEvent) error {
	return ls.each(func(l Listener) error { return l.EndLoop(ctx, ev) })
}

func (ls Listeners) AfterRepetition(ctx context.Context, ev RepetitionEvent) error {
	return ls.each(func(l Listener) error { return l.AfterRepetition(ctx, ev) })
}
