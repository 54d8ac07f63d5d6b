// Package simulation drives the negotiation core: the round loop, the
// repetition runner and the listener surface through which results leave the
// engine.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/negotiation"
)

// Smoothing weights of the start position of the next round.
type Smoothing struct {
	SalienceWeight decimal.Decimal
	FixedWeight    decimal.Decimal
}

// DefaultSmoothing is the salience weight 0.4 with fixed weight 0.1.
var DefaultSmoothing = Smoothing{
	SalienceWeight: decimal.RequireFromString("0.4"),
	FixedWeight:    decimal.RequireFromString("0.1"),
}

// RoundResult is the outcome of one round.
type RoundResult struct {
	Iteration  int                    `json:"iteration"`
	Candidates int                    `json:"candidates"`
	Realized   []model.ExchangeRecord `json:"realized"`
	Removed    int                    `json:"removed"`
	Before     []model.IssueSnapshot  `json:"before"`
	After      []model.IssueSnapshot  `json:"after"`
	Deadlock   bool                   `json:"deadlock"`
}

// Loop runs rounds on one model.
type Loop struct {
	model     *negotiation.Model
	meta      Meta
	smoothing Smoothing
	listener  Listener
	log       *slog.Logger
	scale     scale
	iteration int
}

// NewLoop prepares the round loop of a repetition. A nil listener is
// replaced by a no-op.
func NewLoop(m *negotiation.Model, meta Meta, smoothing Smoothing, listener Listener, log *slog.Logger) *Loop {
	if listener == nil {
		listener = BaseListener{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		model:     m,
		meta:      meta,
		smoothing: smoothing,
		listener:  listener,
		log:       log,
		scale:     newScale(m),
	}
}

// Iteration is the number of completed rounds.
func (l *Loop) Iteration() int { return l.iteration }

// Round computes the outcomes, drains the candidate pool and moves every
// exchanging actor to its smoothed start position for the next round.
func (l *Loop) Round(ctx context.Context) (RoundResult, error) {
	m := l.model
	it := l.iteration
	res := RoundResult{Iteration: it}

	m.CalcNBS()
	m.DeterminePositions()
	m.CalcCombinations()
	if err := m.DetermineGroupsAndCalculateExchanges(); err != nil {
		return res, fmt.Errorf("round %d: %w", it, err)
	}

	res.Candidates = len(m.Exchanges())
	res.Before = l.scale.snapshots(m, l.meta, it, PhaseBefore)
	ev := RoundEvent{Meta: l.meta, Iteration: it, Candidates: res.Candidates, Issues: res.Before}
	if err := l.listener.BeforeLoop(ctx, ev); err != nil {
		return res, fmt.Errorf("before loop: %w", err)
	}

	var realized []*negotiation.Exchange
	for len(m.Exchanges()) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		e, err := m.HighestGain()
		if err != nil {
			if !negotiation.Recoverable(err) {
				return res, fmt.Errorf("round %d: highest gain: %w", it, err)
			}
			// the pool is done for this round, the round itself goes on
			l.log.Warn("drain stopped early", "err", err,
				"run_id", l.meta.RunID, "repetition", l.meta.Repetition, "iteration", it)
			res.Deadlock = errors.Is(err, negotiation.ErrMatchingDeadlock)
			break
		}
		if e == nil {
			break
		}

		removed, err := m.RemoveInvalidExchanges(e)
		if err != nil {
			return res, fmt.Errorf("round %d: remove invalid exchanges: %w", it, err)
		}
		realized = append(realized, e)
		rec := l.scale.record(e, l.meta, it, len(realized))
		res.Realized = append(res.Realized, rec)
		res.Removed += len(removed)

		if len(removed) > 0 {
			ids := make([]int, len(removed))
			for k, x := range removed {
				ids[k] = x.ID
			}
			if err := l.listener.RemovedExchanges(ctx, ev, ids); err != nil {
				return res, fmt.Errorf("removed exchanges: %w", err)
			}
		}
		xev := ExchangeEvent{Meta: l.meta, Iteration: it, Exchange: rec, Externalities: externalities(m, e, rec)}
		if err := l.listener.ExecuteExchange(ctx, xev); err != nil {
			return res, fmt.Errorf("execute exchange: %w", err)
		}
	}

	ev.Realized = res.Realized
	if err := l.listener.AfterLoop(ctx, ev); err != nil {
		return res, fmt.Errorf("after loop: %w", err)
	}

	for _, e := range realized {
		for _, a := range []*negotiation.ExchangeActor{e.I(), e.J()} {
			if err := m.SetPosition(a.Supply.Issue, a.Actor, a.Y); err != nil {
				return res, err
			}
		}
	}
	m.CalcNBS()
	res.After = l.scale.snapshots(m, l.meta, it, PhaseAfter)
	ev.Issues = res.After
	if err := l.listener.EndLoop(ctx, ev); err != nil {
		return res, fmt.Errorf("end loop: %w", err)
	}

	for _, e := range realized {
		for _, a := range []*negotiation.ExchangeActor{e.I(), e.J()} {
			x := a.NewStartPosition(l.smoothing.SalienceWeight, l.smoothing.FixedWeight)
			if err := m.SetPosition(a.Supply.Issue, a.Actor, x); err != nil {
				return res, err
			}
		}
	}

	l.iteration++
	return res, nil
}
