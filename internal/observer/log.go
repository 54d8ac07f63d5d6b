// Package observer holds the listeners that carry simulation events out of
// the engine: structured logs, Prometheus metrics, persistence, live
// broadcasts and the externality collection used by the run summary.
package observer

import (
	"context"
	"log/slog"

	"github.com/atmx/exchange-engine/internal/simulation"
)

// LogListener writes every phase event to a structured logger.
type LogListener struct {
	simulation.BaseListener
	log *slog.Logger
}

// NewLogListener creates a log listener. A nil logger uses slog.Default.
func NewLogListener(log *slog.Logger) *LogListener {
	if log == nil {
		log = slog.Default()
	}
	return &LogListener{log: log}
}

func (l *LogListener) attrs(m simulation.Meta) []any {
	return []any{"run_id", m.RunID, "model", m.Model, "p", m.P.String(), "repetition", m.Repetition}
}

func (l *LogListener) BeforeRepetition(_ context.Context, ev simulation.RepetitionEvent) error {
	l.log.Info("repetition started", append(l.attrs(ev.Meta), "iterations", ev.Iterations)...)
	return nil
}

func (l *LogListener) BeforeLoop(_ context.Context, ev simulation.RoundEvent) error {
	l.log.Debug("round started", append(l.attrs(ev.Meta), "iteration", ev.Iteration, "candidates", ev.Candidates)...)
	return nil
}

func (l *LogListener) RemovedExchanges(_ context.Context, ev simulation.RoundEvent, removed []int) error {
	l.log.Debug("exchanges removed", append(l.attrs(ev.Meta), "iteration", ev.Iteration, "removed", removed)...)
	return nil
}

func (l *LogListener) ExecuteExchange(_ context.Context, ev simulation.ExchangeEvent) error {
	x := ev.Exchange
	l.log.Debug("exchange realized", append(l.attrs(ev.Meta),
		"iteration", ev.Iteration,
		"sequence", x.Sequence,
		"i", x.I.Actor,
		"j", x.J.Actor,
		"supply_i", x.I.SupplyIssue,
		"supply_j", x.J.SupplyIssue,
		"gain", x.Gain.String(),
	)...)
	return nil
}

func (l *LogListener) EndLoop(_ context.Context, ev simulation.RoundEvent) error {
	l.log.Info("round finished", append(l.attrs(ev.Meta),
		"iteration", ev.Iteration,
		"candidates", ev.Candidates,
		"exchanges", len(ev.Realized),
	)...)
	return nil
}

func (l *LogListener) AfterRepetition(_ context.Context, ev simulation.RepetitionEvent) error {
	attrs := l.attrs(ev.Meta)
	if r := ev.Result; r != nil {
		attrs = append(attrs, "rounds", len(r.Rounds), "ties", r.TieCount, "deadlocks", r.Deadlocks)
	}
	l.log.Info("repetition finished", attrs...)
	return nil
}
