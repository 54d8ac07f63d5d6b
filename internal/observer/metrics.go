package observer

import (
	"context"

	"github.com/atmx/exchange-engine/internal/metrics"
	"github.com/atmx/exchange-engine/internal/simulation"
)

// MetricsListener feeds the Prometheus collectors.
type MetricsListener struct {
	simulation.BaseListener
}

func (MetricsListener) BeforeLoop(_ context.Context, ev simulation.RoundEvent) error {
	metrics.Candidates.WithLabelValues(ev.Model).Observe(float64(ev.Candidates))
	return nil
}

func (MetricsListener) RemovedExchanges(_ context.Context, ev simulation.RoundEvent, removed []int) error {
	metrics.RemovedTotal.WithLabelValues(ev.Model).Add(float64(len(removed)))
	return nil
}

func (MetricsListener) ExecuteExchange(_ context.Context, ev simulation.ExchangeEvent) error {
	metrics.ExchangesTotal.WithLabelValues(ev.Model).Inc()
	gain, _ := ev.Exchange.Gain.Float64()
	metrics.Gain.WithLabelValues(ev.Model).Observe(gain)
	return nil
}

func (MetricsListener) EndLoop(_ context.Context, ev simulation.RoundEvent) error {
	metrics.RoundsTotal.WithLabelValues(ev.Model).Inc()
	return nil
}

func (MetricsListener) AfterRepetition(_ context.Context, ev simulation.RepetitionEvent) error {
	if r := ev.Result; r != nil {
		metrics.TiesTotal.Add(float64(r.TieCount))
		metrics.DeadlocksTotal.Add(float64(r.Deadlocks))
	}
	return nil
}
