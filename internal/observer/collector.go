package observer

import (
	"context"
	"sync"

	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/simulation"
)

// Collector keeps the externalities of a run in memory for the summary.
type Collector struct {
	simulation.BaseListener
	mu   sync.Mutex
	exts []model.Externality
}

func (c *Collector) ExecuteExchange(_ context.Context, ev simulation.ExchangeEvent) error {
	c.mu.Lock()
	c.exts = append(c.exts, ev.Externalities...)
	c.mu.Unlock()
	return nil
}

// Externalities returns a copy of everything collected so far.
func (c *Collector) Externalities() []model.Externality {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Externality, len(c.exts))
	copy(out, c.exts)
	return out
}
