package observer

import (
	"context"
	"fmt"

	"github.com/atmx/exchange-engine/internal/simulation"
	"github.com/atmx/exchange-engine/internal/store"
)

// StoreListener persists issue development and realized exchanges.
type StoreListener struct {
	simulation.BaseListener
	store store.Store
}

// NewStoreListener creates a listener writing to st.
func NewStoreListener(st store.Store) *StoreListener {
	return &StoreListener{store: st}
}

func (l *StoreListener) BeforeLoop(ctx context.Context, ev simulation.RoundEvent) error {
	if err := l.store.InsertSnapshots(ctx, ev.Issues); err != nil {
		return fmt.Errorf("persist before snapshots: %w", err)
	}
	return nil
}

func (l *StoreListener) ExecuteExchange(ctx context.Context, ev simulation.ExchangeEvent) error {
	rec := ev.Exchange
	if err := l.store.InsertExchange(ctx, &rec); err != nil {
		return fmt.Errorf("persist exchange: %w", err)
	}
	if len(ev.Externalities) == 0 {
		return nil
	}
	if err := l.store.InsertExternalities(ctx, ev.Externalities); err != nil {
		return fmt.Errorf("persist externalities: %w", err)
	}
	return nil
}

func (l *StoreListener) EndLoop(ctx context.Context, ev simulation.RoundEvent) error {
	if err := l.store.InsertSnapshots(ctx, ev.Issues); err != nil {
		return fmt.Errorf("persist after snapshots: %w", err)
	}
	return nil
}
