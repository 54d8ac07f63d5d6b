package observer

import (
	"context"

	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/simulation"
)

// Message types sent to live clients.
const (
	MessageRoundFinished    = "round_finished"
	MessageExchangeRealized = "exchange_realized"
	MessageRepetitionDone   = "repetition_finished"
)

// Message is a live update of a running simulation.
type Message struct {
	Type       string                `json:"type"`
	RunID      string                `json:"run_id"`
	P          string                `json:"p"`
	Repetition int                   `json:"repetition"`
	Iteration  int                   `json:"iteration"`
	Exchange   *model.ExchangeRecord `json:"exchange,omitempty"`
	Issues     []model.IssueSnapshot `json:"issues,omitempty"`
	Rounds     int                   `json:"rounds,omitempty"`
}

// Broadcaster delivers messages to connected clients without blocking.
type Broadcaster interface {
	Broadcast(msg Message)
}

// BroadcastListener pushes realized exchanges and round outcomes to a
// Broadcaster.
type BroadcastListener struct {
	simulation.BaseListener
	hub Broadcaster
}

// NewBroadcastListener creates a listener sending to hub.
func NewBroadcastListener(hub Broadcaster) *BroadcastListener {
	return &BroadcastListener{hub: hub}
}

func message(typ string, m simulation.Meta, iteration int) Message {
	return Message{Type: typ, RunID: m.RunID, P: m.P.String(), Repetition: m.Repetition, Iteration: iteration}
}

func (l *BroadcastListener) ExecuteExchange(_ context.Context, ev simulation.ExchangeEvent) error {
	msg := message(MessageExchangeRealized, ev.Meta, ev.Iteration)
	rec := ev.Exchange
	msg.Exchange = &rec
	l.hub.Broadcast(msg)
	return nil
}

func (l *BroadcastListener) EndLoop(_ context.Context, ev simulation.RoundEvent) error {
	msg := message(MessageRoundFinished, ev.Meta, ev.Iteration)
	msg.Issues = ev.Issues
	l.hub.Broadcast(msg)
	return nil
}

func (l *BroadcastListener) AfterRepetition(_ context.Context, ev simulation.RepetitionEvent) error {
	msg := message(MessageRepetitionDone, ev.Meta, ev.Iterations)
	if ev.Result != nil {
		msg.Rounds = len(ev.Result.Rounds)
	}
	l.hub.Broadcast(msg)
	return nil
}
