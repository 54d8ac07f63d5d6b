package observer_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/exchange-engine/internal/dataset"
	"github.com/atmx/exchange-engine/internal/metrics"
	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/observer"
	"github.com/atmx/exchange-engine/internal/simulation"
	"github.com/atmx/exchange-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func minimal() *model.Dataset {
	return &model.Dataset{
		Name:   "minimal",
		Actors: []model.Actor{{ID: "Actor-1"}, {ID: "Actor-2"}},
		Issues: []model.Issue{{ID: "Issue-1"}, {ID: "Issue-2"}},
		ActorIssues: []model.ActorIssue{
			{Actor: "Actor-1", Issue: "Issue-1", Position: d(0), Salience: d(10), Power: d(100)},
			{Actor: "Actor-1", Issue: "Issue-2", Position: d(0), Salience: d(90), Power: d(100)},
			{Actor: "Actor-2", Issue: "Issue-1", Position: d(100), Salience: d(60), Power: d(100)},
			{Actor: "Actor-2", Issue: "Issue-2", Position: d(100), Salience: d(50), Power: d(100)},
		},
	}
}

type hub struct {
	mu   sync.Mutex
	msgs []observer.Message
}

func (h *hub) Broadcast(msg observer.Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
}

func (h *hub) count(typ string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func run(t *testing.T, listener simulation.Listener, reps, iterations int) []simulation.RepetitionResult {
	t.Helper()
	f, err := dataset.NewFactory(minimal(), model.RunConfig{Model: model.ModelEqualGain}, nil)
	require.NoError(t, err)
	runner := simulation.NewRunner(f.Build, listener, nil)
	res, err := runner.Run(context.Background(), simulation.Config{
		RunID:       "run-1",
		Model:       model.ModelEqualGain,
		Iterations:  iterations,
		Repetitions: reps,
		Seed:        3,
		Workers:     2,
		Smoothing:   simulation.DefaultSmoothing,
	})
	require.NoError(t, err)
	return res
}

func TestListeners_PersistAndBroadcastRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	h := &hub{}
	c := &observer.Collector{}

	res := run(t, simulation.Listeners{
		observer.NewLogListener(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
		observer.MetricsListener{},
		observer.NewStoreListener(st),
		observer.NewBroadcastListener(h),
		c,
	}, 2, 3)

	realized := 0
	for _, r := range res {
		for _, round := range r.Rounds {
			realized += len(round.Realized)
		}
	}
	require.Positive(t, realized)

	exchanges, err := st.ListExchanges(ctx, "run-1", store.Filter{})
	require.NoError(t, err)
	assert.Len(t, exchanges, realized)

	// two issues, a before and an after snapshot per round
	snaps, err := st.ListSnapshots(ctx, "run-1", store.Filter{})
	require.NoError(t, err)
	assert.Len(t, snaps, 2*3*2*2)

	exts, err := st.ListExternalities(ctx, "run-1")
	require.NoError(t, err)
	// both actors of the minimal dataset trade, so every exchange has two own rows
	assert.Len(t, exts, 2*realized)
	assert.Len(t, c.Externalities(), len(exts))

	assert.Equal(t, realized, h.count(observer.MessageExchangeRealized))
	assert.Equal(t, 2*3, h.count(observer.MessageRoundFinished))
	assert.Equal(t, 2, h.count(observer.MessageRepetitionDone))
}

func TestMetricsListener_CountsExchanges(t *testing.T) {
	before := testutil.ToFloat64(metrics.ExchangesTotal.WithLabelValues(model.ModelEqualGain))
	rounds := testutil.ToFloat64(metrics.RoundsTotal.WithLabelValues(model.ModelEqualGain))

	res := run(t, observer.MetricsListener{}, 1, 2)
	realized := 0
	for _, round := range res[0].Rounds {
		realized += len(round.Realized)
	}

	after := testutil.ToFloat64(metrics.ExchangesTotal.WithLabelValues(model.ModelEqualGain))
	assert.Equal(t, float64(realized), after-before)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.RoundsTotal.WithLabelValues(model.ModelEqualGain))-rounds)
}

func TestLogListener_WritesPhases(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	run(t, observer.NewLogListener(log), 1, 1)

	out := buf.String()
	assert.Contains(t, out, `"msg":"repetition started"`)
	assert.Contains(t, out, `"msg":"exchange realized"`)
	assert.Contains(t, out, `"msg":"round finished"`)
	assert.Contains(t, out, `"run_id":"run-1"`)
}

type failingStore struct {
	store.Store
}

var errDisk = errors.New("disk full")

func (failingStore) InsertSnapshots(context.Context, []model.IssueSnapshot) error { return errDisk }

func TestStoreListener_WrapsErrors(t *testing.T) {
	l := observer.NewStoreListener(failingStore{Store: store.NewMemoryStore()})
	err := l.BeforeLoop(context.Background(), simulation.RoundEvent{})
	require.ErrorIs(t, err, errDisk)
	assert.Contains(t, err.Error(), "persist before snapshots")
}
