package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/exchange-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func intp(v int) *int { return &v }

// backends returns every store that runs without external services.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func newRun(id string, created time.Time) *model.Run {
	return &model.Run{
		ID:      id,
		Dataset: "cabinet",
		Model:   model.ModelEqualGain,
		Config: model.RunConfig{
			Model:          model.ModelEqualGain,
			SalienceWeight: d(0.4),
			FixedWeight:    d(0.1),
			Iterations:     10,
			Repetitions:    2,
			Seed:           7,
		},
		Status:    model.RunRunning,
		CreatedAt: created,
	}
}

func record(runID string, rep, it, seq int, gain float64) *model.ExchangeRecord {
	return &model.ExchangeRecord{
		ID:         fmt.Sprintf("%s-%d-%d-%d", runID, rep, it, seq),
		RunID:      runID,
		P:          decimal.Zero,
		Repetition: rep,
		Iteration:  it,
		Sequence:   seq,
		Gain:       d(gain),
		DP:         d(1.5),
		DQ:         d(0.75),
		I:          model.ExchangeSide{Actor: "north", SupplyIssue: "tax", DemandIssue: "energy", Voting: d(42)},
		J:          model.ExchangeSide{Actor: "south", SupplyIssue: "energy", DemandIssue: "tax", Voting: d(58)},
	}
}

func TestStore_Runs(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.CreateRun(ctx, newRun("r1", base)))
			require.NoError(t, s.CreateRun(ctx, newRun("r2", base.Add(time.Minute))))
			assert.Error(t, s.CreateRun(ctx, newRun("r1", base)), "duplicate run id")

			r, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, model.RunRunning, r.Status)
			assert.Equal(t, 10, r.Config.Iterations)
			assert.True(t, r.Config.SalienceWeight.Equal(d(0.4)))
			assert.Nil(t, r.FinishedAt)

			runs, err := s.ListRuns(ctx)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "r2", runs[0].ID, "newest first")

			done := base.Add(time.Hour)
			require.NoError(t, s.FinishRun(ctx, "r1", model.RunFailed, "boom", done))
			r, err = s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, model.RunFailed, r.Status)
			assert.Equal(t, "boom", r.Error)
			require.NotNil(t, r.FinishedAt)
			assert.True(t, r.FinishedAt.Equal(done))

			_, err = s.GetRun(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.FinishRun(ctx, "missing", model.RunFinished, "", done), ErrNotFound)
		})
	}
}

func TestStore_Exchanges(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.CreateRun(ctx, newRun("r1", time.Now().UTC())))
			// inserted out of order, as parallel repetitions do
			require.NoError(t, s.InsertExchange(ctx, record("r1", 1, 0, 1, 3)))
			require.NoError(t, s.InsertExchange(ctx, record("r1", 0, 1, 1, 2)))
			require.NoError(t, s.InsertExchange(ctx, record("r1", 0, 0, 2, 1)))
			require.NoError(t, s.InsertExchange(ctx, record("r1", 0, 0, 1, 5)))
			require.NoError(t, s.InsertExchange(ctx, record("other", 0, 0, 1, 5)))

			all, err := s.ListExchanges(ctx, "r1", Filter{})
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, []int{0, 0, 0, 1}, []int{all[0].Repetition, all[1].Repetition, all[2].Repetition, all[3].Repetition})
			assert.Equal(t, 1, all[0].Sequence)
			assert.Equal(t, 2, all[1].Sequence)
			assert.True(t, all[0].Gain.Equal(d(5)))
			assert.True(t, all[0].DQ.Equal(d(0.75)))
			assert.Equal(t, "north", all[0].I.Actor)
			assert.True(t, all[0].J.Voting.Equal(d(58)))

			rep0, err := s.ListExchanges(ctx, "r1", Filter{Repetition: intp(0)})
			require.NoError(t, err)
			assert.Len(t, rep0, 3)

			it0, err := s.ListExchanges(ctx, "r1", Filter{Repetition: intp(0), Iteration: intp(0)})
			require.NoError(t, err)
			assert.Len(t, it0, 2)
		})
	}
}

func TestStore_SnapshotsAndExternalities(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.CreateRun(ctx, newRun("r1", time.Now().UTC())))
			snaps := []model.IssueSnapshot{
				{RunID: "r1", Repetition: 0, Iteration: 0, Phase: "before", Issue: "tax",
					NBS: d(48.5), Denominator: d(2.1), Variance: d(300),
					Positions: map[string]decimal.Decimal{"north": d(10), "south": d(90)}},
				{RunID: "r1", Repetition: 0, Iteration: 1, Phase: "before", Issue: "tax",
					NBS: d(50), Denominator: d(2.1), Variance: d(250),
					Positions: map[string]decimal.Decimal{"north": d(20), "south": d(80)}},
			}
			require.NoError(t, s.InsertSnapshots(ctx, snaps))

			got, err := s.ListSnapshots(ctx, "r1", Filter{Iteration: intp(1)})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.True(t, got[0].NBS.Equal(d(50)))
			assert.True(t, got[0].Positions["south"].Equal(d(80)))

			exts := []model.Externality{
				{RunID: "r1", ExchangeID: "x", Actor: "east", Kind: "outer_negative", Value: d(-0.25)},
				{RunID: "r1", ExchangeID: "x", Actor: "north", Kind: "own", Value: d(1.5)},
			}
			require.NoError(t, s.InsertExternalities(ctx, exts))
			gotExts, err := s.ListExternalities(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, gotExts, 2)
			assert.True(t, gotExts[0].Value.Equal(d(-0.25)))
		})
	}
}

func TestStore_Summaries(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.CreateRun(ctx, newRun("r1", time.Now().UTC())))
			_, err := s.GetSummaries(ctx, "r1")
			assert.ErrorIs(t, err, ErrNotFound)

			summaries := []model.Summary{{
				RunID:       "r1",
				Repetitions: 2,
				Issues:      []model.IssueSummary{{Issue: "tax", Mean: d(48), Variance: d(1.5)}},
				TieCount:    3,
			}}
			require.NoError(t, s.SaveSummaries(ctx, "r1", summaries))
			// saving again replaces
			summaries[0].TieCount = 4
			require.NoError(t, s.SaveSummaries(ctx, "r1", summaries))

			got, err := s.GetSummaries(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, 4, got[0].TieCount)
			assert.True(t, got[0].Issues[0].Mean.Equal(d(48)))
		})
	}
}
