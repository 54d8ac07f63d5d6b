package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/exchange-engine/internal/negotiation"
)

var (
	ErrNoIterations  = errors.New("simulation: iterations must be at least 1")
	ErrNoRepetitions = errors.New("simulation: repetitions must be at least 1")
)

// Builder creates a fresh model for one repetition. The model must use rng
// as its random source.
type Builder func(p decimal.Decimal, rng *rand.Rand) (*negotiation.Model, error)

// Config describes the repetitions of a run.
type Config struct {
	RunID       string
	Model       string
	Iterations  int
	Repetitions int
	// PValues runs every repetition once per value. Empty means a single
	// pass with p = 0.
	PValues   []decimal.Decimal
	Seed      int64
	Workers   int
	Smoothing Smoothing
}

// RepetitionResult is the outcome of one repetition.
type RepetitionResult struct {
	P          decimal.Decimal            `json:"p"`
	Repetition int                        `json:"repetition"`
	Rounds     []RoundResult              `json:"rounds"`
	FinalNBS   map[string]decimal.Decimal `json:"final_nbs"`
	TieCount   int                        `json:"tie_count"`
	Deadlocks  int                        `json:"deadlocks"`
}

// Runner executes repetitions in parallel.
type Runner struct {
	build    Builder
	listener Listener
	log      *slog.Logger
}

// NewRunner creates a runner. listener receives the events of every
// repetition and may be nil.
func NewRunner(build Builder, listener Listener, log *slog.Logger) *Runner {
	if listener == nil {
		listener = BaseListener{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{build: build, listener: listener, log: log}
}

// Run executes cfg.Repetitions repetitions of cfg.Iterations rounds for every
// p value. Repetition r draws from the seed cfg.Seed + r. Results are ordered
// by p value, then repetition. The first failing repetition cancels the rest.
func (r *Runner) Run(ctx context.Context, cfg Config) ([]RepetitionResult, error) {
	if cfg.Iterations < 1 {
		return nil, ErrNoIterations
	}
	if cfg.Repetitions < 1 {
		return nil, ErrNoRepetitions
	}
	ps := cfg.PValues
	if len(ps) == 0 {
		ps = []decimal.Decimal{decimal.Zero}
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}

	results := make([]RepetitionResult, len(ps)*cfg.Repetitions)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for pi, p := range ps {
		for rep := 0; rep < cfg.Repetitions; rep++ {
			idx := pi*cfg.Repetitions + rep
			meta := Meta{RunID: cfg.RunID, Model: cfg.Model, P: p, Repetition: rep}
			g.Go(func() error {
				res, err := r.repetition(ctx, cfg, meta)
				if err != nil {
					return fmt.Errorf("repetition %d (p=%s): %w", meta.Repetition, meta.P, err)
				}
				results[idx] = res
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Runner) repetition(ctx context.Context, cfg Config, meta Meta) (RepetitionResult, error) {
	res := RepetitionResult{P: meta.P, Repetition: meta.Repetition}
	rng := rand.New(rand.NewSource(cfg.Seed + int64(meta.Repetition)))
	m, err := r.build(meta.P, rng)
	if err != nil {
		return res, err
	}

	ev := RepetitionEvent{Meta: meta, Iterations: cfg.Iterations}
	if err := r.listener.BeforeRepetition(ctx, ev); err != nil {
		return res, fmt.Errorf("before repetition: %w", err)
	}

	loop := NewLoop(m, meta, cfg.Smoothing, r.listener, r.log)
	for it := 0; it < cfg.Iterations; it++ {
		round, err := loop.Round(ctx)
		if err != nil {
			return res, err
		}
		res.Rounds = append(res.Rounds, round)
	}

	res.FinalNBS = make(map[string]decimal.Decimal, len(m.Issues()))
	if n := len(res.Rounds); n > 0 {
		for _, s := range res.Rounds[n-1].After {
			res.FinalNBS[s.Issue] = s.NBS
		}
	}
	res.TieCount = m.TieCount
	res.Deadlocks = m.Deadlocks

	r.log.Debug("repetition finished",
		"run_id", meta.RunID, "p", meta.P.String(), "repetition", meta.Repetition,
		"ties", res.TieCount, "deadlocks", res.Deadlocks)

	ev.Result = &res
	if err := r.listener.AfterRepetition(ctx, ev); err != nil {
		return res, fmt.Errorf("after repetition: %w", err)
	}
	return res, nil
}
