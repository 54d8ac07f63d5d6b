// Package results analyses finished runs.
//
// A run repeats the same negotiation with different random draws, so the
// final outcome of an issue is a sample. For every p value Summarize reports
// per issue:
//   - the mean and population variance of the final NBS
//   - the mean spread of the final positions around the NBS
//
// the issue × issue covariance of the final NBS values, per actor the number
// of exchanges and the utility gained, and the externalities per kind.
package results

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/calc"
	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/simulation"
)

// ErrNoRepetitions is returned when there is nothing to summarize.
var ErrNoRepetitions = errors.New("results: no repetitions")

type bucket struct {
	p    decimal.Decimal
	reps []simulation.RepetitionResult
	exts []model.Externality
}

// Summarize builds one summary per p value, in the order the values first
// appear in reps.
func Summarize(runID string, reps []simulation.RepetitionResult, exts []model.Externality) ([]model.Summary, error) {
	if len(reps) == 0 {
		return nil, ErrNoRepetitions
	}

	var buckets []*bucket
	byP := make(map[string]*bucket)
	for _, r := range reps {
		key := r.P.String()
		b, ok := byP[key]
		if !ok {
			b = &bucket{p: r.P}
			byP[key] = b
			buckets = append(buckets, b)
		}
		b.reps = append(b.reps, r)
	}
	for _, x := range exts {
		if b, ok := byP[x.P.String()]; ok {
			b.exts = append(b.exts, x)
		}
	}

	out := make([]model.Summary, 0, len(buckets))
	for _, b := range buckets {
		s, err := summarize(runID, b)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func summarize(runID string, b *bucket) (model.Summary, error) {
	s := model.Summary{
		RunID:         runID,
		P:             b.p,
		Repetitions:   len(b.reps),
		Covariance:    make(map[string]map[string]decimal.Decimal),
		Externalities: make(map[string]map[string]decimal.Decimal),
	}

	// final NBS and spread per issue, in issue order of the first repetition
	var issues []string
	finals := make(map[string][]decimal.Decimal)
	spread := make(map[string][]decimal.Decimal)
	for _, r := range b.reps {
		s.TieCount += r.TieCount
		s.Deadlocks += r.Deadlocks
		if len(r.Rounds) == 0 {
			continue
		}
		for _, snap := range r.Rounds[len(r.Rounds)-1].After {
			if _, ok := finals[snap.Issue]; !ok {
				issues = append(issues, snap.Issue)
			}
			finals[snap.Issue] = append(finals[snap.Issue], snap.NBS)
			spread[snap.Issue] = append(spread[snap.Issue], snap.Variance)
		}
	}

	for _, issue := range issues {
		mean, variance, err := calc.MeanVariance(finals[issue])
		if err != nil {
			return s, err
		}
		nbsVar, _, err := calc.MeanVariance(spread[issue])
		if err != nil {
			return s, err
		}
		s.Issues = append(s.Issues, model.IssueSummary{
			Issue:       issue,
			Mean:        mean,
			Variance:    variance,
			NBSVariance: nbsVar,
		})
	}

	for _, p := range issues {
		row := make(map[string]decimal.Decimal, len(issues))
		for _, q := range issues {
			// a repetition missing an issue leaves the samples unpaired
			cov, err := calc.Covariance(finals[p], finals[q])
			if errors.Is(err, calc.ErrLengthMismatch) {
				continue
			}
			if err != nil {
				return s, err
			}
			row[q] = cov
		}
		s.Covariance[p] = row
	}

	s.Actors = actorSummaries(b.reps)

	for _, x := range b.exts {
		kinds, ok := s.Externalities[x.Actor]
		if !ok {
			kinds = make(map[string]decimal.Decimal)
			s.Externalities[x.Actor] = kinds
		}
		kinds[x.Kind] = kinds[x.Kind].Add(x.Value)
	}
	return s, nil
}

func actorSummaries(reps []simulation.RepetitionResult) []model.ActorSummary {
	acc := make(map[string]*model.ActorSummary)
	for _, r := range reps {
		for _, round := range r.Rounds {
			for _, x := range round.Realized {
				for _, side := range []model.ExchangeSide{x.I, x.J} {
					a, ok := acc[side.Actor]
					if !ok {
						a = &model.ActorSummary{Actor: side.Actor}
						acc[side.Actor] = a
					}
					a.Exchanges++
					a.UtilitySum = a.UtilitySum.Add(side.EU)
				}
			}
		}
	}

	out := make([]model.ActorSummary, 0, len(acc))
	for _, a := range acc {
		a.UtilityMean = a.UtilitySum.DivRound(decimal.NewFromInt(int64(a.Exchanges)), calc.Precision)
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Actor < out[j].Actor })
	return out
}
