// Package dataset validates simulation input and builds negotiation models
// from it.
package dataset

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/negotiation"
)

var (
	ErrInvalid            = errors.New("dataset: invalid dataset")
	ErrUnknownActor       = errors.New("dataset: unknown actor")
	ErrUnknownIssue       = errors.New("dataset: unknown issue")
	ErrPositionOutOfRange = errors.New("dataset: position outside issue bounds")
	ErrDuplicate          = errors.New("dataset: duplicate entry")
)

// percent converts salience and power from percent to fractions.
var percent = decimal.NewFromInt(100)

var validate = validator.New()

// Struct validates the tags of v and wraps failures in ErrInvalid.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed validation '%s'", e.Namespace(), e.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

// Validate checks the struct tags of ds and the references between its
// records.
func Validate(ds *model.Dataset) error {
	if err := Struct(ds); err != nil {
		return err
	}

	actors := make(map[string]bool, len(ds.Actors))
	for _, a := range ds.Actors {
		if actors[a.ID] {
			return fmt.Errorf("%w: actor %q", ErrDuplicate, a.ID)
		}
		actors[a.ID] = true
	}
	issues := make(map[string]model.Issue, len(ds.Issues))
	for _, i := range ds.Issues {
		if _, ok := issues[i.ID]; ok {
			return fmt.Errorf("%w: issue %q", ErrDuplicate, i.ID)
		}
		issues[i.ID] = i
	}

	seen := make(map[[2]string]bool, len(ds.ActorIssues))
	for _, ai := range ds.ActorIssues {
		if !actors[ai.Actor] {
			return fmt.Errorf("%w: %q", ErrUnknownActor, ai.Actor)
		}
		issue, ok := issues[ai.Issue]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownIssue, ai.Issue)
		}
		key := [2]string{ai.Actor, ai.Issue}
		if seen[key] {
			return fmt.Errorf("%w: %q on %q", ErrDuplicate, ai.Actor, ai.Issue)
		}
		seen[key] = true

		if issue.Lower != nil && ai.Position.LessThan(*issue.Lower) ||
			issue.Upper != nil && ai.Position.GreaterThan(*issue.Upper) {
			return fmt.Errorf("%w: %q on %q at %s", ErrPositionOutOfRange, ai.Actor, ai.Issue, ai.Position)
		}
		if ai.Salience.IsNegative() || ai.Salience.GreaterThan(percent) {
			return fmt.Errorf("%w: salience of %q on %q is %s, expected 0–100", ErrInvalid, ai.Actor, ai.Issue, ai.Salience)
		}
		if ai.Power.IsNegative() || ai.Power.GreaterThan(percent) {
			return fmt.Errorf("%w: power of %q on %q is %s, expected 0–100", ErrInvalid, ai.Actor, ai.Issue, ai.Power)
		}
	}
	return nil
}

// Factory builds a fresh negotiation model per repetition from one dataset.
type Factory struct {
	actors      []model.Actor
	issues      []model.Issue
	actorIssues []model.ActorIssue
	model       string
	log         *slog.Logger
}

// NewFactory validates ds and applies the optional actor and issue
// whitelists of cfg. Missing issue bounds are inferred from the positions,
// 0–100 when an issue has none.
func NewFactory(ds *model.Dataset, cfg model.RunConfig, log *slog.Logger) (*Factory, error) {
	if err := Validate(ds); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	actorOK, err := whitelist(cfg.Actors, ds.Actors, func(a model.Actor) string { return a.ID }, ErrUnknownActor)
	if err != nil {
		return nil, err
	}
	issueOK, err := whitelist(cfg.Issues, ds.Issues, func(i model.Issue) string { return i.ID }, ErrUnknownIssue)
	if err != nil {
		return nil, err
	}

	f := &Factory{model: cfg.Model, log: log}
	for _, a := range ds.Actors {
		if actorOK(a.ID) {
			f.actors = append(f.actors, a)
		}
	}

	index := make(map[string]int)
	for _, i := range ds.Issues {
		if !issueOK(i.ID) {
			continue
		}
		// bounds are copied so inference never touches the input
		issue := model.Issue{ID: i.ID, Name: i.Name}
		if i.Lower != nil {
			v := *i.Lower
			issue.Lower = &v
		}
		if i.Upper != nil {
			v := *i.Upper
			issue.Upper = &v
		}
		index[i.ID] = len(f.issues)
		f.issues = append(f.issues, issue)
	}

	for _, ai := range ds.ActorIssues {
		k, ok := index[ai.Issue]
		if !ok || !actorOK(ai.Actor) {
			continue
		}
		f.issues[k].Expand(ai.Position)
		f.actorIssues = append(f.actorIssues, ai)
	}
	for k := range f.issues {
		issue := &f.issues[k]
		if issue.Lower == nil {
			v := decimal.Zero
			issue.Lower = &v
		}
		if issue.Upper == nil {
			v := model.Scale
			issue.Upper = &v
		}
	}

	if len(f.actors) < 2 || len(f.issues) < 2 {
		return nil, fmt.Errorf("%w: need at least two actors and two issues, got %d and %d",
			ErrInvalid, len(f.actors), len(f.issues))
	}
	return f, nil
}

func whitelist[T any](names []string, items []T, id func(T) string, unknown error) (func(string) bool, error) {
	if len(names) == 0 {
		return func(string) bool { return true }, nil
	}
	known := make(map[string]bool, len(items))
	for _, item := range items {
		known[id(item)] = true
	}
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		if !known[n] {
			return nil, fmt.Errorf("%w: %q in whitelist", unknown, n)
		}
		allowed[n] = true
	}
	return func(s string) bool { return allowed[s] }, nil
}

// Issues returns the issues with their effective bounds.
func (f *Factory) Issues() []model.Issue { return f.issues }

// Actors returns the actors after filtering.
func (f *Factory) Actors() []model.Actor { return f.actors }

// Build creates a model with the strategy of the factory and randomized
// value p. Positions are normalized onto 0–100, salience and power divided
// by 100.
func (f *Factory) Build(p decimal.Decimal, rng *rand.Rand) (*negotiation.Model, error) {
	strategy, err := negotiation.NewStrategy(f.model, p)
	if err != nil {
		return nil, err
	}
	m := negotiation.NewModel(negotiation.Options{Strategy: strategy, Rand: rng, Logger: f.log})

	for _, a := range f.actors {
		if err := m.AddActor(a); err != nil {
			return nil, err
		}
	}
	issues := make(map[string]model.Issue, len(f.issues))
	for _, i := range f.issues {
		if err := m.AddIssue(i); err != nil {
			return nil, err
		}
		issues[i.ID] = i
	}
	for _, ai := range f.actorIssues {
		x := issues[ai.Issue].Normalize(ai.Position)
		s := ai.Salience.DivRound(percent, 28)
		c := ai.Power.DivRound(percent, 28)
		if _, err := m.AddActorIssue(ai.Actor, ai.Issue, x, s, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
