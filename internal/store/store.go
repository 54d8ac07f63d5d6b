// Package store defines the persistence interface for simulation runs.
// Implementations include PostgreSQL (source of truth), SQLite (single file
// deployments), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/exchange-engine/internal/model"
)

// ErrNotFound is returned when a run or its summary does not exist.
var ErrNotFound = errors.New("store: not found")

// Filter narrows record queries. Nil fields match everything.
type Filter struct {
	Repetition *int
	Iteration  *int
}

// Match reports whether a record of repetition and iteration passes f.
func (f Filter) Match(repetition, iteration int) bool {
	if f.Repetition != nil && *f.Repetition != repetition {
		return false
	}
	if f.Iteration != nil && *f.Iteration != iteration {
		return false
	}
	return true
}

// Store is the persistence interface. Records of a run are append-only;
// only the run status changes after creation.
type Store interface {
	// --- Runs ---

	// CreateRun persists a new run.
	CreateRun(ctx context.Context, run *model.Run) error

	// GetRun retrieves a run by its ID.
	GetRun(ctx context.Context, id string) (*model.Run, error)

	// ListRuns returns all runs, newest first.
	ListRuns(ctx context.Context) ([]model.Run, error)

	// FinishRun sets the final status of a run.
	FinishRun(ctx context.Context, id, status, errMsg string, finishedAt time.Time) error

	// --- Records ---

	// InsertExchange appends a realized exchange.
	InsertExchange(ctx context.Context, rec *model.ExchangeRecord) error

	// ListExchanges returns the realized exchanges of a run in realization order.
	ListExchanges(ctx context.Context, runID string, f Filter) ([]model.ExchangeRecord, error)

	// InsertSnapshots appends issue snapshots.
	InsertSnapshots(ctx context.Context, snaps []model.IssueSnapshot) error

	// ListSnapshots returns the issue development of a run.
	ListSnapshots(ctx context.Context, runID string, f Filter) ([]model.IssueSnapshot, error)

	// InsertExternalities appends the externalities of one exchange.
	InsertExternalities(ctx context.Context, exts []model.Externality) error

	// ListExternalities returns the externalities of a run.
	ListExternalities(ctx context.Context, runID string) ([]model.Externality, error)

	// --- Analysis ---

	// SaveSummaries stores the summaries of a finished run.
	SaveSummaries(ctx context.Context, runID string, summaries []model.Summary) error

	// GetSummaries returns the summaries of a run.
	GetSummaries(ctx context.Context, runID string) ([]model.Summary, error)
}
