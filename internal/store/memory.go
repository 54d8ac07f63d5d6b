package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/exchange-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu            sync.RWMutex
	runs          map[string]*model.Run
	exchanges     []model.ExchangeRecord
	snapshots     []model.IssueSnapshot
	externalities []model.Externality
	summaries     map[string][]model.Summary
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*model.Run),
		summaries: make(map[string][]model.Summary),
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, r *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("run %s already exists", r.ID)
	}

	// Store a copy to avoid external mutation.
	copy := *r
	s.runs[r.ID] = &copy
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, *r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, nil
}

func (s *MemoryStore) FinishRun(_ context.Context, id, status, errMsg string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	r.Status = status
	r.Error = errMsg
	r.FinishedAt = &finishedAt
	return nil
}

func (s *MemoryStore) InsertExchange(_ context.Context, rec *model.ExchangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.exchanges = append(s.exchanges, *rec)
	return nil
}

func (s *MemoryStore) ListExchanges(_ context.Context, runID string, f Filter) ([]model.ExchangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ExchangeRecord
	for _, e := range s.exchanges {
		if e.RunID == runID && f.Match(e.Repetition, e.Iteration) {
			result = append(result, e)
		}
	}
	// repetitions run in parallel, so insertion order interleaves
	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if c := a.P.Cmp(b.P); c != 0 {
			return c < 0
		}
		if a.Repetition != b.Repetition {
			return a.Repetition < b.Repetition
		}
		if a.Iteration != b.Iteration {
			return a.Iteration < b.Iteration
		}
		return a.Sequence < b.Sequence
	})
	return result, nil
}

func (s *MemoryStore) InsertSnapshots(_ context.Context, snaps []model.IssueSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = append(s.snapshots, snaps...)
	return nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, runID string, f Filter) ([]model.IssueSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.IssueSnapshot
	for _, snap := range s.snapshots {
		if snap.RunID == runID && f.Match(snap.Repetition, snap.Iteration) {
			result = append(result, snap)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if c := a.P.Cmp(b.P); c != 0 {
			return c < 0
		}
		if a.Repetition != b.Repetition {
			return a.Repetition < b.Repetition
		}
		return a.Iteration < b.Iteration
	})
	return result, nil
}

func (s *MemoryStore) InsertExternalities(_ context.Context, exts []model.Externality) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.externalities = append(s.externalities, exts...)
	return nil
}

func (s *MemoryStore) ListExternalities(_ context.Context, runID string) ([]model.Externality, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Externality
	for _, x := range s.externalities {
		if x.RunID == runID {
			result = append(result, x)
		}
	}
	return result, nil
}

func (s *MemoryStore) SaveSummaries(_ context.Context, runID string, summaries []model.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.summaries[runID] = append([]model.Summary(nil), summaries...)
	return nil
}

func (s *MemoryStore) GetSummaries(_ context.Context, runID string) ([]model.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries, ok := s.summaries[runID]
	if !ok {
		return nil, fmt.Errorf("summary of run %s: %w", runID, ErrNotFound)
	}
	return append([]model.Summary(nil), summaries...), nil
}
