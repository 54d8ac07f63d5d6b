package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/exchange-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for runs
// and summaries. Writes go to the primary store and invalidate the cache;
// reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateRun(ctx context.Context, r *model.Run) error {
	if err := s.primary.CreateRun(ctx, r); err != nil {
		return err
	}
	s.cache(ctx, runKey(r.ID), r)
	return nil
}

func (s *CachedStore) FinishRun(ctx context.Context, id, status, errMsg string, finishedAt time.Time) error {
	if err := s.primary.FinishRun(ctx, id, status, errMsg, finishedAt); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, runKey(id))
	return nil
}

func (s *CachedStore) SaveSummaries(ctx context.Context, runID string, summaries []model.Summary) error {
	if err := s.primary.SaveSummaries(ctx, runID, summaries); err != nil {
		return err
	}
	s.rdb.Del(ctx, summaryKey(runID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var r model.Run
	if s.load(ctx, runKey(id), &r) {
		return &r, nil
	}

	run, err := s.primary.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, runKey(id), run)
	return run, nil
}

func (s *CachedStore) GetSummaries(ctx context.Context, runID string) ([]model.Summary, error) {
	var summaries []model.Summary
	if s.load(ctx, summaryKey(runID), &summaries) {
		return summaries, nil
	}

	summaries, err := s.primary.GetSummaries(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, summaryKey(runID), summaries)
	return summaries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRuns(ctx context.Context) ([]model.Run, error) {
	return s.primary.ListRuns(ctx)
}

func (s *CachedStore) InsertExchange(ctx context.Context, rec *model.ExchangeRecord) error {
	return s.primary.InsertExchange(ctx, rec)
}

func (s *CachedStore) ListExchanges(ctx context.Context, runID string, f Filter) ([]model.ExchangeRecord, error) {
	return s.primary.ListExchanges(ctx, runID, f)
}

func (s *CachedStore) InsertSnapshots(ctx context.Context, snaps []model.IssueSnapshot) error {
	return s.primary.InsertSnapshots(ctx, snaps)
}

func (s *CachedStore) ListSnapshots(ctx context.Context, runID string, f Filter) ([]model.IssueSnapshot, error) {
	return s.primary.ListSnapshots(ctx, runID, f)
}

func (s *CachedStore) InsertExternalities(ctx context.Context, exts []model.Externality) error {
	return s.primary.InsertExternalities(ctx, exts)
}

func (s *CachedStore) ListExternalities(ctx context.Context, runID string) ([]model.Externality, error) {
	return s.primary.ListExternalities(ctx, runID)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) load(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func runKey(id string) string        { return fmt.Sprintf("run:%s", id) }
func summaryKey(runID string) string { return fmt.Sprintf("summary:%s", runID) }
