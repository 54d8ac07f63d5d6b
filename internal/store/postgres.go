package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/model"
)

// PostgresSchema creates the tables of PostgresStore.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	dataset     TEXT NOT NULL,
	model       TEXT NOT NULL,
	config      JSONB NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS exchanges (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	p          NUMERIC NOT NULL,
	repetition INTEGER NOT NULL,
	iteration  INTEGER NOT NULL,
	sequence   INTEGER NOT NULL,
	gain       NUMERIC NOT NULL,
	dp         NUMERIC NOT NULL,
	dq         NUMERIC NOT NULL,
	side_i     JSONB NOT NULL,
	side_j     JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS issue_snapshots (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	p           NUMERIC NOT NULL,
	repetition  INTEGER NOT NULL,
	iteration   INTEGER NOT NULL,
	phase       TEXT NOT NULL,
	issue       TEXT NOT NULL,
	nbs         NUMERIC NOT NULL,
	denominator NUMERIC NOT NULL,
	variance    NUMERIC NOT NULL,
	positions   JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS externalities (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	exchange_id TEXT NOT NULL,
	p           NUMERIC NOT NULL,
	repetition  INTEGER NOT NULL,
	iteration   INTEGER NOT NULL,
	actor       TEXT NOT NULL,
	kind        TEXT NOT NULL,
	value       NUMERIC NOT NULL
);

CREATE TABLE IF NOT EXISTS summaries (
	run_id TEXT PRIMARY KEY REFERENCES runs(id),
	data   JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_exchanges_run ON exchanges(run_id, p, repetition, iteration, sequence);
CREATE INDEX IF NOT EXISTS idx_snapshots_run ON issue_snapshots(run_id, p, repetition, iteration);
CREATE INDEX IF NOT EXISTS idx_externalities_run ON externalities(run_id);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All model values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresSchema)
	return err
}

func (s *PostgresStore) CreateRun(ctx context.Context, r *model.Run) error {
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, dataset, model, config, status, error, created_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.Dataset, r.Model, cfg, r.Status, r.Error, r.CreatedAt, r.FinishedAt,
	)
	return err
}

const runColumns = `id, dataset, model, config, status, error, created_at, finished_at`

func scanRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var cfg []byte
	if err := row.Scan(&r.ID, &r.Dataset, &r.Model, &cfg, &r.Status, &r.Error, &r.CreatedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &r.Config); err != nil {
		return nil, fmt.Errorf("decode config of run %s: %w", r.ID, err)
	}
	return &r, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) FinishRun(ctx context.Context, id, status, errMsg string, finishedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, error = $3, finished_at = $4 WHERE id = $1`,
		id, status, errMsg, finishedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertExchange(ctx context.Context, e *model.ExchangeRecord) error {
	i, err := json.Marshal(e.I)
	if err != nil {
		return err
	}
	j, err := json.Marshal(e.J)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO exchanges (id, run_id, p, repetition, iteration, sequence, gain, dp, dq, side_i, side_j)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		e.ID, e.RunID, e.P.String(), e.Repetition, e.Iteration, e.Sequence,
		e.Gain.String(), e.DP.String(), e.DQ.String(), i, j,
	)
	return err
}

func (s *PostgresStore) ListExchanges(ctx context.Context, runID string, f Filter) ([]model.ExchangeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, p::TEXT, repetition, iteration, sequence,
		        gain::TEXT, dp::TEXT, dq::TEXT, side_i, side_j
		 FROM exchanges
		 WHERE run_id = $1
		   AND ($2::INTEGER IS NULL OR repetition = $2)
		   AND ($3::INTEGER IS NULL OR iteration = $3)
		 ORDER BY p, repetition, iteration, sequence`,
		runID, f.Repetition, f.Iteration)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.ExchangeRecord
	for rows.Next() {
		var e model.ExchangeRecord
		var p, gain, dp, dq string
		var i, j []byte
		if err := rows.Scan(&e.ID, &e.RunID, &p, &e.Repetition, &e.Iteration, &e.Sequence,
			&gain, &dp, &dq, &i, &j); err != nil {
			return nil, err
		}
		e.P, _ = decimal.NewFromString(p)
		e.Gain, _ = decimal.NewFromString(gain)
		e.DP, _ = decimal.NewFromString(dp)
		e.DQ, _ = decimal.NewFromString(dq)
		if err := json.Unmarshal(i, &e.I); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(j, &e.J); err != nil {
			return nil, err
		}
		records = append(records, e)
	}
	return records, rows.Err()
}

func (s *PostgresStore) InsertSnapshots(ctx context.Context, snaps []model.IssueSnapshot) error {
	batch := &pgx.Batch{}
	for _, snap := range snaps {
		positions, err := json.Marshal(snap.Positions)
		if err != nil {
			return err
		}
		batch.Queue(
			`INSERT INTO issue_snapshots
			   (run_id, p, repetition, iteration, phase, issue, nbs, denominator, variance, positions)
			 VALUES ($1, $2::NUMERIC, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
			snap.RunID, snap.P.String(), snap.Repetition, snap.Iteration, snap.Phase, snap.Issue,
			snap.NBS.String(), snap.Denominator.String(), snap.Variance.String(), positions,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, runID string, f Filter) ([]model.IssueSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, p::TEXT, repetition, iteration, phase, issue,
		        nbs::TEXT, denominator::TEXT, variance::TEXT, positions
		 FROM issue_snapshots
		 WHERE run_id = $1
		   AND ($2::INTEGER IS NULL OR repetition = $2)
		   AND ($3::INTEGER IS NULL OR iteration = $3)
		 ORDER BY p, repetition, iteration`,
		runID, f.Repetition, f.Iteration)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.IssueSnapshot
	for rows.Next() {
		var snap model.IssueSnapshot
		var p, nbs, den, variance string
		var positions []byte
		if err := rows.Scan(&snap.RunID, &p, &snap.Repetition, &snap.Iteration, &snap.Phase, &snap.Issue,
			&nbs, &den, &variance, &positions); err != nil {
			return nil, err
		}
		snap.P, _ = decimal.NewFromString(p)
		snap.NBS, _ = decimal.NewFromString(nbs)
		snap.Denominator, _ = decimal.NewFromString(den)
		snap.Variance, _ = decimal.NewFromString(variance)
		if err := json.Unmarshal(positions, &snap.Positions); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) InsertExternalities(ctx context.Context, exts []model.Externality) error {
	batch := &pgx.Batch{}
	for _, x := range exts {
		batch.Queue(
			`INSERT INTO externalities (run_id, exchange_id, p, repetition, iteration, actor, kind, value)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8::NUMERIC)`,
			x.RunID, x.ExchangeID, x.P.String(), x.Repetition, x.Iteration, x.Actor, x.Kind, x.Value.String(),
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) ListExternalities(ctx context.Context, runID string) ([]model.Externality, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, exchange_id, p::TEXT, repetition, iteration, actor, kind, value::TEXT
		 FROM externalities WHERE run_id = $1`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exts []model.Externality
	for rows.Next() {
		var x model.Externality
		var p, value string
		if err := rows.Scan(&x.RunID, &x.ExchangeID, &p, &x.Repetition, &x.Iteration,
			&x.Actor, &x.Kind, &value); err != nil {
			return nil, err
		}
		x.P, _ = decimal.NewFromString(p)
		x.Value, _ = decimal.NewFromString(value)
		exts = append(exts, x)
	}
	return exts, rows.Err()
}

func (s *PostgresStore) SaveSummaries(ctx context.Context, runID string, summaries []model.Summary) error {
	data, err := json.Marshal(summaries)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO summaries (run_id, data) VALUES ($1, $2)
		 ON CONFLICT (run_id) DO UPDATE SET data = EXCLUDED.data`,
		runID, data,
	)
	return err
}

func (s *PostgresStore) GetSummaries(ctx context.Context, runID string) ([]model.Summary, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM summaries WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("summary of run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var summaries []model.Summary
	if err := json.Unmarshal(data, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}
