package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atmx/exchange-engine/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. Decimal values are
// stored as TEXT to keep their exact representation.
type SQLiteStore struct {
	db *sqlx.DB
}

// OpenSQLite opens or creates a SQLite database at path. Use ":memory:" for
// a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = path
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one connection keeps an in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		dataset TEXT NOT NULL,
		model TEXT NOT NULL,
		config TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS exchanges (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		p TEXT NOT NULL,
		repetition INTEGER NOT NULL,
		iteration INTEGER NOT NULL,
		sequence INTEGER NOT NULL,
		gain TEXT NOT NULL,
		dp TEXT NOT NULL,
		dq TEXT NOT NULL,
		side_i TEXT NOT NULL,
		side_j TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS issue_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		p TEXT NOT NULL,
		repetition INTEGER NOT NULL,
		iteration INTEGER NOT NULL,
		phase TEXT NOT NULL,
		issue TEXT NOT NULL,
		nbs TEXT NOT NULL,
		denominator TEXT NOT NULL,
		variance TEXT NOT NULL,
		positions TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS externalities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		exchange_id TEXT NOT NULL,
		p TEXT NOT NULL,
		repetition INTEGER NOT NULL,
		iteration INTEGER NOT NULL,
		actor TEXT NOT NULL,
		kind TEXT NOT NULL,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS summaries (
		run_id TEXT PRIMARY KEY,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_exchanges_run ON exchanges(run_id, repetition, iteration);
	CREATE INDEX IF NOT EXISTS idx_snapshots_run ON issue_snapshots(run_id, repetition, iteration);
	CREATE INDEX IF NOT EXISTS idx_externalities_run ON externalities(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

type runRow struct {
	ID         string       `db:"id"`
	Dataset    string       `db:"dataset"`
	Model      string       `db:"model"`
	Config     string       `db:"config"`
	Status     string       `db:"status"`
	Error      string       `db:"error"`
	CreatedAt  time.Time    `db:"created_at"`
	FinishedAt sql.NullTime `db:"finished_at"`
}

func (r runRow) run() (model.Run, error) {
	run := model.Run{
		ID:        r.ID,
		Dataset:   r.Dataset,
		Model:     r.Model,
		Status:    r.Status,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		run.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(r.Config), &run.Config); err != nil {
		return run, fmt.Errorf("decode config of run %s: %w", r.ID, err)
	}
	return run, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return err
	}
	var finished sql.NullTime
	if r.FinishedAt != nil {
		finished = sql.NullTime{Time: *r.FinishedAt, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, dataset, model, config, status, error, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Dataset, r.Model, string(cfg), r.Status, r.Error, r.CreatedAt, finished,
	)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM runs WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	run, err := row.run()
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]model.Run, error) {
	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM runs ORDER BY created_at DESC"); err != nil {
		return nil, err
	}
	runs := make([]model.Run, 0, len(rows))
	for _, row := range rows {
		run, err := row.run()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id, status, errMsg string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?",
		status, errMsg, finishedAt, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

type exchangeRow struct {
	ID         string `db:"id"`
	RunID      string `db:"run_id"`
	P          string `db:"p"`
	Repetition int    `db:"repetition"`
	Iteration  int    `db:"iteration"`
	Sequence   int    `db:"sequence"`
	Gain       string `db:"gain"`
	DP         string `db:"dp"`
	DQ         string `db:"dq"`
	SideI      string `db:"side_i"`
	SideJ      string `db:"side_j"`
}

func (s *SQLiteStore) InsertExchange(ctx context.Context, e *model.ExchangeRecord) error {
	i, err := json.Marshal(e.I)
	if err != nil {
		return err
	}
	j, err := json.Marshal(e.J)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO exchanges (id, run_id, p, repetition, iteration, sequence, gain, dp, dq, side_i, side_j)
		 VALUES (:id, :run_id, :p, :repetition, :iteration, :sequence, :gain, :dp, :dq, :side_i, :side_j)`,
		exchangeRow{
			ID: e.ID, RunID: e.RunID, P: e.P.String(),
			Repetition: e.Repetition, Iteration: e.Iteration, Sequence: e.Sequence,
			Gain: e.Gain.String(), DP: e.DP.String(), DQ: e.DQ.String(),
			SideI: string(i), SideJ: string(j),
		},
	)
	return err
}

// filterClause appends the optional repetition and iteration conditions.
func filterClause(f Filter, args []any) (string, []any) {
	clause := ""
	if f.Repetition != nil {
		clause += " AND repetition = ?"
		args = append(args, *f.Repetition)
	}
	if f.Iteration != nil {
		clause += " AND iteration = ?"
		args = append(args, *f.Iteration)
	}
	return clause, args
}

func (s *SQLiteStore) ListExchanges(ctx context.Context, runID string, f Filter) ([]model.ExchangeRecord, error) {
	clause, args := filterClause(f, []any{runID})
	var rows []exchangeRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM exchanges WHERE run_id = ?"+clause+
			" ORDER BY CAST(p AS REAL), repetition, iteration, sequence", args...); err != nil {
		return nil, err
	}

	records := make([]model.ExchangeRecord, 0, len(rows))
	for _, row := range rows {
		e := model.ExchangeRecord{
			ID: row.ID, RunID: row.RunID,
			Repetition: row.Repetition, Iteration: row.Iteration, Sequence: row.Sequence,
		}
		e.P, _ = decimal.NewFromString(row.P)
		e.Gain, _ = decimal.NewFromString(row.Gain)
		e.DP, _ = decimal.NewFromString(row.DP)
		e.DQ, _ = decimal.NewFromString(row.DQ)
		if err := json.Unmarshal([]byte(row.SideI), &e.I); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(row.SideJ), &e.J); err != nil {
			return nil, err
		}
		records = append(records, e)
	}
	return records, nil
}

type snapshotRow struct {
	ID          int64  `db:"id"`
	RunID       string `db:"run_id"`
	P           string `db:"p"`
	Repetition  int    `db:"repetition"`
	Iteration   int    `db:"iteration"`
	Phase       string `db:"phase"`
	Issue       string `db:"issue"`
	NBS         string `db:"nbs"`
	Denominator string `db:"denominator"`
	Variance    string `db:"variance"`
	Positions   string `db:"positions"`
}

func (s *SQLiteStore) InsertSnapshots(ctx context.Context, snaps []model.IssueSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, snap := range snaps {
		positions, err := json.Marshal(snap.Positions)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO issue_snapshots
			   (run_id, p, repetition, iteration, phase, issue, nbs, denominator, variance, positions)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.RunID, snap.P.String(), snap.Repetition, snap.Iteration, snap.Phase, snap.Issue,
			snap.NBS.String(), snap.Denominator.String(), snap.Variance.String(), string(positions),
		)
		if err != nil {
			return fmt.Errorf("insert snapshot of %s: %w", snap.Issue, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, runID string, f Filter) ([]model.IssueSnapshot, error) {
	clause, args := filterClause(f, []any{runID})
	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM issue_snapshots WHERE run_id = ?"+clause+
			" ORDER BY CAST(p AS REAL), repetition, iteration, id", args...); err != nil {
		return nil, err
	}

	snaps := make([]model.IssueSnapshot, 0, len(rows))
	for _, row := range rows {
		snap := model.IssueSnapshot{
			RunID: row.RunID, Repetition: row.Repetition, Iteration: row.Iteration,
			Phase: row.Phase, Issue: row.Issue,
		}
		snap.P, _ = decimal.NewFromString(row.P)
		snap.NBS, _ = decimal.NewFromString(row.NBS)
		snap.Denominator, _ = decimal.NewFromString(row.Denominator)
		snap.Variance, _ = decimal.NewFromString(row.Variance)
		if err := json.Unmarshal([]byte(row.Positions), &snap.Positions); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

type externalityRow struct {
	ID         int64  `db:"id"`
	RunID      string `db:"run_id"`
	ExchangeID string `db:"exchange_id"`
	P          string `db:"p"`
	Repetition int    `db:"repetition"`
	Iteration  int    `db:"iteration"`
	Actor      string `db:"actor"`
	Kind       string `db:"kind"`
	Value      string `db:"value"`
}

func (s *SQLiteStore) InsertExternalities(ctx context.Context, exts []model.Externality) error {
	if len(exts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO externalities (run_id, exchange_id, p, repetition, iteration, actor, kind, value)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, x := range exts {
		if _, err := stmt.ExecContext(ctx, x.RunID, x.ExchangeID, x.P.String(), x.Repetition, x.Iteration,
			x.Actor, x.Kind, x.Value.String()); err != nil {
			return fmt.Errorf("insert externality of %s: %w", x.Actor, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListExternalities(ctx context.Context, runID string) ([]model.Externality, error) {
	var rows []externalityRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM externalities WHERE run_id = ? ORDER BY id", runID); err != nil {
		return nil, err
	}
	exts := make([]model.Externality, 0, len(rows))
	for _, row := range rows {
		x := model.Externality{
			RunID: row.RunID, ExchangeID: row.ExchangeID,
			Repetition: row.Repetition, Iteration: row.Iteration,
			Actor: row.Actor, Kind: row.Kind,
		}
		x.P, _ = decimal.NewFromString(row.P)
		x.Value, _ = decimal.NewFromString(row.Value)
		exts = append(exts, x)
	}
	return exts, nil
}

func (s *SQLiteStore) SaveSummaries(ctx context.Context, runID string, summaries []model.Summary) error {
	data, err := json.Marshal(summaries)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO summaries (run_id, data) VALUES (?, ?)", runID, string(data))
	return err
}

func (s *SQLiteStore) GetSummaries(ctx context.Context, runID string) ([]model.Summary, error) {
	var data string
	err := s.db.GetContext(ctx, &data, "SELECT data FROM summaries WHERE run_id = ?", runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("summary of run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var summaries []model.Summary
	if err := json.Unmarshal([]byte(data), &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}
