// Package runs provides the HTTP handlers for submitting negotiation
// simulations and querying their exchanges, issue development and summaries.
//
// All positions and utilities use shopspring/decimal, never float64.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/dataset"
	"github.com/atmx/exchange-engine/internal/metrics"
	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/observer"
	"github.com/atmx/exchange-engine/internal/results"
	"github.com/atmx/exchange-engine/internal/simulation"
	"github.com/atmx/exchange-engine/internal/store"
)

// Options are the service-wide defaults and limits.
type Options struct {
	Defaults       model.RunConfig
	MaxRepetitions int
	Workers        int
}

// Service handles simulation runs. Runs execute asynchronously; the service
// tracks them so Shutdown can cancel and wait for them.
type Service struct {
	store store.Store
	wsHub *WSHub // optional WebSocket hub for live broadcasts
	opts  Options
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new run service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, hub *WSHub, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:  st,
		wsHub:  hub,
		opts:   opts,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Routes mounts the run endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/runs", s.ListRuns)
	r.Post("/runs", s.CreateRun)
	r.Get("/runs/{runID}", s.GetRun)
	r.Get("/runs/{runID}/exchanges", s.ListExchanges)
	r.Get("/runs/{runID}/issues", s.ListIssues)
	r.Get("/runs/{runID}/externalities", s.ListExternalities)
	r.Get("/runs/{runID}/summary", s.GetSummary)
}

// --- Request types ---

// CreateRunRequest is the JSON body for POST /api/v1/runs.
type CreateRunRequest struct {
	Dataset model.Dataset   `json:"dataset"`
	Config  model.RunConfig `json:"config"`
}

// --- HTTP Handlers ---

// CreateRun handles POST /api/v1/runs
// Validates the dataset and options, then starts the run in the background.
func (s *Service) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cfg := s.withDefaults(req.Config)
	if err := s.validateConfig(cfg); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	factory, err := dataset.NewFactory(&req.Dataset, cfg, s.log)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	run := &model.Run{
		ID:        uuid.New().String(),
		Dataset:   req.Dataset.Name,
		Model:     cfg.Model,
		Config:    cfg,
		Status:    model.RunRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	s.log.Info("run submitted",
		"run_id", run.ID,
		"dataset", run.Dataset,
		"model", cfg.Model,
		"actors", len(factory.Actors()),
		"issues", len(factory.Issues()),
		"iterations", cfg.Iterations,
		"repetitions", cfg.Repetitions,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.ctx, run, factory)
	}()

	writeJSON(w, http.StatusAccepted, run)
}

// GetRun handles GET /api/v1/runs/{runID}
func (s *Service) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, "run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListRuns handles GET /api/v1/runs
// Returns all runs, newest first, optionally filtered by ?status=.
func (s *Service) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		writeError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	filtered := []model.Run{}
	status := r.URL.Query().Get("status")
	for _, run := range runs {
		if status == "" || run.Status == status {
			filtered = append(filtered, run)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

// ListExchanges handles GET /api/v1/runs/{runID}/exchanges
// Supports ?repetition= and ?iteration= filters.
func (s *Service) ListExchanges(w http.ResponseWriter, r *http.Request) {
	runID, f, ok := s.runFilter(w, r)
	if !ok {
		return
	}
	exchanges, err := s.store.ListExchanges(r.Context(), runID, f)
	if err != nil {
		writeError(w, "failed to list exchanges", http.StatusInternalServerError)
		return
	}
	if exchanges == nil {
		exchanges = []model.ExchangeRecord{}
	}
	writeJSON(w, http.StatusOK, exchanges)
}

// ListExternalities handles GET /api/v1/runs/{runID}/externalities
// Supports ?repetition= and ?iteration= like the exchange listing.
func (s *Service) ListExternalities(w http.ResponseWriter, r *http.Request) {
	runID, f, ok := s.runFilter(w, r)
	if !ok {
		return
	}
	all, err := s.store.ListExternalities(r.Context(), runID)
	if err != nil {
		writeError(w, "failed to list externalities", http.StatusInternalServerError)
		return
	}
	externalities := []model.Externality{}
	for _, x := range all {
		if f.Match(x.Repetition, x.Iteration) {
			externalities = append(externalities, x)
		}
	}
	writeJSON(w, http.StatusOK, externalities)
}

// ListIssues handles GET /api/v1/runs/{runID}/issues
// Returns the before and after snapshots of every round.
func (s *Service) ListIssues(w http.ResponseWriter, r *http.Request) {
	runID, f, ok := s.runFilter(w, r)
	if !ok {
		return
	}
	snaps, err := s.store.ListSnapshots(r.Context(), runID, f)
	if err != nil {
		writeError(w, "failed to list issue development", http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []model.IssueSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// GetSummary handles GET /api/v1/runs/{runID}/summary
func (s *Service) GetSummary(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, "run", err)
		return
	}
	if run.Status == model.RunRunning {
		writeError(w, "run is still running", http.StatusConflict)
		return
	}
	summaries, err := s.store.GetSummaries(r.Context(), runID)
	if err != nil {
		writeStoreError(w, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

// Wait blocks until every submitted run has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown cancels the running simulations and waits for them to record
// their final status, or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Execution ---

func (s *Service) execute(ctx context.Context, run *model.Run, factory *dataset.Factory) {
	start := time.Now()
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	summaries, err := s.simulate(ctx, run, factory)
	status, msg := model.RunFinished, ""
	if err == nil {
		err = s.store.SaveSummaries(ctx, run.ID, summaries)
	}
	if err != nil {
		status, msg = model.RunFailed, err.Error()
		s.log.Error("run failed", "run_id", run.ID, "err", err)
	}

	// the run context may be cancelled already; the final status still has to land
	if ferr := s.store.FinishRun(context.Background(), run.ID, status, msg, time.Now().UTC()); ferr != nil {
		s.log.Error("failed to finish run", "run_id", run.ID, "err", ferr)
	}

	metrics.RunsTotal.WithLabelValues(run.Model, status).Inc()
	metrics.RunDuration.WithLabelValues(run.Model).Observe(time.Since(start).Seconds())
	s.log.Info("run finished",
		"run_id", run.ID,
		"status", status,
		"duration", time.Since(start).String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(observer.Message{Type: "run_" + status, RunID: run.ID})
	}
}

func (s *Service) simulate(ctx context.Context, run *model.Run, factory *dataset.Factory) ([]model.Summary, error) {
	collector := &observer.Collector{}
	listeners := simulation.Listeners{
		observer.NewLogListener(s.log),
		observer.MetricsListener{},
		observer.NewStoreListener(s.store),
		collector,
	}
	if s.wsHub != nil {
		listeners = append(listeners, observer.NewBroadcastListener(s.wsHub))
	}

	cfg := run.Config
	runner := simulation.NewRunner(factory.Build, listeners, s.log)
	reps, err := runner.Run(ctx, simulation.Config{
		RunID:       run.ID,
		Model:       cfg.Model,
		Iterations:  cfg.Iterations,
		Repetitions: cfg.Repetitions,
		PValues:     pValues(cfg),
		Seed:        cfg.Seed,
		Workers:     s.opts.Workers,
		Smoothing: simulation.Smoothing{
			SalienceWeight: cfg.SalienceWeight,
			FixedWeight:    cfg.FixedWeight,
		},
	})
	if err != nil {
		return nil, err
	}
	return results.Summarize(run.ID, reps, collector.Externalities())
}

// pValues sweeps p_values when given, else the single randomized value.
func pValues(cfg model.RunConfig) []decimal.Decimal {
	if len(cfg.PValues) > 0 {
		return cfg.PValues
	}
	if cfg.RandomizedValue != nil {
		return []decimal.Decimal{*cfg.RandomizedValue}
	}
	return nil
}

// --- Helpers ---

func (s *Service) withDefaults(cfg model.RunConfig) model.RunConfig {
	def := s.opts.Defaults
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.SalienceWeight.IsZero() && cfg.FixedWeight.IsZero() {
		cfg.SalienceWeight = def.SalienceWeight
		cfg.FixedWeight = def.FixedWeight
	}
	if cfg.Iterations == 0 {
		cfg.Iterations = def.Iterations
	}
	if cfg.Repetitions == 0 {
		cfg.Repetitions = def.Repetitions
	}
	return cfg
}

var one = decimal.NewFromInt(1)

func unit(v decimal.Decimal) bool {
	return !v.IsNegative() && v.LessThanOrEqual(one)
}

func (s *Service) validateConfig(cfg model.RunConfig) error {
	if err := dataset.Struct(cfg); err != nil {
		return err
	}
	if s.opts.MaxRepetitions > 0 && cfg.Repetitions > s.opts.MaxRepetitions {
		return fmt.Errorf("repetitions must be at most %d", s.opts.MaxRepetitions)
	}
	if !unit(cfg.SalienceWeight) || !unit(cfg.FixedWeight) || !unit(cfg.SalienceWeight.Add(cfg.FixedWeight)) {
		return errors.New("salience_weight and fixed_weight must lie in [0, 1] and sum to at most 1")
	}
	if cfg.RandomizedValue != nil && !unit(*cfg.RandomizedValue) {
		return errors.New("randomized_value must lie in [0, 1]")
	}
	for _, p := range cfg.PValues {
		if !unit(p) {
			return fmt.Errorf("p value %s must lie in [0, 1]", p)
		}
	}
	return nil
}

// runFilter reads the run id and the optional repetition and iteration
// query parameters. It writes the error response itself.
func (s *Service) runFilter(w http.ResponseWriter, r *http.Request) (string, store.Filter, bool) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, "run", err)
		return "", store.Filter{}, false
	}
	var f store.Filter
	for name, dst := range map[string]**int{"repetition": &f.Repetition, "iteration": &f.Iteration} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, name+" must be a non-negative integer", http.StatusBadRequest)
			return "", store.Filter{}, false
		}
		*dst = &v
	}
	return runID, f, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeStoreError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, what+" not found", http.StatusNotFound)
		return
	}
	writeError(w, "failed to load "+what, http.StatusInternalServerError)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
