package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sentinel-analytics/batchcore/internal/calcengines"
	"github.com/sentinel-analytics/batchcore/internal/marketdata"
	"github.com/sentinel-analytics/batchcore/internal/portfolio"
	"github.com/sentinel-analytics/batchcore/internal/reliability"
	"github.com/sentinel-analytics/batchcore/internal/runhistory"
	"github.com/sentinel-analytics/batchcore/internal/runtracker"
	"github.com/sentinel-analytics/batchcore/internal/tradingcalendar"
)

// storageRetryBackoff is the fixed exponential backoff schedule for
// transient storage errors: up to 3 retries at 1s, 2s, 4s.
var storageRetryBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Orchestrator wires together every collaborator a batch run needs:
// portfolios and persisted results, market data, the trading calendar, the
// concurrency gate, and durable run history. Construct exactly once at
// process bootstrap and share the instance across every trigger (scheduler,
// onboarding, admin).
type Orchestrator struct {
	repo     portfolio.Repository
	cache    *marketdata.Cache
	provider marketdata.Provider
	calendar *tradingcalendar.Calendar
	tracker  *runtracker.Tracker
	history  runhistory.Repository
	reads    calcengines.Reads
	health   *reliability.HealthChecker

	perPositionEngines []calcengines.Engine
	aggregationEngines []calcengines.Engine

	outerConcurrency   int
	innerConcurrency   int
	earliestDefault    time.Time
	providerRateWindow time.Duration
	engineTimeout      time.Duration

	events chan<- ProgressEvent // optional; nil is fine, emit becomes a no-op
	log    zerolog.Logger

	countersMu sync.Mutex // guards Counters updates from bounded engine workers
}

// Config bundles the tunables New needs, mirroring config.Config's
// orchestrator-relevant fields.
type Config struct {
	OuterConcurrency     int
	InnerConcurrency     int
	BackfillEarliestDate time.Time
	ProviderRateWindow   time.Duration
	EngineTimeout        time.Duration
}

// New constructs an Orchestrator with the production engine sets. Run
// history is written directly through history, not from events; events is
// a best-effort observability feed and may be nil.
func New(
	repo portfolio.Repository,
	cache *marketdata.Cache,
	provider marketdata.Provider,
	calendar *tradingcalendar.Calendar,
	tracker *runtracker.Tracker,
	history runhistory.Repository,
	cfg Config,
	events chan<- ProgressEvent,
	log zerolog.Logger,
) *Orchestrator {
	return NewWithEngines(repo, cache, provider, calendar, tracker, history,
		calcengines.PerPositionEngines(), calcengines.AggregationEngines(),
		cfg, events, log)
}

// NewWithEngines is New with the engine sets passed explicitly, so tests can
// substitute fakes without talking to the real numerical cores.
func NewWithEngines(
	repo portfolio.Repository,
	cache *marketdata.Cache,
	provider marketdata.Provider,
	calendar *tradingcalendar.Calendar,
	tracker *runtracker.Tracker,
	history runhistory.Repository,
	perPositionEngines, aggregationEngines []calcengines.Engine,
	cfg Config,
	events chan<- ProgressEvent,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		repo:               repo,
		cache:              cache,
		provider:           provider,
		calendar:           calendar,
		tracker:            tracker,
		history:            history,
		reads:              calcengines.NewReads(repo),
		health:             reliability.NewHealthChecker(),
		perPositionEngines: perPositionEngines,
		aggregationEngines: aggregationEngines,
		outerConcurrency:   cfg.OuterConcurrency,
		innerConcurrency:   cfg.InnerConcurrency,
		earliestDefault:    cfg.BackfillEarliestDate,
		providerRateWindow: cfg.ProviderRateWindow,
		engineTimeout:      cfg.EngineTimeout,
		events:             events,
		log:                log.With().Str("component", "orchestrator").Logger(),
	}
}

func (o *Orchestrator) emit(ev ProgressEvent) {
	if o.events == nil {
		return
	}
	select {
	case o.events <- ev:
	default:
		// A full channel must never block the run; the RunHistory writer is
		// the durable record, the channel is a best-effort observability
		// feed.
		o.log.Warn().Str("kind", string(ev.Kind)).Msg("progress event dropped: channel full")
	}
}

// RunBatch is the Orchestrator's single entry point. It turns (scope,
// backfill, source) into a bounded, resumable, idempotent execution plan
// and runs it to completion, cancellation, or failure.
func (o *Orchestrator) RunBatch(ctx context.Context, scope Scope, backfill bool, source Source) (summary RunSummary, err error) {
	now := time.Now().UTC()

	// Acquire returns *runtracker.AlreadyRunningError when another run is
	// active; that error is surfaced to the caller unchanged.
	release, err := o.tracker.Acquire(now)
	if err != nil {
		return RunSummary{}, err
	}
	defer release()

	runID := uuid.NewString()
	summary = RunSummary{
		RunID:     runID,
		Scope:     scope.String(),
		Source:    source,
		StartedAt: now,
		Status:    StatusRunning,
	}

	notes := ""
	if report, herr := o.health.Check(ctx); herr != nil {
		o.log.Warn().Err(herr).Msg("host health check failed, proceeding without it")
	} else {
		notes = report.String()
		if !report.Healthy {
			o.log.Warn().Str("health", notes).Msg("starting run on a host under resource pressure")
		}
	}

	// Created before buildPlan: a planning failure (no active portfolios,
	// scope not found) still must mark this row completed or failed, not
	// leave it absent.
	if err := o.history.CreateRun(ctx, runhistory.BatchRun{
		ID: runID, Source: runhistory.Source(source), Scope: scope.String(),
		StartedAt: now, Status: runhistory.StatusRunning, Notes: notes,
	}); err != nil {
		return RunSummary{}, fmt.Errorf("orchestrator: creating run record: %w", err)
	}

	// Recover from a panic on this goroutine (planning, Phase 1,
	// finalization) so the run record is finalized instead of left dangling
	// in status=running. Engines of both phases run on worker goroutines; a
	// panic inside an engine is not recovered here.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("orchestrator: unhandled panic: %v", r)
			summary.Status = StatusFailed
			summary.Error = err.Error()
			o.finalize(ctx, &summary, notes)
		}
	}()

	p, err := buildPlan(ctx, o.repo, o.calendar, scope, backfill, o.earliestDefault, now)
	if err != nil {
		if errors.Is(err, ErrNoActivePortfolios) {
			summary.Status = StatusCompleted
		} else {
			summary.Status = StatusFailed
			summary.Error = err.Error()
		}
		o.finalize(ctx, &summary, notes)
		return summary, err
	}

	for _, date := range p.dates {
		if ctx.Err() != nil {
			summary.Status = StatusCancelled
			o.finalize(ctx, &summary, notes)
			return summary, nil
		}

		dp, err := datePlanFor(ctx, o.repo, date, p.portfolioIDs)
		if err != nil {
			summary.Status = StatusFailed
			summary.Error = err.Error()
			o.finalize(ctx, &summary, notes)
			return summary, nil
		}
		if len(dp.portfolioIDs) == 0 {
			o.log.Debug().Time("date", date).Msg("no portfolios pending for date, skipping")
			continue
		}

		o.runPhase1(ctx, dp)
		o.runPortfoliosBounded(ctx, runID, dp, date, o.outerConcurrency, &summary.Counters)

		summary.DatesProcessed = append(summary.DatesProcessed, date.Format("2006-01-02"))
		o.emit(ProgressEvent{Kind: EventDateCompleted, RunID: runID, AsOfDate: date, At: time.Now().UTC()})
	}

	if ctx.Err() != nil {
		summary.Status = StatusCancelled
	} else {
		summary.Status = StatusCompleted
	}
	o.finalize(ctx, &summary, notes)
	return summary, nil
}

// finalize writes the terminal run record and emits RunCompleted. Called on
// every exit path once a run record exists. notes carries forward the
// health-check annotation written at CreateRun time, since CompleteRun
// overwrites the notes column rather than appending to it.
func (o *Orchestrator) finalize(ctx context.Context, summary *RunSummary, notes string) {
	summary.EndedAt = time.Now().UTC()
	if summary.Error != "" {
		if notes != "" {
			notes = notes + "; " + summary.Error
		} else {
			notes = summary.Error
		}
	}
	progressJSON, err := json.Marshal(summary.Counters)
	if err != nil {
		progressJSON = []byte("{}")
	}
	if err := o.history.CompleteRun(ctx, summary.RunID, runhistory.Status(summary.Status), notes, string(progressJSON), summary.EndedAt); err != nil {
		o.log.Error().Err(err).Str("run_id", summary.RunID).Msg("failed to finalize run record")
	}
	o.emit(ProgressEvent{Kind: EventRunCompleted, RunID: summary.RunID, At: summary.EndedAt})
}

// runPhase1 pre-populates the cache for a date's scoped symbol set, capped
// at providerRateWindow of wall-clock time. Per-symbol failures are logged
// and otherwise ignored: downstream engines take the InsufficientData path
// for any symbol that ends up under-covered.
func (o *Orchestrator) runPhase1(ctx context.Context, dp datePlan) {
	if len(dp.symbols) == 0 {
		return
	}

	phaseCtx, cancel := context.WithTimeout(ctx, o.providerRateWindow)
	defer cancel()

	from := dp.date.AddDate(0, 0, -calcengines.MaxLookbackCalendarDays)
	rows, failures := o.provider.Fetch(phaseCtx, dp.symbols, from, dp.date)
	for _, f := range failures {
		o.log.Warn().Err(f.Err).Str("symbol", f.Symbol).Time("date", dp.date).Msg("market data fetch failed for symbol")
	}
	if len(rows) > 0 {
		if err := o.cache.PutMany(rows); err != nil {
			o.log.Error().Err(err).Time("date", dp.date).Msg("failed to write fetched rows to cache")
		}
	}
}

// portfolioJob mirrors the jobs/results worker-pool shape used elsewhere in
// this codebase for bounded-parallel fan-out, here bounding how many
// portfolios are processed concurrently for a given date (the outer cap).
type portfolioJob struct {
	portfolioID string
}

func (o *Orchestrator) runPortfoliosBounded(ctx context.Context, runID string, dp datePlan, date time.Time, maxWorkers int, counters *Counters) {
	if len(dp.portfolioIDs) == 0 {
		return
	}

	numWorkers := maxWorkers
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if numWorkers > len(dp.portfolioIDs) {
		numWorkers = len(dp.portfolioIDs)
	}

	jobs := make(chan portfolioJob, len(dp.portfolioIDs))
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if ctx.Err() != nil {
					continue
				}
				o.runPortfolioDate(ctx, runID, job.portfolioID, date, counters)
			}
		}()
	}

	for _, id := range dp.portfolioIDs {
		jobs <- portfolioJob{portfolioID: id}
	}
	close(jobs)
	wg.Wait()
}

// runPortfolioDate executes Phase 2 (bounded-parallel per-position engines)
// followed by Phase 3 (serial aggregation engines) for one portfolio on one
// date. Phase 3 always runs once Phase 2 has completed, even if some
// Phase 2 engines failed or were skipped.
func (o *Orchestrator) runPortfolioDate(ctx context.Context, runID, portfolioID string, date time.Time, counters *Counters) {
	positions, err := o.repo.OpenPositions(ctx, portfolioID, date)
	if err != nil {
		o.log.Error().Err(err).Str("portfolio_id", portfolioID).Time("date", date).Msg("failed to load open positions")
		return
	}

	pf := portfolio.Portfolio{ID: portfolioID}
	in := calcengines.Input{Portfolio: pf, Positions: positions, AsOfDate: date, Cache: o.cache, Reads: o.reads}

	o.runEnginesBounded(ctx, runID, portfolioID, date, in, o.perPositionEngines, o.innerConcurrency, counters)

	for _, engine := range o.aggregationEngines {
		if ctx.Err() != nil {
			return
		}
		o.runOneEngine(ctx, runID, portfolioID, date, in, engine, counters)
	}
}

// engineJob is the unit of work sent to runEnginesBounded's worker pool for
// bounded-parallel fan-out.
type engineJob struct {
	engine calcengines.Engine
}

func (o *Orchestrator) runEnginesBounded(ctx context.Context, runID, portfolioID string, date time.Time, in calcengines.Input, engines []calcengines.Engine, maxWorkers int, counters *Counters) {
	if len(engines) == 0 {
		return
	}

	numWorkers := maxWorkers
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if numWorkers > len(engines) {
		numWorkers = len(engines)
	}

	jobs := make(chan engineJob, len(engines))
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if ctx.Err() != nil {
					continue
				}
				o.runOneEngine(ctx, runID, portfolioID, date, in, job.engine, counters)
			}
		}()
	}

	for _, e := range engines {
		jobs <- engineJob{engine: e}
	}
	close(jobs)
	wg.Wait()
}

// runOneEngine computes and, on success, commits one engine's results in
// its own transaction, retrying transient storage failures with the fixed
// backoff schedule. Counters are updated only after the outcome is final,
// matching the commit-ordering guarantee: progress reflects only actually
// committed work.
func (o *Orchestrator) runOneEngine(ctx context.Context, runID, portfolioID string, date time.Time, in calcengines.Input, engine calcengines.Engine, counters *Counters) {
	o.emit(ProgressEvent{Kind: EventEngineStarted, RunID: runID, PortfolioID: portfolioID, AsOfDate: date, Engine: engine.Name(), At: time.Now().UTC()})

	engineCtx, cancel := context.WithTimeout(ctx, o.engineTimeout)
	defer cancel()

	rows, err := engine.Compute(engineCtx, in)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: engine exceeded its execution timeout: %v", calcengines.ErrComputation, err)
		}
		if errors.Is(err, calcengines.ErrInsufficientData) || errors.Is(err, calcengines.ErrDegenerateInput) {
			o.recordOutcome(ctx, runID, portfolioID, date, engine.Name(), runhistory.ProgressSkipped, err)
			o.bump(counters, "skipped")
			o.emit(ProgressEvent{Kind: EventEngineSkipped, RunID: runID, PortfolioID: portfolioID, AsOfDate: date, Engine: engine.Name(), Err: err, At: time.Now().UTC()})
			return
		}
		o.recordOutcome(ctx, runID, portfolioID, date, engine.Name(), runhistory.ProgressFailed, err)
		o.bump(counters, "failed")
		o.emit(ProgressEvent{Kind: EventEngineFailed, RunID: runID, PortfolioID: portfolioID, AsOfDate: date, Engine: engine.Name(), Err: err, At: time.Now().UTC()})
		return
	}

	if err := o.commitWithRetry(ctx, rows); err != nil {
		o.recordOutcome(ctx, runID, portfolioID, date, engine.Name(), runhistory.ProgressFailed, err)
		o.bump(counters, "failed")
		o.emit(ProgressEvent{Kind: EventEngineFailed, RunID: runID, PortfolioID: portfolioID, AsOfDate: date, Engine: engine.Name(), Err: err, At: time.Now().UTC()})
		return
	}

	o.recordOutcome(ctx, runID, portfolioID, date, engine.Name(), runhistory.ProgressCommitted, nil)
	o.bump(counters, "succeeded")
	o.emit(ProgressEvent{Kind: EventEngineCommitted, RunID: runID, PortfolioID: portfolioID, AsOfDate: date, Engine: engine.Name(), At: time.Now().UTC()})
}

// commitWithRetry persists one engine's rows in a single transaction,
// retrying up to len(storageRetryBackoff) times when the repository
// classifies the failure as transient.
func (o *Orchestrator) commitWithRetry(ctx context.Context, rows []portfolio.ResultRow) error {
	if len(rows) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= len(storageRetryBackoff); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(storageRetryBackoff[attempt-1]):
			}
		}

		tx, err := o.repo.BeginTx(ctx)
		if err != nil {
			lastErr = err
			if !errors.Is(err, portfolio.ErrTransientStorage) {
				return err
			}
			continue
		}

		if err := o.repo.UpsertResults(ctx, tx, rows); err != nil {
			_ = tx.Rollback()
			lastErr = err
			if !errors.Is(err, portfolio.ErrTransientStorage) {
				return err
			}
			continue
		}

		if err := tx.Commit(); err != nil {
			lastErr = fmt.Errorf("%w: %v", portfolio.ErrTransientStorage, err)
			continue
		}
		return nil
	}
	return lastErr
}

func (o *Orchestrator) bump(c *Counters, outcome string) {
	o.countersMu.Lock()
	defer o.countersMu.Unlock()
	c.Attempted++
	switch outcome {
	case "succeeded":
		c.Succeeded++
	case "skipped":
		c.Skipped++
	case "failed":
		c.Failed++
	}
}

func (o *Orchestrator) recordOutcome(ctx context.Context, runID, portfolioID string, date time.Time, engineName string, status runhistory.ProgressStatus, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	row := runhistory.ProgressRow{
		RunID: runID, PortfolioID: portfolioID, AsOfDate: date, Engine: engineName,
		Status: status, Error: msg, CommittedAt: time.Now().UTC(),
	}
	if rerr := o.history.RecordProgress(ctx, row); rerr != nil {
		o.log.Error().Err(rerr).Str("run_id", runID).Str("engine", engineName).Msg("failed to record progress row")
	}
}
