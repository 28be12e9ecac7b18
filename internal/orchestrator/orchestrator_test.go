package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sentinel-analytics/batchcore/internal/calcengines"
	"github.com/sentinel-analytics/batchcore/internal/database"
	"github.com/sentinel-analytics/batchcore/internal/marketdata"
	"github.com/sentinel-analytics/batchcore/internal/portfolio"
	"github.com/sentinel-analytics/batchcore/internal/runhistory"
	"github.com/sentinel-analytics/batchcore/internal/runtracker"
	"github.com/sentinel-analytics/batchcore/internal/tradingcalendar"
)

// fakeProvider never actually fetches over the network; tests care about
// orchestration control flow, not the numerical cores or live market data.
type fakeProvider struct{}

func (fakeProvider) Fetch(ctx context.Context, symbols []string, from, to time.Time) ([]marketdata.Row, []marketdata.SymbolFetchError) {
	return nil, nil
}

// fakePerPositionEngine writes one PositionVolatility row per open position
// unless shouldSkip is set, in which case it returns ErrInsufficientData.
type fakePerPositionEngine struct {
	shouldSkip bool
}

func (f fakePerPositionEngine) Name() string { return "FakeVolatility" }

func (f fakePerPositionEngine) Compute(ctx context.Context, in calcengines.Input) ([]portfolio.ResultRow, error) {
	if f.shouldSkip {
		return nil, calcengines.ErrInsufficientData
	}
	var rows []portfolio.ResultRow
	for _, p := range in.Positions {
		rows = append(rows, calcengines.PositionVolatility{
			PositionID: p.ID, AsOf: in.AsOfDate, At: time.Now().UTC(), AnnualizedStdDev: 0.2, LookbackDays: 30,
		})
	}
	return rows, nil
}

// fakeSnapshotEngine writes the landmark PortfolioSnapshot row that
// advances the per-portfolio watermark.
type fakeSnapshotEngine struct{}

func (fakeSnapshotEngine) Name() string { return "FakeSnapshot" }

func (fakeSnapshotEngine) Compute(ctx context.Context, in calcengines.Input) ([]portfolio.ResultRow, error) {
	return []portfolio.ResultRow{calcengines.PortfolioSnapshot{
		PortfolioID: in.Portfolio.ID, AsOf: in.AsOfDate, At: time.Now().UTC(), TotalMarketValue: 1000,
	}}, nil
}

type harness struct {
	orch         *Orchestrator
	repo         *portfolio.SQLiteRepository
	portfolioDB  *sql.DB
	history      *runhistory.SQLiteRepository
	tracker      *runtracker.Tracker
	cal          *tradingcalendar.Calendar
}

func newHarness(t *testing.T, skipPerPosition bool) *harness {
	t.Helper()

	openMem := func(name string) (*database.DB, *sql.DB) {
		conn, err := sql.Open("sqlite3", ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		return database.NewFromConn(conn, name), conn
	}

	portfolioDBW, portfolioConn := openMem("portfolio_test")
	repo, err := portfolio.NewSQLiteRepository(portfolioDBW, zerolog.Nop())
	require.NoError(t, err)

	marketdataDB, _ := openMem("marketdata_test")
	cache, err := marketdata.NewCache(marketdataDB, zerolog.Nop())
	require.NoError(t, err)

	historyDB, _ := openMem("runhistory_test")
	history, err := runhistory.NewSQLiteRepository(historyDB, zerolog.Nop())
	require.NoError(t, err)

	tracker := runtracker.New(30 * time.Minute)
	cal := tradingcalendar.New()

	cfg := Config{
		OuterConcurrency:     4,
		InnerConcurrency:     4,
		BackfillEarliestDate: time.Time{},
		ProviderRateWindow:   15 * time.Minute,
		EngineTimeout:        5 * time.Minute,
	}

	orch := NewWithEngines(
		repo, cache, fakeProvider{}, cal, tracker, history,
		[]calcengines.Engine{fakePerPositionEngine{shouldSkip: skipPerPosition}},
		[]calcengines.Engine{fakeSnapshotEngine{}},
		cfg, nil, zerolog.Nop(),
	)

	return &harness{orch: orch, repo: repo, portfolioDB: portfolioConn, history: history, tracker: tracker, cal: cal}
}

func seedPortfolio(t *testing.T, h *harness, id string, now time.Time) {
	t.Helper()
	_, err := h.portfolioDB.Exec(`INSERT INTO portfolios (id, owner_id, name, active, created_at) VALUES (?, ?, ?, 1, ?)`,
		id, "owner-1", "Test Portfolio", now.Format(time.RFC3339))
	require.NoError(t, err)
	_, err = h.portfolioDB.Exec(`
		INSERT INTO positions (id, portfolio_id, symbol, asset_kind, quantity, entry_price, entry_date, investment_class)
		VALUES (?, ?, 'AAPL', 'equity_long', 10, 100, ?, '')
	`, id+"-pos-1", id, now.AddDate(0, 0, -200).Format("2006-01-02"))
	require.NoError(t, err)
}

func TestRunBatch_SinglePortfolioBackfill_CommitsAndAdvancesWatermark(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC) // Wednesday

	seedPortfolio(t, h, "p1", now)

	summary, err := h.orch.RunBatch(ctx, SinglePortfolio("p1"), true, SourceManual)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, summary.Status)
	assert.NotEmpty(t, summary.DatesProcessed)
	assert.Positive(t, summary.Counters.Succeeded)
	assert.Zero(t, summary.Counters.Failed)

	watermark, err := h.repo.LastSnapshotDate(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, watermark)
	assert.Equal(t, h.cal.MostRecentTradingDay(time.Now().UTC()).Format("2006-01-02"), watermark.Format("2006-01-02"))

	progress, err := h.history.ProgressForRun(ctx, summary.RunID)
	require.NoError(t, err)
	assert.NotEmpty(t, progress)
}

func TestRunBatch_SecondRunIsNoOp(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)

	seedPortfolio(t, h, "p1", now)

	_, err := h.orch.RunBatch(ctx, SinglePortfolio("p1"), true, SourceManual)
	require.NoError(t, err)

	summary, err := h.orch.RunBatch(ctx, SinglePortfolio("p1"), true, SourceManual)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, summary.Status)
	assert.Empty(t, summary.DatesProcessed)
	assert.Zero(t, summary.Counters.Attempted)
}

func TestRunBatch_InsufficientDataCountsAsSkipped(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)

	seedPortfolio(t, h, "p1", now)

	summary, err := h.orch.RunBatch(ctx, SinglePortfolio("p1"), true, SourceManual)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, summary.Status)
	assert.Positive(t, summary.Counters.Skipped)
	assert.Zero(t, summary.Counters.Failed)

	// The aggregation engine still runs and advances the watermark even
	// though the per-position engine was skipped for every date.
	watermark, err := h.repo.LastSnapshotDate(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, watermark)
}

func TestRunBatch_NoActivePortfolios(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	summary, err := h.orch.RunBatch(ctx, Universe(), true, SourceScheduler)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoActivePortfolios)

	run, herr := h.history.GetRun(ctx, summary.RunID)
	require.NoError(t, herr)
	assert.Equal(t, runhistory.StatusCompleted, run.Status)
}

func TestRunBatch_ScopeNotFound(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	summary, err := h.orch.RunBatch(ctx, SinglePortfolio("does-not-exist"), true, SourceOnboarding)
	require.Error(t, err)
	assert.ErrorIs(t, err, portfolio.ErrScopeNotFound)

	run, herr := h.history.GetRun(ctx, summary.RunID)
	require.NoError(t, herr)
	assert.Equal(t, runhistory.StatusFailed, run.Status)
	assert.NotEmpty(t, run.Notes)
}

func TestRunBatch_AlreadyRunning(t *testing.T) {
	h := newHarness(t, false)
	now := time.Now().UTC()

	release, err := h.tracker.Acquire(now)
	require.NoError(t, err)
	defer release()

	_, err = h.orch.RunBatch(context.Background(), Universe(), true, SourceScheduler)
	require.Error(t, err)
	var already *runtracker.AlreadyRunningError
	assert.True(t, errors.As(err, &already))
}
