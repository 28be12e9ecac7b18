package portfolio

import (
	"context"
	"database/sql"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sentinel-analytics/batchcore/internal/database"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	repo, err := NewSQLiteRepository(database.NewFromConn(conn, "portfolio_test"), zerolog.Nop())
	require.NoError(t, err)
	return repo
}

func seedPortfolio(t *testing.T, repo *SQLiteRepository, id string, active bool) {
	t.Helper()
	_, err := repo.db.Conn().Exec(
		`INSERT INTO portfolios (id, owner_id, name, active, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, "owner-1", "Test Portfolio", active, time.Now().Format(time.RFC3339),
	)
	require.NoError(t, err)
}

func seedPosition(t *testing.T, repo *SQLiteRepository, p Position) {
	t.Helper()
	var exitDate, optionExpiry interface{}
	var optionStrike interface{}
	if p.ExitDate != nil {
		exitDate = p.ExitDate.Format("2006-01-02")
	}
	if p.OptionExpiry != nil {
		optionExpiry = p.OptionExpiry.Format("2006-01-02")
	}
	if p.OptionStrike != nil {
		optionStrike = *p.OptionStrike
	}
	_, err := repo.db.Conn().Exec(`
		INSERT INTO positions (id, portfolio_id, symbol, asset_kind, quantity, entry_price,
			entry_date, exit_date, option_strike, option_expiry, investment_class)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.PortfolioID, p.Symbol, string(p.AssetKind), p.Quantity, p.EntryPrice,
		p.EntryDate.Format("2006-01-02"), exitDate, optionStrike, optionExpiry, p.InvestmentClass,
	)
	require.NoError(t, err)
}

func TestListActivePortfolios_ExcludesInactiveAndDeleted(t *testing.T) {
	repo := newTestRepo(t)
	seedPortfolio(t, repo, "p-active", true)
	seedPortfolio(t, repo, "p-inactive", false)
	_, err := repo.db.Conn().Exec(
		`INSERT INTO portfolios (id, owner_id, name, active, created_at, deleted_at) VALUES (?, ?, ?, 1, ?, ?)`,
		"p-deleted", "owner-1", "Deleted", time.Now().Format(time.RFC3339), time.Now().Format(time.RFC3339),
	)
	require.NoError(t, err)

	ids, err := repo.ListActivePortfolios(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p-active"}, ids)
}

func TestOpenPositions_AppliesOpenAtInvariant(t *testing.T) {
	repo := newTestRepo(t)
	seedPortfolio(t, repo, "p1", true)
	asOf := mustParse("2026-06-15")

	open := Position{ID: "pos-open", PortfolioID: "p1", Symbol: "AAPL", AssetKind: AssetEquityLong,
		Quantity: 10, EntryPrice: 100, EntryDate: mustParse("2026-01-01")}
	notYetEntered := Position{ID: "pos-future", PortfolioID: "p1", Symbol: "MSFT", AssetKind: AssetEquityLong,
		Quantity: 5, EntryPrice: 200, EntryDate: mustParse("2026-07-01")}
	exited := Position{ID: "pos-exited", PortfolioID: "p1", Symbol: "GOOG", AssetKind: AssetEquityLong,
		Quantity: 5, EntryPrice: 50, EntryDate: mustParse("2026-01-01"), ExitDate: ptrDate("2026-03-01")}
	expiredOption := func() Position {
		expiry := mustParse("2026-06-01")
		strike := 150.0
		return Position{ID: "pos-expired-opt", PortfolioID: "p1", Symbol: "TSLA", AssetKind: AssetOptionCall,
			Quantity: 1, EntryPrice: 5, EntryDate: mustParse("2026-01-01"), OptionExpiry: &expiry, OptionStrike: &strike}
	}()

	for _, p := range []Position{open, notYetEntered, exited, expiredOption} {
		seedPosition(t, repo, p)
	}

	result, err := repo.OpenPositions(context.Background(), "p1", asOf)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "pos-open", result[0].ID)
}

func TestDistinctOpenSymbols_IncludesFactorProxyETFs(t *testing.T) {
	repo := newTestRepo(t)
	seedPortfolio(t, repo, "p1", true)
	seedPosition(t, repo, Position{ID: "pos-1", PortfolioID: "p1", Symbol: "NVDA", AssetKind: AssetEquityLong,
		Quantity: 10, EntryPrice: 100, EntryDate: mustParse("2026-01-01")})

	symbols, err := repo.DistinctOpenSymbols(context.Background(), []string{"p1"}, mustParse("2026-06-15"))
	require.NoError(t, err)
	assert.Contains(t, symbols, "NVDA")
	assert.Contains(t, symbols, "SPY")
	assert.Contains(t, symbols, "GLD")
}

func TestUpsertResults_IsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	seedPortfolio(t, repo, "p1", true)

	row := snapshotRowForTest{portfolioID: "p1", asOf: mustParse("2026-06-15"), computedAt: time.Now(), value: 1}

	ctx := context.Background()
	tx, err := repo.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.UpsertResults(ctx, tx, []ResultRow{row}))
	require.NoError(t, tx.Commit())

	row.value = 2
	tx, err = repo.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.UpsertResults(ctx, tx, []ResultRow{row}))
	require.NoError(t, tx.Commit())

	var count int
	require.NoError(t, repo.db.Conn().QueryRow(
		`SELECT COUNT(*) FROM portfolio_snapshots WHERE portfolio_id = ?`, "p1",
	).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestLastSnapshotDate_NoneWhenEmpty(t *testing.T) {
	repo := newTestRepo(t)
	seedPortfolio(t, repo, "p1", true)

	date, err := repo.LastSnapshotDate(context.Background(), "p1")
	require.NoError(t, err)
	assert.Nil(t, date)
}

func mustParse(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptrDate(s string) *time.Time {
	t := mustParse(s)
	return &t
}

// snapshotRowForTest is a minimal ResultRow implementation for exercising
// the generic upsert path without depending on the calculation engines.
type snapshotRowForTest struct {
	portfolioID string
	asOf        time.Time
	computedAt  time.Time
	value       int
}

func (r snapshotRowForTest) TableName() string      { return "portfolio_snapshots" }
func (r snapshotRowForTest) ScopeID() string        { return r.portfolioID }
func (r snapshotRowForTest) AsOfDate() time.Time    { return r.asOf }
func (r snapshotRowForTest) ComputedAt() time.Time  { return r.computedAt }
func (r snapshotRowForTest) Payload() (string, error) {
	return `{"value":` + strconv.Itoa(r.value) + `}`, nil
}
