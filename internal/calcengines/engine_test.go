package calcengines

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-analytics/batchcore/internal/marketdata"
	"github.com/sentinel-analytics/batchcore/internal/portfolio"
)

// fakeCache is an in-memory MarketDataReader for engine tests.
type fakeCache struct {
	rowsBySymbol map[string][]marketdata.Row
}

func newFakeCache() *fakeCache {
	return &fakeCache{rowsBySymbol: make(map[string][]marketdata.Row)}
}

// seedWalk seeds a symbol with a deterministic (non-random) price walk
// starting at base, stepping by delta each day, for n trading days ending
// at asOf.
func (f *fakeCache) seedWalk(symbol string, asOf time.Time, n int, base, delta float64) {
	rows := make([]marketdata.Row, 0, n)
	price := base
	start := asOf.AddDate(0, 0, -n)
	for i := 0; i < n; i++ {
		price += delta
		if i%7 == 3 {
			delta = -delta // oscillate so returns aren't perfectly linear
		}
		rows = append(rows, marketdata.Row{
			Symbol: symbol,
			Date:   start.AddDate(0, 0, i),
			Close:  price,
			Open:   price,
			High:   price,
			Low:    price,
			Volume: 1000,
		})
	}
	f.rowsBySymbol[symbol] = rows
}

func (f *fakeCache) seedFlat(symbol string, asOf time.Time, n int, price float64) {
	rows := make([]marketdata.Row, 0, n)
	start := asOf.AddDate(0, 0, -n)
	for i := 0; i < n; i++ {
		rows = append(rows, marketdata.Row{Symbol: symbol, Date: start.AddDate(0, 0, i), Close: price})
	}
	f.rowsBySymbol[symbol] = rows
}

func (f *fakeCache) Range(symbol string, from, to time.Time) ([]marketdata.Row, error) {
	var out []marketdata.Row
	for _, r := range f.rowsBySymbol[symbol] {
		if !r.Date.Before(from) && !r.Date.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeCache) Coverage(symbol string, from, to time.Time) (int, error) {
	rows, _ := f.Range(symbol, from, to)
	return len(rows), nil
}

func mustDate(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestVolatilityEngine_ComputesAnnualizedStdDev(t *testing.T) {
	asOf := mustDate("2026-06-15")
	cache := newFakeCache()
	cache.seedWalk("AAPL", asOf, 100, 150, 1.0)

	in := Input{
		Portfolio: portfolio.Portfolio{ID: "p1"},
		Positions: []portfolio.Position{{ID: "pos1", PortfolioID: "p1", Symbol: "AAPL", EntryDate: mustDate("2025-01-01")}},
		AsOfDate:  asOf,
		Cache:     cache,
	}

	rows, err := NewVolatilityEngine().Compute(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	vol := rows[0].(PositionVolatility)
	assert.Equal(t, "pos1", vol.PositionID)
	assert.Greater(t, vol.AnnualizedStdDev, 0.0)
	assert.False(t, math.IsNaN(vol.AnnualizedStdDev))
}

func TestVolatilityEngine_InsufficientData(t *testing.T) {
	asOf := mustDate("2026-06-15")
	cache := newFakeCache()
	cache.seedWalk("AAPL", asOf, 10, 150, 1.0) // far below the 60-day minimum

	in := Input{
		Portfolio: portfolio.Portfolio{ID: "p1"},
		Positions: []portfolio.Position{{ID: "pos1", PortfolioID: "p1", Symbol: "AAPL", EntryDate: mustDate("2025-01-01")}},
		AsOfDate:  asOf,
		Cache:     cache,
	}

	_, err := NewVolatilityEngine().Compute(context.Background(), in)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestVolatilityEngine_SkipsFlatSeries(t *testing.T) {
	asOf := mustDate("2026-06-15")
	cache := newFakeCache()
	cache.seedFlat("AAPL", asOf, 100, 150.0)

	in := Input{
		Portfolio: portfolio.Portfolio{ID: "p1"},
		Positions: []portfolio.Position{{ID: "pos1", PortfolioID: "p1", Symbol: "AAPL", EntryDate: mustDate("2025-01-01")}},
		AsOfDate:  asOf,
		Cache:     cache,
	}

	rows, err := NewVolatilityEngine().Compute(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCorrelationEngine_FewerThanTwoSymbolsProducesNoRows(t *testing.T) {
	asOf := mustDate("2026-06-15")
	cache := newFakeCache()
	cache.seedWalk("AAPL", asOf, 100, 150, 1.0)

	in := Input{
		Portfolio: portfolio.Portfolio{ID: "p1"},
		Positions: []portfolio.Position{{ID: "pos1", PortfolioID: "p1", Symbol: "AAPL"}},
		AsOfDate:  asOf,
		Cache:     cache,
	}

	rows, err := NewCorrelationEngine().Compute(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCorrelationEngine_ComputesPairwiseCorrelation(t *testing.T) {
	asOf := mustDate("2026-06-15")
	cache := newFakeCache()
	cache.seedWalk("AAPL", asOf, 100, 150, 1.0)
	cache.seedWalk("MSFT", asOf, 100, 300, 2.0)

	in := Input{
		Portfolio: portfolio.Portfolio{ID: "p1"},
		Positions: []portfolio.Position{
			{ID: "pos1", PortfolioID: "p1", Symbol: "AAPL"},
			{ID: "pos2", PortfolioID: "p1", Symbol: "MSFT"},
		},
		AsOfDate: asOf,
		Cache:    cache,
	}

	rows, err := NewCorrelationEngine().Compute(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	cm := rows[0].(CorrelationMatrix)
	require.Len(t, cm.Pairs, 1)
	assert.Equal(t, "AAPL", cm.Pairs[0].SymbolA)
	assert.Equal(t, "MSFT", cm.Pairs[0].SymbolB)
	assert.GreaterOrEqual(t, cm.Pairs[0].Correlation, -1.0)
	assert.LessOrEqual(t, cm.Pairs[0].Correlation, 1.0)
}

func TestGreeksEngine_SkipsNonOptionPositions(t *testing.T) {
	asOf := mustDate("2026-06-15")
	cache := newFakeCache()
	cache.seedWalk("AAPL", asOf, 100, 150, 1.0)

	in := Input{
		Portfolio: portfolio.Portfolio{ID: "p1"},
		Positions: []portfolio.Position{{ID: "pos1", PortfolioID: "p1", Symbol: "AAPL", AssetKind: portfolio.AssetEquityLong}},
		AsOfDate:  asOf,
		Cache:     cache,
	}

	rows, err := NewGreeksEngine().Compute(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestGreeksEngine_ComputesCallGreeks(t *testing.T) {
	asOf := mustDate("2026-06-15")
	cache := newFakeCache()
	cache.seedWalk("AAPL", asOf, 100, 150, 1.0)

	strike := 150.0
	expiry := asOf.AddDate(0, 2, 0)

	in := Input{
		Portfolio: portfolio.Portfolio{ID: "p1"},
		Positions: []portfolio.Position{{
			ID: "pos1", PortfolioID: "p1", Symbol: "AAPL", AssetKind: portfolio.AssetOptionCall,
			OptionStrike: &strike, OptionExpiry: &expiry,
		}},
		AsOfDate: asOf,
		Cache:    cache,
	}

	rows, err := NewGreeksEngine().Compute(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	g := rows[0].(PositionGreeks)
	assert.GreaterOrEqual(t, g.Delta, 0.0)
	assert.LessOrEqual(t, g.Delta, 1.0)
	assert.Greater(t, g.Gamma, 0.0)
}

func TestSnapshotEngine_AggregatesPositionValues(t *testing.T) {
	asOf := mustDate("2026-06-15")
	cache := newFakeCache()
	cache.seedFlat("AAPL", asOf, 10, 150.0)
	cache.seedFlat("TSLA", asOf, 10, 200.0)

	in := Input{
		Portfolio: portfolio.Portfolio{ID: "p1"},
		Positions: []portfolio.Position{
			{ID: "pos1", PortfolioID: "p1", Symbol: "AAPL", Quantity: 10},
			{ID: "pos2", PortfolioID: "p1", Symbol: "TSLA", Quantity: -5},
		},
		AsOfDate: asOf,
		Cache:    cache,
	}

	rows, err := NewSnapshotEngine().Compute(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	snap := rows[0].(PortfolioSnapshot)
	assert.InDelta(t, 1500.0, snap.LongExposure, 0.01)
	assert.InDelta(t, -1000.0, snap.ShortExposure, 0.01)
	assert.InDelta(t, 500.0, snap.NetExposure, 0.01)
}
