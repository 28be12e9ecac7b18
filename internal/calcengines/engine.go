// Package calcengines implements the eight calculation engines:
// PositionGreeks, PositionVolatility, PositionMarketBeta,
// PositionFactorExposure, CorrelationMatrix, PortfolioSnapshot,
// StressTestResult, and DiversificationScore.
package calcengines

import (
	"context"
	"time"

	"github.com/sentinel-analytics/batchcore/internal/marketdata"
	"github.com/sentinel-analytics/batchcore/internal/portfolio"
)

// MarketDataReader is the read-only slice of the Market Data Cache an engine
// needs. Engines never talk to the Provider directly.
type MarketDataReader interface {
	Range(symbol string, from, to time.Time) ([]marketdata.Row, error)
	Coverage(symbol string, from, to time.Time) (int, error)
}

// Reads gives the aggregation layer read access to other engines'
// already-persisted results.
type Reads interface {
	FactorExposures(ctx context.Context, portfolioID string, asOf time.Time) ([]PositionFactorExposure, bool, error)
	Correlation(ctx context.Context, portfolioID string, asOf time.Time) (CorrelationMatrix, bool, error)
	Snapshot(ctx context.Context, portfolioID string, asOf time.Time) (PortfolioSnapshot, bool, error)
}

// Input bundles everything an engine needs for a single (portfolio,
// as_of_date) invocation.
type Input struct {
	Portfolio portfolio.Portfolio
	Positions []portfolio.Position
	AsOfDate  time.Time
	Cache     MarketDataReader
	Reads     Reads
}

// Engine computes zero or more ResultRow values for a single portfolio on a
// single trading day. Implementations must be deterministic (stable output
// ordering) and must not perform persistence themselves.
type Engine interface {
	Name() string
	Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error)
}

// MaxLookbackCalendarDays is the widest lookback window across all engines; the
// Orchestrator pre-populates the cache over this window before running any
// engine for a date.
const MaxLookbackCalendarDays = 150

func computedAtNow() time.Time { return time.Now().UTC() }
