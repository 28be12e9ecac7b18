package calcengines

import (
	"context"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"github.com/sentinel-analytics/batchcore/internal/portfolio"
)

const marketBetaLookbackDays = 60
const marketBetaLookbackCalendarDays = 120
const marketBetaBenchmark = "SPY"

// MarketBetaEngine computes a position's beta against the SPY factor-proxy
// ETF via go-talib's Beta, independent of the Volatility engine.
type MarketBetaEngine struct{}

func NewMarketBetaEngine() *MarketBetaEngine { return &MarketBetaEngine{} }

func (e *MarketBetaEngine) Name() string { return "position_market_beta" }

func (e *MarketBetaEngine) Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error) {
	benchCloses, err := closeSeries(in.Cache, marketBetaBenchmark, in.AsOfDate, marketBetaLookbackCalendarDays, marketBetaLookbackDays)
	if err != nil {
		return nil, err
	}
	benchReturns := dailyReturns(benchCloses)

	var rows []portfolio.ResultRow
	now := computedAtNow()

	for _, pos := range in.Positions {
		closes, err := closeSeries(in.Cache, pos.Symbol, in.AsOfDate, marketBetaLookbackCalendarDays, marketBetaLookbackDays)
		if err != nil {
			return nil, err
		}
		returns := dailyReturns(closes)

		n := len(returns)
		if len(benchReturns) < n {
			n = len(benchReturns)
		}
		if n < marketBetaLookbackDays-1 {
			return nil, fmt.Errorf("%w: only %d aligned observations for %s vs %s", ErrInsufficientData, n, pos.Symbol, marketBetaBenchmark)
		}
		posAligned := returns[len(returns)-n:]
		benchAligned := benchReturns[len(benchReturns)-n:]

		if isConstant(benchAligned) {
			continue // degenerate: benchmark series is flat
		}

		betaSeries := talib.Beta(posAligned, benchAligned, n-1)
		if len(betaSeries) == 0 {
			return nil, fmt.Errorf("%w: talib.Beta returned no values for %s", ErrComputation, pos.Symbol)
		}
		beta := betaSeries[len(betaSeries)-1]
		if math.IsNaN(beta) || math.IsInf(beta, 0) {
			return nil, fmt.Errorf("%w: non-finite beta for %s", ErrComputation, pos.Symbol)
		}

		rows = append(rows, PositionMarketBeta{
			PositionID:   pos.ID,
			AsOf:         in.AsOfDate,
			At:           now,
			Beta:         beta,
			Benchmark:    marketBetaBenchmark,
			LookbackDays: n,
		})
	}

	return rows, nil
}
