package calcengines

import (
	"context"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"github.com/sentinel-analytics/batchcore/internal/portfolio"
)

// volatilityLookbackDays is the engine's minimum/typical lookback window in
// trading days.
const volatilityLookbackDays = 60
const volatilityLookbackCalendarDays = 120

// tradingDaysPerYear is the standard annualization factor for daily return
// volatility.
const tradingDaysPerYear = 252

// VolatilityEngine computes annualized historical volatility per open
// position from daily returns, via go-talib's StdDev (grounded on the
// thin-wrapper-around-talib pattern in pkg/formulas/rsi.go).
type VolatilityEngine struct{}

func NewVolatilityEngine() *VolatilityEngine { return &VolatilityEngine{} }

func (e *VolatilityEngine) Name() string { return "position_volatility" }

func (e *VolatilityEngine) Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error) {
	var rows []portfolio.ResultRow
	now := computedAtNow()

	for _, pos := range in.Positions {
		closes, err := closeSeries(in.Cache, pos.Symbol, in.AsOfDate, volatilityLookbackCalendarDays, volatilityLookbackDays)
		if err != nil {
			return nil, err
		}

		returns := dailyReturns(closes)
		if isConstant(returns) {
			continue // degenerate: flat price series, nothing to score
		}

		stdDevSeries := talib.StdDev(returns, len(returns), 1.0)
		if len(stdDevSeries) == 0 {
			return nil, fmt.Errorf("%w: talib.StdDev returned no values for %s", ErrComputation, pos.Symbol)
		}
		dailyStdDev := stdDevSeries[len(stdDevSeries)-1]
		if math.IsNaN(dailyStdDev) || math.IsInf(dailyStdDev, 0) {
			return nil, fmt.Errorf("%w: non-finite std dev for %s", ErrComputation, pos.Symbol)
		}

		rows = append(rows, PositionVolatility{
			PositionID:       pos.ID,
			AsOf:             in.AsOfDate,
			At:               now,
			AnnualizedStdDev: dailyStdDev * math.Sqrt(tradingDaysPerYear),
			LookbackDays:     len(returns),
		})
	}

	return rows, nil
}
