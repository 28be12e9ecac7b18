package calcengines

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/sentinel-analytics/batchcore/internal/marketdata"
	"github.com/sentinel-analytics/batchcore/internal/portfolio"
)

const factorExposureLookbackDays = 90
const factorExposureLookbackCalendarDays = 150

// FactorExposureEngine regresses each position's daily returns against the
// factor-proxy ETF set, one univariate OLS per factor (gonum/stat's
// LinearRegression, as used for covariance/regression work grounded on
// internal/modules/optimization/risk.go's gonum.org/v1/gonum/stat usage).
type FactorExposureEngine struct{}

func NewFactorExposureEngine() *FactorExposureEngine { return &FactorExposureEngine{} }

func (e *FactorExposureEngine) Name() string { return "position_factor_exposure" }

func (e *FactorExposureEngine) Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error) {
	factorReturns := make(map[string][]float64, len(marketdata.FactorProxyETFs))
	for _, etf := range marketdata.FactorProxyETFs {
		closes, err := closeSeries(in.Cache, etf, in.AsOfDate, factorExposureLookbackCalendarDays, factorExposureLookbackDays)
		if err != nil {
			return nil, err
		}
		factorReturns[etf] = dailyReturns(closes)
	}

	var rows []portfolio.ResultRow
	now := computedAtNow()

	for _, pos := range in.Positions {
		closes, err := closeSeries(in.Cache, pos.Symbol, in.AsOfDate, factorExposureLookbackCalendarDays, factorExposureLookbackDays)
		if err != nil {
			return nil, err
		}
		posReturns := dailyReturns(closes)
		if isConstant(posReturns) {
			continue // degenerate: flat position return series
		}

		loadings := make([]FactorLoading, 0, len(marketdata.FactorProxyETFs))
		var bestRSquared float64

		for _, etf := range marketdata.FactorProxyETFs {
			fReturns := factorReturns[etf]
			n := len(posReturns)
			if len(fReturns) < n {
				n = len(fReturns)
			}
			if n < factorExposureLookbackDays-1 {
				continue
			}
			y := posReturns[len(posReturns)-n:]
			x := fReturns[len(fReturns)-n:]
			if isConstant(x) {
				continue
			}

			alpha, beta := stat.LinearRegression(x, y, nil, false)
			if math.IsNaN(beta) || math.IsInf(beta, 0) {
				return nil, fmt.Errorf("%w: non-finite factor loading for %s vs %s", ErrComputation, pos.Symbol, etf)
			}

			r2 := stat.RSquared(x, y, nil, alpha, beta)
			if r2 > bestRSquared {
				bestRSquared = r2
			}

			loadings = append(loadings, FactorLoading{Factor: etf, Beta: beta})
		}

		if len(loadings) == 0 {
			return nil, fmt.Errorf("%w: no factor could be regressed for %s", ErrInsufficientData, pos.Symbol)
		}

		rows = append(rows, PositionFactorExposure{
			PositionID:   pos.ID,
			AsOf:         in.AsOfDate,
			At:           now,
			Loadings:     loadings,
			RSquared:     bestRSquared,
			LookbackDays: factorExposureLookbackDays,
		})
	}

	return rows, nil
}
