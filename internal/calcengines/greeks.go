package calcengines

import (
	"context"
	"fmt"
	"math"

	"github.com/sentinel-analytics/batchcore/internal/portfolio"
)

const greeksLookbackDays = 60
const greeksLookbackCalendarDays = 120
const riskFreeRate = 0.04

// GreeksEngine computes Black-Scholes Greeks for option positions. Historical
// volatility (annualized std dev of the underlying's daily returns) stands
// in for implied volatility, since no options-chain provider is in scope.
type GreeksEngine struct{}

func NewGreeksEngine() *GreeksEngine { return &GreeksEngine{} }

func (e *GreeksEngine) Name() string { return "position_greeks" }

func (e *GreeksEngine) Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error) {
	var rows []portfolio.ResultRow
	now := computedAtNow()

	for _, pos := range in.Positions {
		if pos.AssetKind != portfolio.AssetOptionCall && pos.AssetKind != portfolio.AssetOptionPut {
			continue
		}
		if pos.OptionStrike == nil || pos.OptionExpiry == nil {
			return nil, fmt.Errorf("%w: option position %s missing strike or expiry", ErrComputation, pos.ID)
		}

		closes, err := closeSeries(in.Cache, pos.Symbol, in.AsOfDate, greeksLookbackCalendarDays, greeksLookbackDays)
		if err != nil {
			return nil, err
		}
		spot := closes[len(closes)-1]
		if spot <= 0 {
			return nil, fmt.Errorf("%w: non-positive spot price for %s", ErrComputation, pos.Symbol)
		}

		returns := dailyReturns(closes)
		if isConstant(returns) {
			continue // degenerate: flat underlying, vol undefined
		}
		vol := annualizedStdDev(returns)
		if vol <= 0 {
			continue
		}

		yearsToExpiry := pos.OptionExpiry.Sub(in.AsOfDate).Hours() / (24 * 365)
		if yearsToExpiry <= 0 {
			continue // expired by this date; OpenPositions should already exclude it
		}

		isCall := pos.AssetKind == portfolio.AssetOptionCall
		greeks := blackScholesGreeks(spot, *pos.OptionStrike, yearsToExpiry, riskFreeRate, vol, isCall)

		rows = append(rows, PositionGreeks{
			PositionID: pos.ID,
			AsOf:       in.AsOfDate,
			At:         now,
			Delta:      greeks.delta,
			Gamma:      greeks.gamma,
			Theta:      greeks.theta,
			Vega:       greeks.vega,
			Rho:        greeks.rho,
			ImpliedVol: vol,
		})
	}

	return rows, nil
}

func annualizedStdDev(returns []float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)

	var sumSq float64
	for _, r := range returns {
		d := r - mean
		sumSq += d * d
	}
	variance := sumSq / float64(n-1)
	return math.Sqrt(variance) * math.Sqrt(tradingDaysPerYear)
}

type greeksValues struct {
	delta, gamma, theta, vega, rho float64
}

// blackScholesGreeks computes the standard Black-Scholes Greeks for a
// European option. spot/strike/sigma are in price terms, r and sigma are
// annualized, t is in years.
func blackScholesGreeks(spot, strike, t, r, sigma float64, isCall bool) greeksValues {
	sqrtT := math.Sqrt(t)
	d1 := (math.Log(spot/strike) + (r+0.5*sigma*sigma)*t) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT

	nd1 := stdNormalCDF(d1)
	nd2 := stdNormalCDF(d2)
	pdf1 := stdNormalPDF(d1)

	gamma := pdf1 / (spot * sigma * sqrtT)
	vega := spot * pdf1 * sqrtT / 100 // per 1% change in vol

	if isCall {
		delta := nd1
		theta := (-(spot*pdf1*sigma)/(2*sqrtT) - r*strike*math.Exp(-r*t)*nd2) / 365
		rho := strike * t * math.Exp(-r*t) * nd2 / 100
		return greeksValues{delta: delta, gamma: gamma, theta: theta, vega: vega, rho: rho}
	}

	nMinusD2 := stdNormalCDF(-d2)
	delta := nd1 - 1
	theta := (-(spot*pdf1*sigma)/(2*sqrtT) + r*strike*math.Exp(-r*t)*nMinusD2) / 365
	rho := -strike * t * math.Exp(-r*t) * nMinusD2 / 100
	return greeksValues{delta: delta, gamma: gamma, theta: theta, vega: vega, rho: rho}
}

func stdNormalPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func stdNormalCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}
