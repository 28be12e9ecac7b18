package calcengines

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/sentinel-analytics/batchcore/internal/portfolio"
)

const correlationLookbackDays = 90
const correlationLookbackCalendarDays = 150

// CorrelationEngine computes the pairwise return correlation across a
// portfolio's distinct open-position symbols, grounded on the sample
// covariance/correlation derivation in internal/modules/optimization/risk.go
// (gonum.org/v1/gonum/stat.Covariance, normalized to correlation).
type CorrelationEngine struct{}

func NewCorrelationEngine() *CorrelationEngine { return &CorrelationEngine{} }

func (e *CorrelationEngine) Name() string { return "correlation_matrix" }

func (e *CorrelationEngine) Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error) {
	symbolSet := make(map[string]struct{})
	for _, pos := range in.Positions {
		symbolSet[pos.Symbol] = struct{}{}
	}
	if len(symbolSet) < 2 {
		return nil, nil // correlation is undefined for fewer than 2 symbols; not an error
	}

	symbols := make([]string, 0, len(symbolSet))
	for s := range symbolSet {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	returnsBySymbol := make(map[string][]float64, len(symbols))
	minLen := -1
	for _, sym := range symbols {
		closes, err := closeSeries(in.Cache, sym, in.AsOfDate, correlationLookbackCalendarDays, correlationLookbackDays)
		if err != nil {
			return nil, err
		}
		r := dailyReturns(closes)
		returnsBySymbol[sym] = r
		if minLen == -1 || len(r) < minLen {
			minLen = len(r)
		}
	}

	pairs := make([]CorrelationPair, 0, len(symbols)*(len(symbols)-1)/2)
	for i := 0; i < len(symbols); i++ {
		ri := returnsBySymbol[symbols[i]]
		ri = ri[len(ri)-minLen:]
		if isConstant(ri) {
			continue
		}
		for j := i + 1; j < len(symbols); j++ {
			rj := returnsBySymbol[symbols[j]]
			rj = rj[len(rj)-minLen:]
			if isConstant(rj) {
				continue
			}

			cov := stat.Covariance(ri, rj, nil)
			varI := stat.Variance(ri, nil)
			varJ := stat.Variance(rj, nil)
			if varI <= 0 || varJ <= 0 {
				continue
			}
			corr := cov / math.Sqrt(varI*varJ)
			if math.IsNaN(corr) || math.IsInf(corr, 0) {
				return nil, fmt.Errorf("%w: non-finite correlation between %s and %s", ErrComputation, symbols[i], symbols[j])
			}

			pairs = append(pairs, CorrelationPair{SymbolA: symbols[i], SymbolB: symbols[j], Correlation: corr})
		}
	}

	if len(pairs) == 0 {
		return nil, nil // degenerate: every series was flat
	}

	return []portfolio.ResultRow{CorrelationMatrix{
		PortfolioID:  in.Portfolio.ID,
		AsOf:         in.AsOfDate,
		At:           computedAtNow(),
		Symbols:      symbols,
		Pairs:        pairs,
		LookbackDays: minLen,
	}}, nil
}
