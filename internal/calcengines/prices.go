package calcengines

import (
	"fmt"
	"time"
)

// closeSeries fetches a symbol's closing prices over
// [asOf - lookbackCalendarDays, asOf], validating coverage against minCoverage. It is the shared
// data-access step nearly every engine starts with.
func closeSeries(cache MarketDataReader, symbol string, asOf time.Time, lookbackCalendarDays, minCoverage int) ([]float64, error) {
	from := asOf.AddDate(0, 0, -lookbackCalendarDays)
	rows, err := cache.Range(symbol, from, asOf)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read cache range for %s: %v", ErrComputation, symbol, err)
	}

	closes := make([]float64, 0, len(rows))
	for _, r := range rows {
		if r.Valid() {
			closes = append(closes, r.Close)
		}
	}

	if len(closes) < minCoverage {
		return nil, fmt.Errorf("%w: %s has %d valid closes, need at least %d", ErrInsufficientData, symbol, len(closes), minCoverage)
	}
	return closes, nil
}

// dailyReturns converts a price series into simple daily returns.
func dailyReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		prev := closes[i-1]
		if prev == 0 {
			out[i-1] = 0
			continue
		}
		out[i-1] = (closes[i] - prev) / prev
	}
	return out
}

// isConstant reports whether every value in the series is exactly equal to
// the first (no tolerance is applied) — the degenerate-input signal shared
// by several engines.
func isConstant(series []float64) bool {
	if len(series) == 0 {
		return true
	}
	first := series[0]
	for _, v := range series[1:] {
		if v != first {
			return false
		}
	}
	return true
}
