// Package marketdata implements the Market Data Cache and Market Data
// Provider adapter: a content-addressed, date-keyed store of OHLCV rows
// and the rate-limit-aware fetch path that populates it.
package marketdata

import (
	"errors"
	"time"
)

// Row is a single (symbol, date) OHLCV observation. For a given (symbol,
// date) there is at most one row; Close > 0 is required for the row to be a
// valid input to a calculation engine.
type Row struct {
	Symbol string
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// Valid reports whether the row can be used as calculation input.
func (r Row) Valid() bool {
	return r.Close > 0
}

// FactorProxyETFs is the fixed set of ETFs used as factor proxies in every
// symbol scoping computation.
var FactorProxyETFs = []string{
	"SPY", "QQQ", "IWM", "DIA", "VTV", "VUG", "MTUM", "USMV",
	"XLK", "XLF", "XLE", "XLV", "XLY", "XLP", "XLI", "XLU", "GLD",
}

// Errors surfaced by the Provider.
var (
	// ErrRateLimited indicates a 429-class response; never fatal to a run.
	ErrRateLimited = errors.New("marketdata: provider rate limited")
	// ErrPermanent indicates the provider cannot serve the symbol at all;
	// downstream engines may fall back to InsufficientData.
	ErrPermanent = errors.New("marketdata: provider permanent failure")
)

// SymbolFetchError records a per-symbol failure from a Fetch call. The
// Provider contract allows partial failure: fetch continues
// with the remaining symbols.
type SymbolFetchError struct {
	Symbol string
	Err    error
}

func (e *SymbolFetchError) Error() string {
	return "marketdata: fetch failed for " + e.Symbol + ": " + e.Err.Error()
}

func (e *SymbolFetchError) Unwrap() error { return e.Err }
