package marketdata

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnjoon/go-yfinance/pkg/models"
	"github.com/wnjoon/go-yfinance/pkg/ticker"
)

// Provider fetches OHLCV rows for a symbol set over a date range, retrying
// per-symbol with backoff, continuing past per-symbol terminal failures.
type Provider interface {
	Fetch(ctx context.Context, symbols []string, from, to time.Time) ([]Row, []SymbolFetchError)
}

// YFinanceProvider adapts github.com/wnjoon/go-yfinance to the Provider
// contract, retrying each symbol with exponential backoff and jitter.
type YFinanceProvider struct {
	maxRetries  int
	backoffBase time.Duration
	log         zerolog.Logger
}

// NewYFinanceProvider builds a provider with the given retry policy
// (PROVIDER_MAX_RETRIES, PROVIDER_BACKOFF_BASE_MS).
func NewYFinanceProvider(maxRetries int, backoffBase time.Duration, log zerolog.Logger) *YFinanceProvider {
	return &YFinanceProvider{
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		log:         log.With().Str("component", "marketdata_provider").Logger(),
	}
}

// Fetch pulls daily OHLCV bars for each symbol independently so a single
// symbol's exhausted retries never abort the rest of the batch.
func (p *YFinanceProvider) Fetch(ctx context.Context, symbols []string, from, to time.Time) ([]Row, []SymbolFetchError) {
	var rows []Row
	var failures []SymbolFetchError

	for _, symbol := range symbols {
		select {
		case <-ctx.Done():
			failures = append(failures, SymbolFetchError{Symbol: symbol, Err: ctx.Err()})
			continue
		default:
		}

		symbolRows, err := p.fetchOneWithRetry(ctx, symbol, from, to)
		if err != nil {
			failures = append(failures, SymbolFetchError{Symbol: symbol, Err: err})
			continue
		}
		rows = append(rows, symbolRows...)
	}

	return rows, failures
}

func (p *YFinanceProvider) fetchOneWithRetry(ctx context.Context, symbol string, from, to time.Time) ([]Row, error) {
	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoffWithJitter(p.backoffBase, attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		rows, err := p.fetchOnce(symbol, from, to)
		if err == nil {
			return rows, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return nil, fmt.Errorf("%w: %v", ErrPermanent, err)
		}

		p.log.Warn().Err(err).Str("symbol", symbol).Int("attempt", attempt+1).Msg("provider fetch failed, retrying")
	}

	return nil, fmt.Errorf("%w: exhausted %d retries for %s: %v", ErrPermanent, p.maxRetries, symbol, lastErr)
}

func (p *YFinanceProvider) fetchOnce(symbol string, from, to time.Time) ([]Row, error) {
	t, err := ticker.New(symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to create ticker for %s: %w", symbol, err)
	}
	defer t.Close()

	bars, err := t.History(models.HistoryParams{
		Start:      from,
		End:        to,
		Interval:   "1d",
		AutoAdjust: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history for %s: %w", symbol, err)
	}

	rows := make([]Row, 0, len(bars))
	for _, bar := range bars {
		rows = append(rows, Row{
			Symbol: symbol,
			Date:   bar.Date,
			Open:   bar.Open,
			High:   bar.High,
			Low:    bar.Low,
			Close:  bar.Close,
			Volume: int64(bar.Volume),
		})
	}
	return rows, nil
}

// isRetryable treats every non-nil error as retryable, so an unknown symbol
// is retried like a rate limit or a network error until maxRetries is used.
func isRetryable(err error) bool {
	// go-yfinance surfaces rate limiting and transport errors as plain
	// errors; without a typed sentinel from the library, retry is the
	// safer default and bounded by maxRetries regardless.
	return err != nil
}

// backoffWithJitter implements truncated exponential backoff
// (base * 2^(attempt-1)) with +/-25% jitter.
func backoffWithJitter(base time.Duration, attempt int) time.Duration {
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	jitter := exp * (0.75 + rand.Float64()*0.5)
	return time.Duration(jitter)
}
