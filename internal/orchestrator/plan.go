package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sentinel-analytics/batchcore/internal/portfolio"
	"github.com/sentinel-analytics/batchcore/internal/tradingcalendar"
)

// plan is the resolved output of the planning step: the portfolios in
// scope and the dates to process. The per-date portfolios and symbol set
// are resolved separately, as a datePlan.
type plan struct {
	portfolioIDs []string
	dates        []time.Time
}

// datePlan is the per-date slice of work: the portfolios still missing this
// date, and the scoped symbol set to pre-populate for them.
type datePlan struct {
	date         time.Time
	portfolioIDs []string
	symbols      []string
}

// buildPlan resolves scope into the set of portfolios and the candidate
// date range, following the hybrid watermark design: the system watermark
// is the MIN of per-portfolio watermarks (never the MAX, which silently
// starves lagging portfolios), combined with a per-date set-subtraction
// filter applied later in datePlanFor.
func buildPlan(ctx context.Context, repo portfolio.Repository, cal *tradingcalendar.Calendar, scope Scope, backfill bool, earliestDefault, now time.Time) (plan, error) {
	portfolioIDs, err := scopePortfolios(ctx, repo, scope)
	if err != nil {
		return plan{}, err
	}

	watermark, err := scopeWatermark(ctx, repo, portfolioIDs, earliestDefault)
	if err != nil {
		return plan{}, err
	}

	mostRecent := cal.MostRecentTradingDay(now)

	var dates []time.Time
	if backfill {
		// TradingDaysBetween already returns an empty (non-nil) slice when
		// mostRecent is not after watermark, covering the
		// most_recent_trading_day < watermark no-op case.
		dates = cal.TradingDaysBetween(watermark, mostRecent)
	} else if mostRecent.After(watermark) {
		dates = []time.Time{mostRecent}
	} else {
		dates = []time.Time{}
	}

	return plan{portfolioIDs: portfolioIDs, dates: dates}, nil
}

func scopePortfolios(ctx context.Context, repo portfolio.Repository, scope Scope) ([]string, error) {
	if scope.Kind == ScopeSinglePortfolio {
		ok, err := repo.PortfolioExistsAndActive(ctx, scope.PortfolioID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: checking scope portfolio: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", portfolio.ErrScopeNotFound, scope.PortfolioID)
		}
		return []string{scope.PortfolioID}, nil
	}

	ids, err := repo.ListActivePortfolios(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: listing active portfolios: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNoActivePortfolios
	}
	return ids, nil
}

// scopeWatermark computes min over portfolioIDs of w(P), where w(P) is the
// portfolio's last snapshot date, or earliestDefault if it has none.
func scopeWatermark(ctx context.Context, repo portfolio.Repository, portfolioIDs []string, earliestDefault time.Time) (time.Time, error) {
	watermark := time.Time{}
	for i, id := range portfolioIDs {
		last, err := repo.LastSnapshotDate(ctx, id)
		if err != nil {
			return time.Time{}, fmt.Errorf("orchestrator: reading watermark for %s: %w", id, err)
		}
		w := earliestDefault
		if last != nil {
			w = *last
		}
		if i == 0 || w.Before(watermark) {
			watermark = w
		}
	}
	return watermark, nil
}

// datePlanFor applies the per-date portfolio filter (set subtraction
// against portfolios already current for D) and derives the scoped symbol
// set for whatever remains. A date with nothing left to process returns a
// datePlan with zero portfolioIDs; the caller skips it.
func datePlanFor(ctx context.Context, repo portfolio.Repository, date time.Time, candidatePortfolioIDs []string) (datePlan, error) {
	current, err := repo.PortfoliosWithSnapshotOn(ctx, date)
	if err != nil {
		return datePlan{}, fmt.Errorf("orchestrator: reading portfolios current for %s: %w", date.Format("2006-01-02"), err)
	}

	var toProcess []string
	for _, id := range candidatePortfolioIDs {
		if _, done := current[id]; !done {
			toProcess = append(toProcess, id)
		}
	}
	if len(toProcess) == 0 {
		return datePlan{date: date, portfolioIDs: toProcess}, nil
	}

	symbolSet, err := repo.DistinctOpenSymbols(ctx, toProcess, date)
	if err != nil {
		return datePlan{}, fmt.Errorf("orchestrator: computing symbol set for %s: %w", date.Format("2006-01-02"), err)
	}
	symbols := make([]string, 0, len(symbolSet))
	for s := range symbolSet {
		symbols = append(symbols, s)
	}

	return datePlan{date: date, portfolioIDs: toProcess, symbols: symbols}, nil
}
