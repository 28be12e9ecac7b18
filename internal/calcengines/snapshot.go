package calcengines

import (
	"context"
	"fmt"

	"github.com/sentinel-analytics/batchcore/internal/portfolio"
)

const snapshotLookbackCalendarDays = 10

// SnapshotEngine computes the portfolio's point-in-time market value from
// open positions and their latest close prices. It is the "landmark" result
// that advances the per-portfolio watermark.
type SnapshotEngine struct{}

func NewSnapshotEngine() *SnapshotEngine { return &SnapshotEngine{} }

func (e *SnapshotEngine) Name() string { return "portfolio_snapshots" }

func (e *SnapshotEngine) Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error) {
	if len(in.Positions) == 0 {
		return nil, nil // no open positions: nothing to snapshot
	}

	var lines []PositionValue
	var long, short float64

	for _, pos := range in.Positions {
		closes, err := closeSeries(in.Cache, pos.Symbol, in.AsOfDate, snapshotLookbackCalendarDays, 1)
		if err != nil {
			return nil, err
		}
		price := closes[len(closes)-1]
		value := pos.Quantity * price

		lines = append(lines, PositionValue{
			PositionID:  pos.ID,
			Symbol:      pos.Symbol,
			Quantity:    pos.Quantity,
			ClosePrice:  price,
			MarketValue: value,
		})

		if value >= 0 {
			long += value
		} else {
			short += value
		}
	}

	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no priced positions for portfolio %s", ErrComputation, in.Portfolio.ID)
	}

	return []portfolio.ResultRow{PortfolioSnapshot{
		PortfolioID:      in.Portfolio.ID,
		AsOf:             in.AsOfDate,
		At:               computedAtNow(),
		Positions:        lines,
		TotalMarketValue: long + short,
		LongExposure:     long,
		ShortExposure:    short,
		NetExposure:      long + short,
	}}, nil
}
