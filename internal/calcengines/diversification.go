package calcengines

import (
	"context"
	"math"

	"github.com/sentinel-analytics/batchcore/internal/portfolio"
)

// DiversificationEngine scores a portfolio's concentration using the
// effective-number-of-positions (inverse Herfindahl index on market-value
// weights) combined with the average pairwise correlation.
type DiversificationEngine struct{}

func NewDiversificationEngine() *DiversificationEngine { return &DiversificationEngine{} }

func (e *DiversificationEngine) Name() string { return "diversification_score" }

func (e *DiversificationEngine) Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error) {
	snapshot, ok, err := in.Reads.Snapshot(ctx, in.Portfolio.ID, in.AsOfDate)
	if err != nil {
		return nil, err
	}
	if !ok || len(snapshot.Positions) == 0 {
		return nil, nil
	}

	var totalAbs float64
	for _, pv := range snapshot.Positions {
		totalAbs += math.Abs(pv.MarketValue)
	}
	if totalAbs == 0 {
		return nil, nil // degenerate: zero-value portfolio
	}

	var herfindahl, largestWeight float64
	for _, pv := range snapshot.Positions {
		weight := math.Abs(pv.MarketValue) / totalAbs
		herfindahl += weight * weight
		if weight > largestWeight {
			largestWeight = weight
		}
	}
	effectivePositions := 0.0
	if herfindahl > 0 {
		effectivePositions = 1.0 / herfindahl
	}

	avgCorrelation := 0.0
	if corr, ok, err := in.Reads.Correlation(ctx, in.Portfolio.ID, in.AsOfDate); err != nil {
		return nil, err
	} else if ok && len(corr.Pairs) > 0 {
		var sum float64
		for _, p := range corr.Pairs {
			sum += p.Correlation
		}
		avgCorrelation = sum / float64(len(corr.Pairs))
	}

	// Score rewards many effective positions and penalizes high average
	// correlation; bounded to [0, 100] for readability.
	score := (effectivePositions / float64(len(snapshot.Positions))) * (1 - math.Max(0, avgCorrelation)) * 100
	score = math.Max(0, math.Min(100, score))

	return []portfolio.ResultRow{DiversificationScore{
		PortfolioID:        in.Portfolio.ID,
		AsOf:               in.AsOfDate,
		At:                 computedAtNow(),
		Score:              score,
		EffectivePositions: effectivePositions,
		AverageCorrelation: avgCorrelation,
		LargestPositionPct: largestWeight * 100,
	}}, nil
}
