package calcengines

import (
	"context"

	"github.com/sentinel-analytics/batchcore/internal/portfolio"
)

// stressScenario is a named factor shock: how much each factor ETF's
// return is assumed to move under the scenario.
type stressScenario struct {
	name   string
	shocks map[string]float64
}

var stressScenarios = []stressScenario{
	{name: "equity_selloff_10pct", shocks: map[string]float64{"SPY": -0.10, "QQQ": -0.12, "IWM": -0.13}},
	{name: "rate_shock_up_100bp", shocks: map[string]float64{"XLF": -0.05, "XLU": -0.08, "VTV": -0.03}},
	{name: "tech_correction_15pct", shocks: map[string]float64{"QQQ": -0.15, "XLK": -0.17, "MTUM": -0.10}},
	{name: "flight_to_quality", shocks: map[string]float64{"GLD": 0.05, "SPY": -0.06, "XLE": -0.08}},
}

// StressTestEngine estimates portfolio P&L impact under fixed factor-shock
// scenarios, combining each position's factor loadings with its snapshot market
// value. It produces no rows unless a correlation matrix, the factor
// exposures and a snapshot have all been persisted for this date.
type StressTestEngine struct{}

func NewStressTestEngine() *StressTestEngine { return &StressTestEngine{} }

func (e *StressTestEngine) Name() string { return "stress_test_result" }

func (e *StressTestEngine) Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error) {
	if _, ok, err := in.Reads.Correlation(ctx, in.Portfolio.ID, in.AsOfDate); err != nil {
		return nil, err
	} else if !ok {
		return nil, nil // correlation pass was skipped (degenerate/too few symbols); nothing to stress
	}

	exposures, ok, err := in.Reads.FactorExposures(ctx, in.Portfolio.ID, in.AsOfDate)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	snapshot, ok, err := in.Reads.Snapshot(ctx, in.Portfolio.ID, in.AsOfDate)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	valueByPosition := make(map[string]float64, len(snapshot.Positions))
	for _, pv := range snapshot.Positions {
		valueByPosition[pv.PositionID] = pv.MarketValue
	}

	var impacts []ScenarioImpact
	for _, scenario := range stressScenarios {
		var pnlAbs float64
		for _, fe := range exposures {
			value, ok := valueByPosition[fe.PositionID]
			if !ok {
				continue
			}
			for _, loading := range fe.Loadings {
				shock, ok := scenario.shocks[loading.Factor]
				if !ok {
					continue
				}
				pnlAbs += value * loading.Beta * shock
			}
		}

		pnlPct := 0.0
		if snapshot.TotalMarketValue != 0 {
			pnlPct = pnlAbs / snapshot.TotalMarketValue
		}

		impacts = append(impacts, ScenarioImpact{
			Scenario:        scenario.name,
			EstimatedPnLPct: pnlPct,
			EstimatedPnLAbs: pnlAbs,
		})
	}

	return []portfolio.ResultRow{StressTestResult{
		PortfolioID: in.Portfolio.ID,
		AsOf:        in.AsOfDate,
		At:          computedAtNow(),
		Scenarios:   impacts,
	}}, nil
}
