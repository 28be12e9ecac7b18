package calcengines

// PerPositionEngines returns the Phase 2 engine set — bounded-parallel,
// independent of each other for a given (portfolio, date).
func PerPositionEngines() []Engine {
	return []Engine{
		NewGreeksEngine(),
		NewVolatilityEngine(),
		NewMarketBetaEngine(),
		NewFactorExposureEngine(),
		NewCorrelationEngine(),
	}
}

// AggregationEngines returns the Phase 3 engine set — run serially per
// portfolio after Phase 2 completes, in this order, since StressTest and
// Diversification depend on Snapshot/FactorExposure/Correlation having
// already been persisted.
func AggregationEngines() []Engine {
	return []Engine{
		NewSnapshotEngine(),
		NewStressTestEngine(),
		NewDiversificationEngine(),
	}
}
