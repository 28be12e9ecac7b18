package calcengines

import "errors"

// Engine-level error taxonomy. An engine never partially
// persists: it either returns a complete result set or one of these errors,
// and the Orchestrator decides what to do next.
var (
	// ErrInsufficientData means cache coverage for a required symbol fell
	// below the engine's minimum lookback window.
	ErrInsufficientData = errors.New("calcengines: insufficient data")
	// ErrDegenerateInput means all inputs were zero/constant — not a
	// failure, but nothing meaningful to compute. Treated uniformly as a
	// skip: no rows are written.
	ErrDegenerateInput = errors.New("calcengines: degenerate input")
	// ErrComputation wraps a numerical failure (e.g. singular matrix).
	ErrComputation = errors.New("calcengines: computation error")
)
