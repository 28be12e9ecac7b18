package orchestrator

import "errors"

// ErrNoActivePortfolios is raised when scope=universe and the repository
// reports no active portfolios to process.
var ErrNoActivePortfolios = errors.New("orchestrator: no active portfolios")
