package portfolio

import "errors"

// Storage error kinds. ErrTransientStorage is retried by the Orchestrator
// (up to 3 retries after the first attempt, at 1s/2s/4s) before being treated as a computation
// error; ErrPermanentStorage fails the (portfolio, date, engine) attempt
// immediately.
var (
	ErrTransientStorage = errors.New("portfolio: transient storage error")
	ErrPermanentStorage = errors.New("portfolio: permanent storage error")
)

// ErrScopeNotFound is raised during planning when scope=single_portfolio
// names a portfolio that does not exist or is inactive.
var ErrScopeNotFound = errors.New("portfolio: scope not found")
