// Package onboarding drives the first batch run for a newly created
// portfolio, retrying with backoff when it overlaps an in-flight scheduled
// or admin-triggered run instead of failing the onboarding outright.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-analytics/batchcore/internal/orchestrator"
	"github.com/sentinel-analytics/batchcore/internal/runtracker"
)

// Driver triggers a single-portfolio backfill run on portfolio onboarding.
type Driver struct {
	orch        *orchestrator.Orchestrator
	maxAttempts int
	backoffBase time.Duration
	log         zerolog.Logger
}

// New constructs an onboarding Driver.
func New(orch *orchestrator.Orchestrator, maxAttempts int, backoffBase time.Duration, log zerolog.Logger) *Driver {
	return &Driver{
		orch:        orch,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		log:         log.With().Str("component", "onboarding").Logger(),
	}
}

// Onboard runs the full backfill for portfolioID, retrying with truncated
// exponential backoff (base * 2^(attempt-1), +/-25% jitter) while the
// attempt is refused with AlreadyRunningError. Once maxAttempts is
// exhausted the last AlreadyRunningError is returned wrapped (errors.As
// still finds it); any other error is returned unchanged at once.
func (d *Driver) Onboard(ctx context.Context, portfolioID string) (orchestrator.RunSummary, error) {
	var lastErr error

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			wait := backoffWithJitter(d.backoffBase, attempt-1)
			d.log.Debug().Str("portfolio_id", portfolioID).Int("attempt", attempt).
				Dur("wait", wait).Msg("retrying onboarding run after overlap")
			select {
			case <-ctx.Done():
				return orchestrator.RunSummary{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		summary, err := d.orch.RunBatch(ctx, orchestrator.SinglePortfolio(portfolioID), true, orchestrator.SourceOnboarding)
		if err == nil {
			return summary, nil
		}

		var already *runtracker.AlreadyRunningError
		if !errors.As(err, &already) {
			return orchestrator.RunSummary{}, err
		}
		lastErr = err
		d.log.Info().Str("portfolio_id", portfolioID).Int("attempt", attempt).
			Time("started_at", already.StartedAt).Msg("onboarding run deferred: a run is already active")
	}

	return orchestrator.RunSummary{}, fmt.Errorf("onboarding: exhausted %d attempts for portfolio %s: %w", d.maxAttempts, portfolioID, lastErr)
}

// backoffWithJitter implements truncated exponential backoff
// (base * 2^(attempt-1)) with +/-25% jitter.
func backoffWithJitter(base time.Duration, attempt int) time.Duration {
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	jitter := exp * (0.75 + rand.Float64()*0.5)
	return time.Duration(jitter)
}
