package calcengines

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sentinel-analytics/batchcore/internal/portfolio"
)

// repoReads adapts a portfolio.Repository into the Reads collaborator the
// aggregation engines need, deserializing persisted payloads back into the
// typed result structs.
type repoReads struct {
	repo portfolio.Repository
}

// NewReads builds the Reads collaborator backing aggregation engines.
func NewReads(repo portfolio.Repository) Reads {
	return &repoReads{repo: repo}
}

func (r *repoReads) FactorExposures(ctx context.Context, portfolioID string, asOf time.Time) ([]PositionFactorExposure, bool, error) {
	positions, err := r.repo.OpenPositions(ctx, portfolioID, asOf)
	if err != nil {
		return nil, false, err
	}

	var out []PositionFactorExposure
	for _, p := range positions {
		payload, ok, err := r.repo.GetPayload(ctx, "position_factor_exposure", p.ID, asOf)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		var fe PositionFactorExposure
		if err := json.Unmarshal([]byte(payload), &fe); err != nil {
			return nil, false, fmt.Errorf("calcengines: failed to decode factor exposure for %s: %w", p.ID, err)
		}
		fe.PositionID = p.ID
		fe.AsOf = asOf
		out = append(out, fe)
	}
	return out, len(out) > 0, nil
}

func (r *repoReads) Correlation(ctx context.Context, portfolioID string, asOf time.Time) (CorrelationMatrix, bool, error) {
	payload, ok, err := r.repo.GetPayload(ctx, "correlation_matrix", portfolioID, asOf)
	if err != nil || !ok {
		return CorrelationMatrix{}, false, err
	}
	var cm CorrelationMatrix
	if err := json.Unmarshal([]byte(payload), &cm); err != nil {
		return CorrelationMatrix{}, false, fmt.Errorf("calcengines: failed to decode correlation matrix for %s: %w", portfolioID, err)
	}
	cm.PortfolioID = portfolioID
	cm.AsOf = asOf
	return cm, true, nil
}

func (r *repoReads) Snapshot(ctx context.Context, portfolioID string, asOf time.Time) (PortfolioSnapshot, bool, error) {
	payload, ok, err := r.repo.GetPayload(ctx, "portfolio_snapshots", portfolioID, asOf)
	if err != nil || !ok {
		return PortfolioSnapshot{}, false, err
	}
	var snap PortfolioSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return PortfolioSnapshot{}, false, fmt.Errorf("calcengines: failed to decode snapshot for %s: %w", portfolioID, err)
	}
	snap.PortfolioID = portfolioID
	snap.AsOf = asOf
	return snap, true, nil
}
