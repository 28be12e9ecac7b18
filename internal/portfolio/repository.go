package portfolio

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-analytics/batchcore/internal/database"
	"github.com/sentinel-analytics/batchcore/internal/marketdata"
)

// Repository is the storage contract for portfolios, positions, and
// persisted calculation results.
type Repository interface {
	ListActivePortfolios(ctx context.Context) ([]string, error)
	OpenPositions(ctx context.Context, portfolioID string, asOf time.Time) ([]Position, error)
	DistinctOpenSymbols(ctx context.Context, portfolioIDs []string, asOf time.Time) (map[string]struct{}, error)
	LastSnapshotDate(ctx context.Context, portfolioID string) (*time.Time, error)
	PortfoliosWithSnapshotOn(ctx context.Context, asOf time.Time) (map[string]struct{}, error)
	UpsertResults(ctx context.Context, tx *sql.Tx, rows []ResultRow) error
	PortfolioExistsAndActive(ctx context.Context, portfolioID string) (bool, error)
	BeginTx(ctx context.Context) (*sql.Tx, error)
	// GetPayload fetches the raw JSON payload for a single (table, scope,
	// date) result row, for aggregation engines that depend on another
	// engine's already-persisted output. Reading back from storage rather than threading in-memory
	// results keeps Phase 3 resumable across process restarts.
	GetPayload(ctx context.Context, table, scopeID string, asOf time.Time) (string, bool, error)
}

// SQLiteRepository implements Repository on top of the shared database
// wrapper, using constructor injection of *database.DB and zerolog.Logger.
type SQLiteRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewSQLiteRepository opens (and migrates) the portfolio repository.
func NewSQLiteRepository(db *database.DB, log zerolog.Logger) (*SQLiteRepository, error) {
	if err := db.Migrate(schema); err != nil {
		return nil, fmt.Errorf("portfolio: failed to migrate schema: %w", err)
	}
	return &SQLiteRepository{db: db, log: log.With().Str("component", "portfolio_repository").Logger()}, nil
}

// BeginTx starts a transaction for the caller to pass into UpsertResults.
func (r *SQLiteRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.Conn().BeginTx(ctx, nil)
}

// ListActivePortfolios returns active portfolio IDs in a stable (id) order
// for reproducible plans.
func (r *SQLiteRepository) ListActivePortfolios(ctx context.Context) ([]string, error) {
	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT id FROM portfolios WHERE active = 1 AND deleted_at IS NULL ORDER BY id ASC`)
	if err != nil {
		return nil, classifyQueryErr(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classifyQueryErr(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PortfolioExistsAndActive supports the single_portfolio scope's
// ScopeNotFound check.
func (r *SQLiteRepository) PortfolioExistsAndActive(ctx context.Context, portfolioID string) (bool, error) {
	var count int
	err := r.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM portfolios WHERE id = ? AND active = 1 AND deleted_at IS NULL`,
		portfolioID,
	).Scan(&count)
	if err != nil {
		return false, classifyQueryErr(err)
	}
	return count > 0, nil
}

// OpenPositions applies the "open at date D" invariant (see Position.OpenAt).
func (r *SQLiteRepository) OpenPositions(ctx context.Context, portfolioID string, asOf time.Time) ([]Position, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT id, portfolio_id, symbol, asset_kind, quantity, entry_price, entry_date,
		       exit_date, option_strike, option_expiry, investment_class, deleted_at
		FROM positions WHERE portfolio_id = ? AND deleted_at IS NULL
	`, portfolioID)
	if err != nil {
		return nil, classifyQueryErr(err)
	}
	defer rows.Close()

	var open []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, classifyQueryErr(err)
		}
		if p.OpenAt(asOf) {
			open = append(open, p)
		}
	}
	return open, rows.Err()
}

func scanPosition(rows *sql.Rows) (Position, error) {
	var p Position
	var entryDateStr string
	var exitDateStr, optionExpiryStr, deletedAtStr sql.NullString
	var optionStrike sql.NullFloat64

	if err := rows.Scan(
		&p.ID, &p.PortfolioID, &p.Symbol, &p.AssetKind, &p.Quantity, &p.EntryPrice,
		&entryDateStr, &exitDateStr, &optionStrike, &optionExpiryStr, &p.InvestmentClass, &deletedAtStr,
	); err != nil {
		return Position{}, err
	}

	entryDate, err := time.Parse("2006-01-02", entryDateStr)
	if err != nil {
		return Position{}, fmt.Errorf("failed to parse entry_date: %w", err)
	}
	p.EntryDate = entryDate

	if exitDateStr.Valid {
		d, err := time.Parse("2006-01-02", exitDateStr.String)
		if err != nil {
			return Position{}, fmt.Errorf("failed to parse exit_date: %w", err)
		}
		p.ExitDate = &d
	}
	if optionExpiryStr.Valid {
		d, err := time.Parse("2006-01-02", optionExpiryStr.String)
		if err != nil {
			return Position{}, fmt.Errorf("failed to parse option_expiry: %w", err)
		}
		p.OptionExpiry = &d
	}
	if optionStrike.Valid {
		v := optionStrike.Float64
		p.OptionStrike = &v
	}
	if deletedAtStr.Valid {
		d, err := time.Parse(time.RFC3339, deletedAtStr.String)
		if err != nil {
			return Position{}, fmt.Errorf("failed to parse deleted_at: %w", err)
		}
		p.DeletedAt = &d
	}

	return p, nil
}

// DistinctOpenSymbols computes the scoped symbol set for a date: every
// symbol of an open position across the given portfolios, unioned with the
// fixed factor-proxy ETF set. This is the single place the
// Orchestrator derives "how much market data to pull" — it never expands
// past the portfolios actually in scope.
func (r *SQLiteRepository) DistinctOpenSymbols(ctx context.Context, portfolioIDs []string, asOf time.Time) (map[string]struct{}, error) {
	symbols := make(map[string]struct{})
	for _, etf := range marketdata.FactorProxyETFs {
		symbols[etf] = struct{}{}
	}

	for _, pid := range portfolioIDs {
		positions, err := r.OpenPositions(ctx, pid, asOf)
		if err != nil {
			return nil, err
		}
		for _, p := range positions {
			symbols[p.Symbol] = struct{}{}
		}
	}
	return symbols, nil
}

// LastSnapshotDate returns the per-portfolio watermark: the max as_of_date
// with a PortfolioSnapshot, or nil if none exists.
func (r *SQLiteRepository) LastSnapshotDate(ctx context.Context, portfolioID string) (*time.Time, error) {
	var dateStr sql.NullString
	err := r.db.Conn().QueryRowContext(ctx,
		`SELECT MAX(as_of_date) FROM portfolio_snapshots WHERE portfolio_id = ?`,
		portfolioID,
	).Scan(&dateStr)
	if err != nil {
		return nil, classifyQueryErr(err)
	}
	if !dateStr.Valid {
		return nil, nil
	}
	d, err := time.Parse("2006-01-02", dateStr.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot date: %w", err)
	}
	return &d, nil
}

// PortfoliosWithSnapshotOn drives the per-date portfolio filter: portfolios already current for date D are excluded from
// reprocessing.
func (r *SQLiteRepository) PortfoliosWithSnapshotOn(ctx context.Context, asOf time.Time) (map[string]struct{}, error) {
	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT portfolio_id FROM portfolio_snapshots WHERE as_of_date = ?`,
		asOf.Format("2006-01-02"),
	)
	if err != nil {
		return nil, classifyQueryErr(err)
	}
	defer rows.Close()

	result := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classifyQueryErr(err)
		}
		result[id] = struct{}{}
	}
	return result, rows.Err()
}

// UpsertResults writes engine output rows idempotently (upsert on the
// natural key), all-or-nothing for this call. Callers pass one transaction
// per (portfolio, date, engine).
func (r *SQLiteRepository) UpsertResults(ctx context.Context, tx *sql.Tx, rows []ResultRow) error {
	if len(rows) == 0 {
		return nil
	}

	// Deterministic statement ordering within the transaction; rows may
	// target different scope IDs (e.g. per-position engines write one row
	// per open position) but always the same table for a single call.
	sorted := make([]ResultRow, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ScopeID() < sorted[j].ScopeID() })

	table := sorted[0].TableName()
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s, as_of_date, computed_at, payload_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (%s, as_of_date) DO UPDATE SET
			computed_at = excluded.computed_at, payload_json = excluded.payload_json
	`, table, scopeColumn(table), scopeColumn(table)))
	if err != nil {
		return fmt.Errorf("%w: failed to prepare upsert for %s: %v", ErrPermanentStorage, table, err)
	}
	defer stmt.Close()

	for _, row := range sorted {
		payload, err := row.Payload()
		if err != nil {
			return fmt.Errorf("%w: failed to serialize payload for %s: %v", ErrPermanentStorage, table, err)
		}
		if _, err := stmt.ExecContext(ctx,
			row.ScopeID(), row.AsOfDate().Format("2006-01-02"), row.ComputedAt().Format(time.RFC3339), payload,
		); err != nil {
			return classifyQueryErr(err)
		}
	}
	return nil
}

// GetPayload reads a single result row's JSON payload back out of storage.
func (r *SQLiteRepository) GetPayload(ctx context.Context, table, scopeID string, asOf time.Time) (string, bool, error) {
	col := scopeColumn(table)
	var payload string
	err := r.db.Conn().QueryRowContext(ctx, fmt.Sprintf(
		`SELECT payload_json FROM %s WHERE %s = ? AND as_of_date = ?`, table, col,
	), scopeID, asOf.Format("2006-01-02")).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, classifyQueryErr(err)
	}
	return payload, true, nil
}

// scopeColumn maps a result table to its scope-id column name.
func scopeColumn(table string) string {
	switch table {
	case "position_greeks", "position_factor_exposure", "position_market_beta", "position_volatility":
		return "position_id"
	default:
		return "portfolio_id"
	}
}

// classifyQueryErr distinguishes transient from permanent storage failures.
// sqlite's "database is locked"/"busy" errors are the transient case the
// Orchestrator retries; anything else (constraint violation, malformed
// schema) is permanent.
func classifyQueryErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "locked") || strings.Contains(msg, "busy") {
		return fmt.Errorf("%w: %v", ErrTransientStorage, err)
	}
	return fmt.Errorf("%w: %v", ErrPermanentStorage, err)
}
