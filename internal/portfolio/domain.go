// Package portfolio implements the Portfolio Repository: the
// portfolio/position domain model and the queries the Orchestrator needs to
// plan and execute a batch run.
package portfolio

import "time"

// AssetKind enumerates the kinds of positions a portfolio can hold.
type AssetKind string

const (
	AssetEquityLong AssetKind = "equity_long"
	AssetEquityShort AssetKind = "equity_short"
	AssetOptionCall AssetKind = "option_call"
	AssetOptionPut  AssetKind = "option_put"
	AssetPrivate    AssetKind = "private"
)

// Portfolio is a user's investment portfolio. It is active iff Active is
// true and DeletedAt is nil.
type Portfolio struct {
	ID        string
	OwnerID   string
	Name      string
	Active    bool
	CreatedAt time.Time
	DeletedAt *time.Time
}

// IsActive reports whether the portfolio is eligible for batch processing.
func (p Portfolio) IsActive() bool {
	return p.Active && p.DeletedAt == nil
}

// Position is a single holding within a portfolio.
type Position struct {
	ID             string
	PortfolioID    string
	Symbol         string
	AssetKind      AssetKind
	Quantity       float64
	EntryPrice     float64
	EntryDate      time.Time
	ExitDate       *time.Time
	OptionStrike   *float64
	OptionExpiry   *time.Time
	InvestmentClass string
	DeletedAt      *time.Time
}

// OpenAt reports whether the position is open at date: not soft-deleted,
// entered on or before date, not yet exited (or exits strictly after date),
// and — for options — not expired by date.
func (p Position) OpenAt(date time.Time) bool {
	if p.DeletedAt != nil {
		return false
	}
	d := date.Truncate(24 * time.Hour)
	entry := p.EntryDate.Truncate(24 * time.Hour)
	if entry.After(d) {
		return false
	}
	if p.ExitDate != nil {
		exit := p.ExitDate.Truncate(24 * time.Hour)
		if !exit.After(d) {
			return false
		}
	}
	if (p.AssetKind == AssetOptionCall || p.AssetKind == AssetOptionPut) && p.OptionExpiry != nil {
		expiry := p.OptionExpiry.Truncate(24 * time.Hour)
		if !expiry.After(d) {
			return false
		}
	}
	return true
}
