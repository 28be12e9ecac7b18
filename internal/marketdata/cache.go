package marketdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-analytics/batchcore/internal/database"
)

// Cache is the Market Data Cache: a read-mostly, date-keyed store of
// OHLCV rows. Engines consult only the Cache, never the Provider directly —
// this is the single rate-limit choke point.
type Cache struct {
	db  *database.DB
	log zerolog.Logger
}

// NewCache opens (and migrates) the market data cache database.
func NewCache(db *database.DB, log zerolog.Logger) (*Cache, error) {
	if err := db.Migrate(schema); err != nil {
		return nil, fmt.Errorf("marketdata: failed to migrate cache schema: %w", err)
	}
	return &Cache{db: db, log: log.With().Str("component", "marketdata_cache").Logger()}, nil
}

// Get returns the row for (symbol, date), or (Row{}, false) if missing.
// Never blocks on network — this is a pure local read.
func (c *Cache) Get(symbol string, date time.Time) (Row, bool) {
	row := c.db.Conn().QueryRow(
		`SELECT open, high, low, close, volume FROM market_data_rows WHERE symbol = ? AND date = ?`,
		symbol, date.Format("2006-01-02"),
	)

	var r Row
	r.Symbol = symbol
	r.Date = date
	if err := row.Scan(&r.Open, &r.High, &r.Low, &r.Close, &r.Volume); err != nil {
		return Row{}, false
	}
	return r, true
}

// PutMany idempotently upserts rows by (symbol, date).
func (c *Cache) PutMany(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	return database.WithTransaction(c.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO market_data_rows (symbol, date, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (symbol, date) DO UPDATE SET
				open = excluded.open, high = excluded.high, low = excluded.low,
				close = excluded.close, volume = excluded.volume
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.Exec(r.Symbol, r.Date.Format("2006-01-02"), r.Open, r.High, r.Low, r.Close, r.Volume); err != nil {
				return fmt.Errorf("failed to upsert row for %s/%s: %w", r.Symbol, r.Date.Format("2006-01-02"), err)
			}
		}
		return nil
	})
}

// Range returns, in ascending date order, every row for symbol within
// [from, to]. Finite and restartable: callers may re-request the same range
// freely.
func (c *Cache) Range(symbol string, from, to time.Time) ([]Row, error) {
	rows, err := c.db.Conn().Query(
		`SELECT date, open, high, low, close, volume FROM market_data_rows
		 WHERE symbol = ? AND date >= ? AND date <= ? ORDER BY date ASC`,
		symbol, from.Format("2006-01-02"), to.Format("2006-01-02"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query range for %s: %w", symbol, err)
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		var r Row
		var dateStr string
		r.Symbol = symbol
		if err := rows.Scan(&dateStr, &r.Open, &r.High, &r.Low, &r.Close, &r.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan row for %s: %w", symbol, err)
		}
		r.Date, err = time.Parse("2006-01-02", dateStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse date for %s: %w", symbol, err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Coverage reports how many valid trading-day rows exist for symbol within
// [from, to] — used by engines to decide whether InsufficientData applies.
func (c *Cache) Coverage(symbol string, from, to time.Time) (int, error) {
	rows, err := c.Range(symbol, from, to)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range rows {
		if r.Valid() {
			count++
		}
	}
	return count, nil
}
