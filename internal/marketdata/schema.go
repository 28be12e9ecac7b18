package marketdata

// schema is the cache table's schema. Owned here rather than in a shared
// migrations directory, since this core ships no migration tooling of its
// own: each component applies its own schema on open.
const schema = `
CREATE TABLE IF NOT EXISTS market_data_rows (
	symbol TEXT NOT NULL,
	date   TEXT NOT NULL,
	open   REAL NOT NULL,
	high   REAL NOT NULL,
	low    REAL NOT NULL,
	close  REAL NOT NULL,
	volume INTEGER NOT NULL,
	PRIMARY KEY (symbol, date)
);

CREATE INDEX IF NOT EXISTS idx_market_data_rows_symbol_date
	ON market_data_rows (symbol, date);
`
