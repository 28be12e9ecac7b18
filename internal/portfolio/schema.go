package portfolio

const schema = `
CREATE TABLE IF NOT EXISTS portfolios (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	name       TEXT NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS positions (
	id               TEXT PRIMARY KEY,
	portfolio_id     TEXT NOT NULL REFERENCES portfolios(id),
	symbol           TEXT NOT NULL,
	asset_kind       TEXT NOT NULL,
	quantity         REAL NOT NULL,
	entry_price      REAL NOT NULL,
	entry_date       TEXT NOT NULL,
	exit_date        TEXT,
	option_strike    REAL,
	option_expiry    TEXT,
	investment_class TEXT NOT NULL DEFAULT '',
	deleted_at       TEXT
);

CREATE INDEX IF NOT EXISTS idx_positions_portfolio_id ON positions (portfolio_id);

CREATE TABLE IF NOT EXISTS portfolio_snapshots (
	portfolio_id TEXT NOT NULL,
	as_of_date   TEXT NOT NULL,
	computed_at  TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	PRIMARY KEY (portfolio_id, as_of_date)
);

CREATE TABLE IF NOT EXISTS position_greeks (
	position_id TEXT NOT NULL,
	as_of_date  TEXT NOT NULL,
	computed_at TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	PRIMARY KEY (position_id, as_of_date)
);

CREATE TABLE IF NOT EXISTS position_factor_exposure (
	position_id TEXT NOT NULL,
	as_of_date  TEXT NOT NULL,
	computed_at TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	PRIMARY KEY (position_id, as_of_date)
);

CREATE TABLE IF NOT EXISTS position_market_beta (
	position_id TEXT NOT NULL,
	as_of_date  TEXT NOT NULL,
	computed_at TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	PRIMARY KEY (position_id, as_of_date)
);

CREATE TABLE IF NOT EXISTS position_volatility (
	position_id TEXT NOT NULL,
	as_of_date  TEXT NOT NULL,
	computed_at TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	PRIMARY KEY (position_id, as_of_date)
);

CREATE TABLE IF NOT EXISTS correlation_matrix (
	portfolio_id TEXT NOT NULL,
	as_of_date   TEXT NOT NULL,
	computed_at  TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	PRIMARY KEY (portfolio_id, as_of_date)
);

CREATE TABLE IF NOT EXISTS stress_test_result (
	portfolio_id TEXT NOT NULL,
	as_of_date   TEXT NOT NULL,
	computed_at  TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	PRIMARY KEY (portfolio_id, as_of_date)
);

CREATE TABLE IF NOT EXISTS diversification_score (
	portfolio_id TEXT NOT NULL,
	as_of_date   TEXT NOT NULL,
	computed_at  TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	PRIMARY KEY (portfolio_id, as_of_date)
);
`
