package runhistory

const schema = `
CREATE TABLE IF NOT EXISTS batch_runs (
	id            TEXT PRIMARY KEY,
	source        TEXT NOT NULL,
	scope         TEXT NOT NULL,
	started_at    TEXT NOT NULL,
	completed_at  TEXT,
	status        TEXT NOT NULL,
	notes         TEXT NOT NULL DEFAULT '',
	progress_json TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_batch_runs_status ON batch_runs (status);
CREATE INDEX IF NOT EXISTS idx_batch_runs_started_at ON batch_runs (started_at);

CREATE TABLE IF NOT EXISTS batch_run_progress (
	run_id       TEXT NOT NULL REFERENCES batch_runs(id),
	portfolio_id TEXT NOT NULL,
	as_of_date   TEXT NOT NULL,
	engine       TEXT NOT NULL,
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	committed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batch_run_progress_run_id ON batch_run_progress (run_id);
`
