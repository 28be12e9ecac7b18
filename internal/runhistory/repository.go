package runhistory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-analytics/batchcore/internal/database"
)

const dateLayout = "2006-01-02"

// Repository is the storage contract for batch run history.
type Repository interface {
	CreateRun(ctx context.Context, run BatchRun) error
	GetRun(ctx context.Context, id string) (BatchRun, error)
	RecordProgress(ctx context.Context, row ProgressRow) error
	CompleteRun(ctx context.Context, id string, status Status, notes, progressJSON string, completedAt time.Time) error
	ExpireStaleRunning(ctx context.Context, timeout time.Duration, now time.Time) (int, error)
	RunsOlderThan(ctx context.Context, cutoff time.Time) ([]BatchRun, error)
	ProgressForRun(ctx context.Context, runID string) ([]ProgressRow, error)
	DeleteRun(ctx context.Context, runID string) error
}

// SQLiteRepository implements Repository on top of the shared database
// wrapper, using constructor injection of *database.DB and zerolog.Logger.
type SQLiteRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewSQLiteRepository constructs a SQLiteRepository, applying its schema.
func NewSQLiteRepository(db *database.DB, log zerolog.Logger) (*SQLiteRepository, error) {
	if err := db.Migrate(schema); err != nil {
		return nil, err
	}
	return &SQLiteRepository{db: db, log: log.With().Str("component", "runhistory").Logger()}, nil
}

// CreateRun inserts a new BatchRun row with status=running.
func (r *SQLiteRepository) CreateRun(ctx context.Context, run BatchRun) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO batch_runs (id, source, scope, started_at, status, notes, progress_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, string(run.Source), run.Scope, run.StartedAt.UTC().Format(time.RFC3339), string(run.Status), run.Notes, run.ProgressJSON)
	if err != nil {
		return fmt.Errorf("runhistory: create run: %w", err)
	}
	return nil
}

// GetRun returns a single BatchRun by id.
func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (BatchRun, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT id, source, scope, started_at, completed_at, status, notes, progress_json
		FROM batch_runs WHERE id = ?
	`, id)
	run, err := scanBatchRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BatchRun{}, fmt.Errorf("runhistory: get run %s: %w", id, err)
		}
		return BatchRun{}, err
	}
	return run, nil
}

// RecordProgress appends a progress row. Progress rows are append-only:
// the Orchestrator writes one per attempted (portfolio, date, engine) once
// its outcome is final: after the engine transaction has committed for a
// committed row, or after the skip or failure for the other statuses.
func (r *SQLiteRepository) RecordProgress(ctx context.Context, row ProgressRow) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO batch_run_progress (run_id, portfolio_id, as_of_date, engine, status, error, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, row.RunID, row.PortfolioID, row.AsOfDate.UTC().Format(dateLayout), row.Engine, string(row.Status), row.Error, row.CommittedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("runhistory: record progress: %w", err)
	}
	return nil
}

// CompleteRun transitions a run to a terminal status. A terminal run never
// reopens; callers must not call CompleteRun twice for the same id.
func (r *SQLiteRepository) CompleteRun(ctx context.Context, id string, status Status, notes, progressJSON string, completedAt time.Time) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		UPDATE batch_runs SET status = ?, notes = ?, progress_json = ?, completed_at = ?
		WHERE id = ?
	`, string(status), notes, progressJSON, completedAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("runhistory: complete run: %w", err)
	}
	return nil
}

// ExpireStaleRunning flips any status=running row whose started_at predates
// now-timeout to auto_expired, run once at process startup so durable
// history stays consistent with the in-memory Tracker (which loses state on
// restart). Returns the number of rows expired.
func (r *SQLiteRepository) ExpireStaleRunning(ctx context.Context, timeout time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-timeout).UTC().Format(time.RFC3339)
	res, err := r.db.Conn().ExecContext(ctx, `
		UPDATE batch_runs
		SET status = ?, completed_at = ?, notes = notes || ?
		WHERE status = ? AND started_at < ?
	`, string(StatusAutoExpired), now.UTC().Format(time.RFC3339),
		"auto-expired at startup: exceeded run timeout", string(StatusRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("runhistory: expire stale running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("runhistory: expire stale running rows affected: %w", err)
	}
	if n > 0 {
		r.log.Warn().Int64("count", n).Msg("auto-expired stale running batch runs at startup")
	}
	return int(n), nil
}

// RunsOlderThan returns every run whose started_at is before cutoff, for
// archival.
func (r *SQLiteRepository) RunsOlderThan(ctx context.Context, cutoff time.Time) ([]BatchRun, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT id, source, scope, started_at, completed_at, status, notes, progress_json
		FROM batch_runs WHERE started_at < ? ORDER BY started_at ASC
	`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("runhistory: runs older than: %w", err)
	}
	defer rows.Close()

	var out []BatchRun
	for rows.Next() {
		run, err := scanBatchRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows, so scanBatchRun
// serves single-row lookups (GetRun) and multi-row queries (RunsOlderThan)
// alike.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatchRun(rows rowScanner) (BatchRun, error) {
	var run BatchRun
	var startedAt string
	var completedAt sql.NullString
	var source, status string
	if err := rows.Scan(&run.ID, &source, &run.Scope, &startedAt, &completedAt, &status, &run.Notes, &run.ProgressJSON); err != nil {
		return BatchRun{}, fmt.Errorf("runhistory: scan batch run: %w", err)
	}
	run.Source = Source(source)
	run.Status = Status(status)
	t, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return BatchRun{}, fmt.Errorf("runhistory: parse started_at: %w", err)
	}
	run.StartedAt = t
	if completedAt.Valid {
		ct, err := time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return BatchRun{}, fmt.Errorf("runhistory: parse completed_at: %w", err)
		}
		run.CompletedAt = &ct
	}
	return run, nil
}

// ProgressForRun returns every progress row for a run, for archival
// bundling alongside its parent BatchRun.
func (r *SQLiteRepository) ProgressForRun(ctx context.Context, runID string) ([]ProgressRow, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT run_id, portfolio_id, as_of_date, engine, status, error, committed_at
		FROM batch_run_progress WHERE run_id = ? ORDER BY committed_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("runhistory: progress for run: %w", err)
	}
	defer rows.Close()

	var out []ProgressRow
	for rows.Next() {
		var p ProgressRow
		var asOf, status, committedAt string
		if err := rows.Scan(&p.RunID, &p.PortfolioID, &asOf, &p.Engine, &status, &p.Error, &committedAt); err != nil {
			return nil, fmt.Errorf("runhistory: scan progress row: %w", err)
		}
		p.Status = ProgressStatus(status)
		p.AsOfDate, err = time.Parse(dateLayout, asOf)
		if err != nil {
			return nil, fmt.Errorf("runhistory: parse as_of_date: %w", err)
		}
		p.CommittedAt, err = time.Parse(time.RFC3339, committedAt)
		if err != nil {
			return nil, fmt.Errorf("runhistory: parse committed_at: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and its progress rows, used after successful
// archival.
func (r *SQLiteRepository) DeleteRun(ctx context.Context, runID string) error {
	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("runhistory: begin delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM batch_run_progress WHERE run_id = ?`, runID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("runhistory: delete progress rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM batch_runs WHERE id = ?`, runID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("runhistory: delete run: %w", err)
	}
	return tx.Commit()
}
