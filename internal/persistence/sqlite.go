package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository, creating the parent
// directory when needed.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}

	// Run migrations
	if err := repo.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			broker TEXT NOT NULL,
			mode TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			outcome TEXT NOT NULL,
			total INTEGER NOT NULL DEFAULT 0,
			filled INTEGER NOT NULL DEFAULT 0,
			unfilled INTEGER NOT NULL DEFAULT 0,
			cancelled INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			rejected INTEGER NOT NULL DEFAULT 0,
			commissions TEXT NOT NULL DEFAULT '0',
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_outcome ON runs(outcome)`,

		`CREATE TABLE IF NOT EXISTS targets (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			symbol TEXT NOT NULL,
			target TEXT NOT NULL,
			current TEXT NOT NULL,
			trade TEXT NOT NULL,
			PRIMARY KEY (run_id, symbol)
		)`,

		`CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			order_type TEXT NOT NULL,
			quantity TEXT NOT NULL,
			price TEXT NOT NULL,
			bid TEXT NOT NULL,
			ask TEXT NOT NULL,
			spread TEXT NOT NULL,
			cost TEXT NOT NULL,
			duration_min TEXT NOT NULL,
			status TEXT NOT NULL,
			outcome TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at DATETIME,
			executed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_run ON executions(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_symbol ON executions(symbol)`,

		`CREATE TABLE IF NOT EXISTS quality_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			symbol TEXT NOT NULL,
			order_id TEXT NOT NULL,
			bid TEXT NOT NULL,
			ask TEXT NOT NULL,
			price TEXT NOT NULL,
			sampled_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quality_samples_run ON quality_samples(run_id)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// SaveRun inserts a new run.
func (r *SQLiteRepository) SaveRun(ctx context.Context, run RunRecord) error {
	if run.Outcome == "" {
		run.Outcome = OutcomeRunning
	}
	query := `INSERT INTO runs (id, name, broker, mode, started_at, outcome)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.Name,
		run.Broker,
		run.Mode,
		run.StartedAt.UTC(),
		run.Outcome,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	return nil
}

// FinishRun records the outcome and status counts of a run.
func (r *SQLiteRepository) FinishRun(ctx context.Context, run RunRecord) error {
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	query := `UPDATE runs SET finished_at = ?, outcome = ?, total = ?, filled = ?, unfilled = ?,
		cancelled = ?, failed = ?, rejected = ?, commissions = ?, error = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		finished,
		run.Outcome,
		run.Total,
		run.Filled,
		run.Unfilled,
		run.Cancelled,
		run.Failed,
		run.Rejected,
		run.Commissions.String(),
		run.Error,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", types.ErrRunNotFound, run.ID)
	}

	return nil
}

const runColumns = `id, name, broker, mode, started_at, finished_at, outcome,
	total, filled, unfilled, cancelled, failed, rejected, commissions, error`

// GetRun returns a run by ID.
func (r *SQLiteRepository) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", types.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}

	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		runs = append(runs, *run)
	}

	return runs, rows.Err()
}

// AbandonRunning marks runs left running by a crashed process.
func (r *SQLiteRepository) AbandonRunning(ctx context.Context, at time.Time) (int64, error) {
	query := `UPDATE runs SET outcome = ?, finished_at = ?, error = 'process exited before the run finished'
		WHERE outcome = ?`

	result, err := r.db.ExecContext(ctx, query, OutcomeAbandoned, at.UTC(), OutcomeRunning)
	if err != nil {
		return 0, fmt.Errorf("abandon runs: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*RunRecord, error) {
	var run RunRecord
	var finished sql.NullTime
	var commissions string

	err := s.Scan(
		&run.ID,
		&run.Name,
		&run.Broker,
		&run.Mode,
		&run.StartedAt,
		&finished,
		&run.Outcome,
		&run.Total,
		&run.Filled,
		&run.Unfilled,
		&run.Cancelled,
		&run.Failed,
		&run.Rejected,
		&commissions,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}

	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	run.Commissions = dec(commissions)

	return &run, nil
}

// SaveTargets stores the target, current and trade quantity per symbol.
func (r *SQLiteRepository) SaveTargets(ctx context.Context, runID string, targets, current, trades types.Positions) error {
	symbols := make(map[string]bool, len(targets))
	for symbol := range targets {
		symbols[symbol] = true
	}
	for symbol := range trades {
		symbols[symbol] = true
	}

	return r.inTx(ctx, `INSERT OR REPLACE INTO targets (run_id, symbol, target, current, trade) VALUES (?, ?, ?, ?, ?)`,
		func(stmt *sql.Stmt) error {
			for symbol := range symbols {
				if _, err := stmt.ExecContext(ctx,
					runID,
					symbol,
					targets.Get(symbol).String(),
					current.Get(symbol).String(),
					trades.Get(symbol).String(),
				); err != nil {
					return fmt.Errorf("insert target %s: %w", symbol, err)
				}
			}
			return nil
		})
}

// GetTargets returns a run's targets ordered by symbol.
func (r *SQLiteRepository) GetTargets(ctx context.Context, runID string) ([]TargetRecord, error) {
	query := `SELECT symbol, target, current, trade FROM targets WHERE run_id = ? ORDER BY symbol`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TargetRecord
	for rows.Next() {
		var t TargetRecord
		var target, current, trade string
		if err := rows.Scan(&t.Symbol, &target, &current, &trade); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		t.Target = dec(target)
		t.Current = dec(current)
		t.Trade = dec(trade)
		out = append(out, t)
	}

	return out, rows.Err()
}

// SaveExecutions stores evaluated orders.
func (r *SQLiteRepository) SaveExecutions(ctx context.Context, runID string, rows []ExecutionRecord) error {
	query := `INSERT INTO executions
		(run_id, symbol, side, order_type, quantity, price, bid, ask, spread, cost, duration_min, status, outcome, note, created_at, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return r.inTx(ctx, query, func(stmt *sql.Stmt) error {
		for _, e := range rows {
			if _, err := stmt.ExecContext(ctx,
				runID,
				e.Symbol,
				e.Side,
				e.OrderType,
				e.Quantity.String(),
				e.Price.String(),
				e.Bid.String(),
				e.Ask.String(),
				e.Spread.String(),
				e.Cost.String(),
				e.DurationMin.String(),
				e.Status,
				e.Outcome,
				e.Note,
				nullTime(e.CreatedAt),
				nullTime(e.ExecutedAt),
			); err != nil {
				return fmt.Errorf("insert execution %s: %w", e.Symbol, err)
			}
		}
		return nil
	})
}

// GetExecutions returns a run's executions in insertion order.
func (r *SQLiteRepository) GetExecutions(ctx context.Context, runID string) ([]ExecutionRecord, error) {
	query := `SELECT symbol, side, order_type, quantity, price, bid, ask, spread, cost, duration_min,
		status, outcome, note, created_at, executed_at
		FROM executions WHERE run_id = ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ExecutionRecord
	for rows.Next() {
		var e ExecutionRecord
		var qty, price, bid, ask, spread, cost, duration string
		var created, executed sql.NullTime

		if err := rows.Scan(&e.Symbol, &e.Side, &e.OrderType, &qty, &price, &bid, &ask, &spread, &cost, &duration,
			&e.Status, &e.Outcome, &e.Note, &created, &executed); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		e.Quantity = dec(qty)
		e.Price = dec(price)
		e.Bid = dec(bid)
		e.Ask = dec(ask)
		e.Spread = dec(spread)
		e.Cost = dec(cost)
		e.DurationMin = dec(duration)
		e.CreatedAt = created.Time
		e.ExecutedAt = executed.Time

		out = append(out, e)
	}

	return out, rows.Err()
}

// SaveQualitySamples stores the quotes sampled for each order.
func (r *SQLiteRepository) SaveQualitySamples(ctx context.Context, runID string, samples []SampleRecord) error {
	query := `INSERT INTO quality_samples (run_id, symbol, order_id, bid, ask, price, sampled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	return r.inTx(ctx, query, func(stmt *sql.Stmt) error {
		for _, s := range samples {
			if _, err := stmt.ExecContext(ctx,
				runID,
				s.Symbol,
				s.OrderID,
				s.Bid.String(),
				s.Ask.String(),
				s.Price.String(),
				s.At.UTC(),
			); err != nil {
				return fmt.Errorf("insert sample %s: %w", s.Symbol, err)
			}
		}
		return nil
	})
}

// GetQualitySamples returns a run's samples ordered by time.
func (r *SQLiteRepository) GetQualitySamples(ctx context.Context, runID string) ([]SampleRecord, error) {
	query := `SELECT symbol, order_id, bid, ask, price, sampled_at
		FROM quality_samples WHERE run_id = ? ORDER BY sampled_at, id`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SampleRecord
	for rows.Next() {
		var s SampleRecord
		var bid, ask, price string
		if err := rows.Scan(&s.Symbol, &s.OrderID, &bid, &ask, &price, &s.At); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		s.Bid = dec(bid)
		s.Ask = dec(ask)
		s.Price = dec(price)
		out = append(out, s)
	}

	return out, rows.Err()
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// inTx prepares query inside a transaction and commits if fn succeeds.
func (r *SQLiteRepository) inTx(ctx context.Context, query string, fn func(*sql.Stmt) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	if err := fn(stmt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// Ensure SQLiteRepository implements Repository
var _ Repository = (*SQLiteRepository)(nil)
