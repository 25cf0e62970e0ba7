// Package warehouse provides the fact store, the run ledger and the
// anomaly flag store.
package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openretail-dev/heron/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLWarehouse implements domain.Warehouse using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLWarehouse struct {
	db     *sql.DB
	driver string
}

// New creates a warehouse based on configuration.
func New(cfg domain.WarehouseConfig) (domain.Warehouse, error) {
	if cfg.Driver == "clickhouse" {
		return NewClickHouseWarehouse(cfg)
	}

	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	wh := &SQLWarehouse{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := wh.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return wh, nil
}

func (w *SQLWarehouse) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := w.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// UpsertFacts inserts or replaces facts keyed on transaction_id, all in
// one transaction. Re-loading a batch leaves a single row per id with
// the newest insertion_time.
func (w *SQLWarehouse) UpsertFacts(ctx context.Context, facts []*domain.Fact) error {
	if len(facts) == 0 {
		return nil
	}

	query := `
		INSERT INTO facts (
			transaction_id, store_id, product_id, category,
			price, quantity, transaction_time, insertion_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET
			store_id = excluded.store_id,
			product_id = excluded.product_id,
			category = excluded.category,
			price = excluded.price,
			quantity = excluded.quantity,
			transaction_time = excluded.transaction_time,
			insertion_time = excluded.insertion_time
	`

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transient("warehouse.upsert", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, w.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range facts {
		if f.TransactionID == "" {
			return fmt.Errorf("%w: transaction_id is required", ErrInvalidInput)
		}
		if _, err := stmt.ExecContext(ctx,
			f.TransactionID, f.StoreID, f.ProductID, f.Category,
			f.Price, f.Quantity,
			f.TransactionTime.UTC(), f.InsertionTime.UTC(),
		); err != nil {
			return domain.Transient("warehouse.upsert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Transient("warehouse.upsert", err)
	}
	return nil
}

// FactsForDate returns all facts on the civil date (UTC), ordered by
// transaction_id.
func (w *SQLWarehouse) FactsForDate(ctx context.Context, date string) ([]*domain.Fact, error) {
	day, err := domain.ParseDate(date)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return w.queryFacts(ctx, day, day.Add(24*time.Hour), "ORDER BY transaction_id")
}

// FactsBetween returns facts for the inclusive date range, ordered by
// transaction_time then transaction_id.
func (w *SQLWarehouse) FactsBetween(ctx context.Context, from, to string) ([]*domain.Fact, error) {
	lo, err := domain.ParseDate(from)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	hi, err := domain.ParseDate(to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return w.queryFacts(ctx, lo, hi.Add(24*time.Hour), "ORDER BY transaction_time, transaction_id")
}

func (w *SQLWarehouse) queryFacts(ctx context.Context, from, to time.Time, order string) ([]*domain.Fact, error) {
	query := `
		SELECT transaction_id, store_id, product_id, category,
			   price, quantity, transaction_time, insertion_time
		FROM facts
		WHERE transaction_time >= ? AND transaction_time < ?
	` + order

	rows, err := w.db.QueryContext(ctx, w.rebind(query), from, to)
	if err != nil {
		return nil, domain.Transient("warehouse.facts", err)
	}
	defer rows.Close()

	var facts []*domain.Fact
	for rows.Next() {
		var f domain.Fact
		if err := rows.Scan(
			&f.TransactionID, &f.StoreID, &f.ProductID, &f.Category,
			&f.Price, &f.Quantity,
			&f.TransactionTime, &f.InsertionTime,
		); err != nil {
			return nil, err
		}
		facts = append(facts, &f)
	}

	return facts, rows.Err()
}

// SaveRun inserts or updates a ledger entry.
func (w *SQLWarehouse) SaveRun(ctx context.Context, run *domain.PipelineRun) error {
	if run.ID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	failedTasks, _ := json.Marshal(run.FailedTasks)
	taskStates, _ := json.Marshal(run.TaskStates)
	summary, _ := json.Marshal(run.Summary)

	query := `
		INSERT INTO pipeline_runs (
			id, batch_date, lookback_days, status, triggered_by,
			created_at, started_at, finished_at,
			failed_tasks, task_states, summary, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			failed_tasks = excluded.failed_tasks,
			task_states = excluded.task_states,
			summary = excluded.summary,
			error = excluded.error
	`

	_, err := w.db.ExecContext(ctx, w.rebind(query),
		run.ID, run.Date, run.LookbackDays, string(run.Status), run.TriggeredBy,
		run.CreatedAt.UTC(), run.StartedAt.UTC(), run.FinishedAt.UTC(),
		string(failedTasks), string(taskStates), string(summary), run.Error,
	)
	if err != nil {
		return domain.Transient("warehouse.save_run", err)
	}
	return nil
}

// GetRun retrieves a ledger entry by id.
func (w *SQLWarehouse) GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	query := `
		SELECT id, batch_date, lookback_days, status, triggered_by,
			   created_at, started_at, finished_at,
			   failed_tasks, task_states, summary, error
		FROM pipeline_runs
		WHERE id = ?
	`

	run, err := scanRun(w.db.QueryRowContext(ctx, w.rebind(query), runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ListRuns returns the most recent ledger entries, newest first.
func (w *SQLWarehouse) ListRuns(ctx context.Context, limit int) ([]*domain.PipelineRun, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, batch_date, lookback_days, status, triggered_by,
			   created_at, started_at, finished_at,
			   failed_tasks, task_states, summary, error
		FROM pipeline_runs
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := w.db.QueryContext(ctx, w.rebind(query), limit)
	if err != nil {
		return nil, domain.Transient("warehouse.list_runs", err)
	}
	defer rows.Close()

	var runs []*domain.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	var status, failedTasks, taskStates, summary string

	if err := row.Scan(
		&run.ID, &run.Date, &run.LookbackDays, &status, &run.TriggeredBy,
		&run.CreatedAt, &run.StartedAt, &run.FinishedAt,
		&failedTasks, &taskStates, &summary, &run.Error,
	); err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	if failedTasks != "" {
		json.Unmarshal([]byte(failedTasks), &run.FailedTasks)
	}
	if taskStates != "" {
		json.Unmarshal([]byte(taskStates), &run.TaskStates)
	}
	if summary != "" {
		json.Unmarshal([]byte(summary), &run.Summary)
	}

	return &run, nil
}

// SaveFlags replaces the date's flags in one transaction so a re-run
// never duplicates them.
func (w *SQLWarehouse) SaveFlags(ctx context.Context, date string, flags []*domain.AnomalyFlag) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transient("warehouse.save_flags", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, w.rebind(`DELETE FROM anomaly_flags WHERE batch_date = ?`), date); err != nil {
		return domain.Transient("warehouse.save_flags", err)
	}

	query := `
		INSERT INTO anomaly_flags (
			id, run_id, batch_date, category, store_id, metric,
			observed, score, method, severity,
			expected_lo, expected_hi, deviation_pct,
			recommendation, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	stmt, err := tx.PrepareContext(ctx, w.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range flags {
		if _, err := stmt.ExecContext(ctx,
			f.ID, f.RunID, date, f.Category, f.StoreID, f.Metric,
			f.Observed, f.Score, f.Method, f.Severity,
			f.ExpectedLo, f.ExpectedHi, f.DeviationPct,
			f.Recommendation, f.DetectedAt.UTC(),
		); err != nil {
			return domain.Transient("warehouse.save_flags", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Transient("warehouse.save_flags", err)
	}
	return nil
}

// FlagsForDate returns the date's flags in deterministic order.
func (w *SQLWarehouse) FlagsForDate(ctx context.Context, date string) ([]*domain.AnomalyFlag, error) {
	query := `
		SELECT id, run_id, batch_date, category, store_id, metric,
			   observed, score, method, severity,
			   expected_lo, expected_hi, deviation_pct,
			   recommendation, detected_at
		FROM anomaly_flags
		WHERE batch_date = ?
		ORDER BY category, store_id, metric
	`

	rows, err := w.db.QueryContext(ctx, w.rebind(query), date)
	if err != nil {
		return nil, domain.Transient("warehouse.flags", err)
	}
	defer rows.Close()

	var flags []*domain.AnomalyFlag
	for rows.Next() {
		var f domain.AnomalyFlag
		if err := rows.Scan(
			&f.ID, &f.RunID, &f.Date, &f.Category, &f.StoreID, &f.Metric,
			&f.Observed, &f.Score, &f.Method, &f.Severity,
			&f.ExpectedLo, &f.ExpectedHi, &f.DeviationPct,
			&f.Recommendation, &f.DetectedAt,
		); err != nil {
			return nil, err
		}
		flags = append(flags, &f)
	}

	return flags, rows.Err()
}

// Ping checks database connectivity.
func (w *SQLWarehouse) Ping(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

// Close closes the database connection.
func (w *SQLWarehouse) Close() error {
	return w.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (w *SQLWarehouse) rebind(query string) string {
	if w.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
