package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/openretail-dev/heron/internal/domain"
)

// ClickHouse DDL. The fact table is the columnar original: partitioned
// by the transaction date, ordered by the clustering key. The
// ReplacingMergeTree keyed on insertion_time gives upsert semantics;
// reads use FINAL so re-loaded rows collapse to the newest version.
const chSchemaFacts = `
CREATE TABLE IF NOT EXISTS facts (
    transaction_id   String,
    store_id         String,
    product_id       String,
    category         String,
    price            Float64,
    quantity         Int64,
    transaction_time DateTime64(3, 'UTC'),
    insertion_time   DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree(insertion_time)
PARTITION BY toDate(transaction_time)
ORDER BY (category, store_id, transaction_id)
`

// Run ledger timestamps are unix milliseconds so queued entries can
// carry unset start/finish times.
const chSchemaRuns = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id            String,
    batch_date    String,
    lookback_days Int32,
    status        String,
    triggered_by  String,
    created_ms    Int64,
    started_ms    Int64,
    finished_ms   Int64,
    failed_tasks  String,
    task_states   String,
    summary       String,
    error         String,
    updated_ms    Int64
) ENGINE = ReplacingMergeTree(updated_ms)
ORDER BY id
`

const chSchemaFlags = `
CREATE TABLE IF NOT EXISTS anomaly_flags (
    id             String,
    run_id         String,
    batch_date     String,
    category       String,
    store_id       String,
    metric         String,
    observed       Float64,
    score          Float64,
    method         String,
    severity       String,
    expected_lo    Float64,
    expected_hi    Float64,
    deviation_pct  Float64,
    recommendation String,
    detected_at    DateTime64(3, 'UTC')
) ENGINE = MergeTree
PARTITION BY batch_date
ORDER BY (batch_date, category, store_id, metric)
`

// ClickHouseWarehouse implements domain.Warehouse on the native
// ClickHouse protocol for columnar analytics at fleet scale.
type ClickHouseWarehouse struct {
	conn clickhouse.Conn
}

// NewClickHouseWarehouse connects and migrates the ClickHouse backend.
func NewClickHouseWarehouse(cfg domain.WarehouseConfig) (*ClickHouseWarehouse, error) {
	addr := cfg.ClickHouseAddr
	if addr == "" {
		addr = "localhost:9000"
	}
	database := cfg.ClickHouseDB
	if database == "" {
		database = "heron"
	}
	user := cfg.ClickHouseUser
	if user == "" {
		user = "default"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: user,
			Password: cfg.ClickHousePassword,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	wh := &ClickHouseWarehouse{conn: conn}
	if err := wh.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return wh, nil
}

func (w *ClickHouseWarehouse) migrate(ctx context.Context) error {
	for _, schema := range []string{chSchemaFacts, chSchemaRuns, chSchemaFlags} {
		if err := w.conn.Exec(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

// UpsertFacts streams the facts in one batch insert. The merge tree
// collapses duplicate ids to the newest insertion_time.
func (w *ClickHouseWarehouse) UpsertFacts(ctx context.Context, facts []*domain.Fact) error {
	if len(facts) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO facts (
			transaction_id, store_id, product_id, category,
			price, quantity, transaction_time, insertion_time
		)
	`)
	if err != nil {
		return domain.Transient("warehouse.upsert", err)
	}

	for _, f := range facts {
		if f.TransactionID == "" {
			return fmt.Errorf("%w: transaction_id is required", ErrInvalidInput)
		}
		if err := batch.Append(
			f.TransactionID, f.StoreID, f.ProductID, f.Category,
			f.Price, f.Quantity,
			f.TransactionTime.UTC(), f.InsertionTime.UTC(),
		); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return domain.Transient("warehouse.upsert", err)
	}
	return nil
}

// FactsForDate returns all facts on the civil date, ordered by
// transaction_id.
func (w *ClickHouseWarehouse) FactsForDate(ctx context.Context, date string) ([]*domain.Fact, error) {
	if _, err := domain.ParseDate(date); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	query := `
		SELECT transaction_id, store_id, product_id, category,
			   price, quantity, transaction_time, insertion_time
		FROM facts FINAL
		WHERE toDate(transaction_time) = ?
		ORDER BY transaction_id
	`
	return w.queryFacts(ctx, query, date)
}

// FactsBetween returns facts for the inclusive date range.
func (w *ClickHouseWarehouse) FactsBetween(ctx context.Context, from, to string) ([]*domain.Fact, error) {
	if _, err := domain.ParseDate(from); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, err := domain.ParseDate(to); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	query := `
		SELECT transaction_id, store_id, product_id, category,
			   price, quantity, transaction_time, insertion_time
		FROM facts FINAL
		WHERE toDate(transaction_time) >= ? AND toDate(transaction_time) <= ?
		ORDER BY transaction_time, transaction_id
	`
	return w.queryFacts(ctx, query, from, to)
}

func (w *ClickHouseWarehouse) queryFacts(ctx context.Context, query string, args ...any) ([]*domain.Fact, error) {
	rows, err := w.conn.Query(ctx, query, args...)
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

// SaveRun appends a new ledger version; reads collapse to the latest.
func (w *ClickHouseWarehouse) SaveRun(ctx context.Context, run *domain.PipelineRun) error {
	if run.ID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	failedTasks, _ := json.Marshal(run.FailedTasks)
	taskStates, _ := json.Marshal(run.TaskStates)
	summary, _ := json.Marshal(run.Summary)

	query := `
		INSERT INTO pipeline_runs (
			id, batch_date, lookback_days, status, triggered_by,
			created_ms, started_ms, finished_ms,
			failed_tasks, task_states, summary, error, updated_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := w.conn.Exec(ctx, query,
		run.ID, run.Date, int32(run.LookbackDays), string(run.Status), run.TriggeredBy,
		timeToMs(run.CreatedAt), timeToMs(run.StartedAt), timeToMs(run.FinishedAt),
		string(failedTasks), string(taskStates), string(summary), run.Error,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return domain.Transient("warehouse.save_run", err)
	}
	return nil
}

// GetRun retrieves a ledger entry by id.
func (w *ClickHouseWarehouse) GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	query := `
		SELECT id, batch_date, lookback_days, status, triggered_by,
			   created_ms, started_ms, finished_ms,
			   failed_tasks, task_states, summary, error
		FROM pipeline_runs FINAL
		WHERE id = ?
	`

	run, err := scanChRun(w.conn.QueryRow(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ListRuns returns the most recent ledger entries, newest first.
func (w *ClickHouseWarehouse) ListRuns(ctx context.Context, limit int) ([]*domain.PipelineRun, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, batch_date, lookback_days, status, triggered_by,
			   created_ms, started_ms, finished_ms,
			   failed_tasks, task_states, summary, error
		FROM pipeline_runs FINAL
		ORDER BY created_ms DESC
		LIMIT ?
	`

	rows, err := w.conn.Query(ctx, query, limit)
	if err != nil {
		return nil, domain.Transient("warehouse.list_runs", err)
	}
	defer rows.Close()

	var runs []*domain.PipelineRun
	for rows.Next() {
		run, err := scanChRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func scanChRun(row rowScanner) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	var lookback int32
	var status, failedTasks, taskStates, summary string
	var createdMs, startedMs, finishedMs int64

	if err := row.Scan(
		&run.ID, &run.Date, &lookback, &status, &run.TriggeredBy,
		&createdMs, &startedMs, &finishedMs,
		&failedTasks, &taskStates, &summary, &run.Error,
	); err != nil {
		return nil, err
	}

	run.LookbackDays = int(lookback)
	run.Status = domain.RunStatus(status)
	run.CreatedAt = msToTime(createdMs)
	run.StartedAt = msToTime(startedMs)
	run.FinishedAt = msToTime(finishedMs)
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

// SaveFlags drops the date's partition and streams the new flags in.
func (w *ClickHouseWarehouse) SaveFlags(ctx context.Context, date string, flags []*domain.AnomalyFlag) error {
	// The date lands in the DDL below; refuse anything but YYYY-MM-DD.
	if _, err := domain.ParseDate(date); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	drop := fmt.Sprintf("ALTER TABLE anomaly_flags DROP PARTITION '%s'", date)
	if err := w.conn.Exec(ctx, drop); err != nil {
		return domain.Transient("warehouse.save_flags", err)
	}

	if len(flags) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO anomaly_flags (
			id, run_id, batch_date, category, store_id, metric,
			observed, score, method, severity,
			expected_lo, expected_hi, deviation_pct,
			recommendation, detected_at
		)
	`)
	if err != nil {
		return domain.Transient("warehouse.save_flags", err)
	}

	for _, f := range flags {
		if err := batch.Append(
			f.ID, f.RunID, date, f.Category, f.StoreID, f.Metric,
			f.Observed, f.Score, f.Method, f.Severity,
			f.ExpectedLo, f.ExpectedHi, f.DeviationPct,
			f.Recommendation, f.DetectedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return domain.Transient("warehouse.save_flags", err)
	}
	return nil
}

// FlagsForDate returns the date's flags in deterministic order.
func (w *ClickHouseWarehouse) FlagsForDate(ctx context.Context, date string) ([]*domain.AnomalyFlag, error) {
	query := `
		SELECT id, run_id, batch_date, category, store_id, metric,
			   observed, score, method, severity,
			   expected_lo, expected_hi, deviation_pct,
			   recommendation, detected_at
		FROM anomaly_flags
		WHERE batch_date = ?
		ORDER BY category, store_id, metric
	`

	rows, err := w.conn.Query(ctx, query, date)
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

// Ping checks ClickHouse connectivity.
func (w *ClickHouseWarehouse) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

// Close closes the ClickHouse connection.
func (w *ClickHouseWarehouse) Close() error {
	return w.conn.Close()
}

func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
