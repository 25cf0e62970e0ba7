package domain

import (
	"context"
	"time"
)

// Warehouse is the fact store plus the run ledger and flag store.
// Implementations: sqlite, postgres (database/sql) and clickhouse.
type Warehouse interface {
	// UpsertFacts inserts or replaces facts keyed on transaction_id.
	// Loading the same records twice leaves a single row per id.
	UpsertFacts(ctx context.Context, facts []*Fact) error

	// FactsForDate returns all facts whose transaction_time falls on the
	// civil date (UTC), ordered by transaction_id.
	FactsForDate(ctx context.Context, date string) ([]*Fact, error)

	// FactsBetween returns facts for the inclusive date range, ordered by
	// date then transaction_id. Used to build detector history.
	FactsBetween(ctx context.Context, from, to string) ([]*Fact, error)

	// Run ledger operations
	SaveRun(ctx context.Context, run *PipelineRun) error
	GetRun(ctx context.Context, runID string) (*PipelineRun, error)
	ListRuns(ctx context.Context, limit int) ([]*PipelineRun, error)

	// Flag store operations. SaveFlags replaces the date's flags so a
	// re-run never duplicates them.
	SaveFlags(ctx context.Context, date string, flags []*AnomalyFlag) error
	FlagsForDate(ctx context.Context, date string) ([]*AnomalyFlag, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// WarehouseConfig holds configuration for warehouse initialization.
type WarehouseConfig struct {
	// Driver is the backend: "sqlite", "postgres" or "clickhouse"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// ClickHouse specific
	ClickHouseAddr     string
	ClickHouseDB       string
	ClickHouseUser     string
	ClickHousePassword string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
