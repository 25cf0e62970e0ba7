package warehouse

// Schema definitions for the Heron warehouse.
// Compatible with both SQLite and PostgreSQL.

// The facts table is the row-store rendition of the columnar fact
// table: the time index stands in for the date partition, the
// (category, store_id) index for the clustering key.
const schemaFacts = `
CREATE TABLE IF NOT EXISTS facts (
    transaction_id TEXT PRIMARY KEY,
    store_id TEXT NOT NULL,
    product_id TEXT NOT NULL,
    category TEXT NOT NULL,
    price REAL NOT NULL,
    quantity INTEGER NOT NULL,
    transaction_time TIMESTAMP NOT NULL,
    insertion_time TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_facts_time ON facts(transaction_time);
CREATE INDEX IF NOT EXISTS idx_facts_group ON facts(category, store_id);
`

const schemaRuns = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id TEXT PRIMARY KEY,
    batch_date TEXT NOT NULL,
    lookback_days INTEGER NOT NULL DEFAULT 14,
    status TEXT NOT NULL,
    triggered_by TEXT,
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    failed_tasks TEXT,
    task_states TEXT,
    summary TEXT,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_date ON pipeline_runs(batch_date);
CREATE INDEX IF NOT EXISTS idx_runs_created ON pipeline_runs(created_at);
`

const schemaFlags = `
CREATE TABLE IF NOT EXISTS anomaly_flags (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    batch_date TEXT NOT NULL,
    category TEXT NOT NULL,
    store_id TEXT NOT NULL,
    metric TEXT NOT NULL,
    observed REAL NOT NULL,
    score REAL NOT NULL,
    method TEXT NOT NULL,
    severity TEXT NOT NULL,
    expected_lo REAL NOT NULL,
    expected_hi REAL NOT NULL,
    deviation_pct REAL NOT NULL,
    recommendation TEXT,
    detected_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_flags_date ON anomaly_flags(batch_date);
CREATE INDEX IF NOT EXISTS idx_flags_group ON anomaly_flags(batch_date, category, store_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaFacts,
		schemaRuns,
		schemaFlags,
	}
}
