package domain

import "context"

// BatchSource produces the raw records for a batch date.
// Implementations: fs (CSV drop directory) and memory (API inbox).
type BatchSource interface {
	// Fetch returns the raw records for the date. A date with no batch
	// yields a retryable not-found error, since drops can land late.
	Fetch(ctx context.Context, date string) ([]RawRecord, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// SourceConfig holds configuration for batch source initialization.
type SourceConfig struct {
	// Type is the source backend: "fs" or "memory"
	Type string

	// FS specific: directory scanned for sales_YYYY-MM-DD.csv drops.
	Dir string

	// Watch enables the directory watcher that triggers a run when a
	// batch file lands.
	Watch bool

	// DebounceMs is the watcher debounce window in milliseconds.
	DebounceMs int
}
