package domain

import "context"

// Staging is the intermediate store between validation and the fact
// load. Replace is atomic per batch date: readers see the previous
// batch in full until the swap completes, then the new one.
type Staging interface {
	// Replace swaps the staged batch for the date with records.
	Replace(ctx context.Context, date string, records []*SalesRecord) error

	// Records returns the staged batch for the date, ordered by
	// transaction_id. An unknown date yields an empty slice.
	Records(ctx context.Context, date string) ([]*SalesRecord, error)

	// Count returns the number of staged records for the date.
	Count(ctx context.Context, date string) (int, error)

	// Clear drops the staged batch for the date.
	Clear(ctx context.Context, date string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// StagingConfig holds configuration for staging initialization.
type StagingConfig struct {
	// Type is the staging backend: "memory" or "redis"
	Type string

	// Redis specific
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TTLSeconds bounds how long a staged batch survives in redis.
	// Zero means no expiry.
	TTLSeconds int
}
