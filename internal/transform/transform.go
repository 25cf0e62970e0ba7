// Package transform moves staged batches into the fact table.
package transform

import (
	"context"
	"log/slog"
	"time"

	"github.com/openretail-dev/heron/internal/domain"
)

// Engine loads staged records into the warehouse. The load is an
// upsert keyed on transaction_id, so running it twice for the same
// batch leaves the fact table unchanged.
type Engine struct {
	staging   domain.Staging
	warehouse domain.Warehouse
}

// New creates a transform engine over the staging store and warehouse.
func New(staging domain.Staging, warehouse domain.Warehouse) *Engine {
	return &Engine{staging: staging, warehouse: warehouse}
}

// Load upserts the staged batch for the date into the fact table,
// stamping insertion_time on every row. Returns the number of facts
// loaded. A staged batch carrying duplicate ids can only mean the
// batch skipped validation; that is an idempotency violation and is
// never retried.
func (e *Engine) Load(ctx context.Context, date string) (int, error) {
	records, err := e.staging.Records(ctx, date)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		slog.Info("nothing staged for date", "date", date)
		return 0, nil
	}

	seen := make(map[string]struct{}, len(records))
	now := time.Now().UTC()
	facts := make([]*domain.Fact, 0, len(records))
	for _, rec := range records {
		if rec.TransactionID == "" {
			slog.Warn("skipping staged record without transaction_id", "date", date)
			continue
		}
		if _, dup := seen[rec.TransactionID]; dup {
			return 0, &domain.IdempotencyViolationError{
				Key:    rec.TransactionID,
				Detail: "staged batch contains duplicate transaction_id",
			}
		}
		seen[rec.TransactionID] = struct{}{}

		facts = append(facts, &domain.Fact{
			SalesRecord:   *rec,
			InsertionTime: now,
		})
	}

	if err := e.warehouse.UpsertFacts(ctx, facts); err != nil {
		return 0, err
	}

	slog.Info("facts loaded",
		"date", date,
		"count", len(facts))
	return len(facts), nil
}

// FactsForDate reads back the loaded facts for a civil date.
func (e *Engine) FactsForDate(ctx context.Context, date string) ([]*domain.Fact, error) {
	return e.warehouse.FactsForDate(ctx, date)
}
