package transform

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/openretail-dev/heron/internal/domain"
	"github.com/openretail-dev/heron/internal/staging"
	"github.com/openretail-dev/heron/internal/warehouse"
)

func newTestEngine(t *testing.T) (*Engine, domain.Staging, domain.Warehouse) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "heron-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	wh, err := warehouse.New(domain.WarehouseConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create warehouse: %v", err)
	}
	t.Cleanup(func() { wh.Close() })

	st := staging.NewMemoryStaging()
	return New(st, wh), st, wh
}

func record(id string, price float64, at time.Time) *domain.SalesRecord {
	return &domain.SalesRecord{
		TransactionID:   id,
		StoreID:         "store_001",
		ProductID:       "prod_001",
		Category:        "Grocery",
		Price:           price,
		Quantity:        1,
		TransactionTime: at,
	}
}

func TestLoadStampsInsertionTime(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	ctx := context.Background()
	day := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

	_ = st.Replace(ctx, "2026-08-20", []*domain.SalesRecord{
		record("tx_001", 10.00, day),
		record("tx_002", 12.50, day.Add(time.Hour)),
	})

	before := time.Now().UTC()
	n, err := engine.Load(ctx, "2026-08-20")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 facts loaded, got %d", n)
	}

	facts, err := engine.FactsForDate(ctx, "2026-08-20")
	if err != nil {
		t.Fatalf("FactsForDate failed: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(facts))
	}
	for _, f := range facts {
		if f.InsertionTime.Before(before.Truncate(time.Second)) {
			t.Errorf("insertion_time not stamped: %v", f.InsertionTime)
		}
	}
}

func TestLoadTwiceIsIdempotent(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	ctx := context.Background()
	day := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

	_ = st.Replace(ctx, "2026-08-20", []*domain.SalesRecord{
		record("tx_001", 10.00, day),
		record("tx_002", 12.50, day),
	})

	if _, err := engine.Load(ctx, "2026-08-20"); err != nil {
		t.Fatalf("first Load failed: %v", err)
	}
	if _, err := engine.Load(ctx, "2026-08-20"); err != nil {
		t.Fatalf("second Load failed: %v", err)
	}

	facts, _ := engine.FactsForDate(ctx, "2026-08-20")
	if len(facts) != 2 {
		t.Errorf("double load must not duplicate rows, got %d", len(facts))
	}
}

func TestLoadRejectsCorruptStaging(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	ctx := context.Background()
	day := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

	// Duplicate ids can only reach staging by skipping validation.
	_ = st.Replace(ctx, "2026-08-20", []*domain.SalesRecord{
		record("tx_001", 10.00, day),
		record("tx_001", 99.00, day),
	})

	_, err := engine.Load(ctx, "2026-08-20")
	var violation *domain.IdempotencyViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected IdempotencyViolationError, got %v", err)
	}
	if violation.Key != "tx_001" {
		t.Errorf("expected violation key tx_001, got %s", violation.Key)
	}
	if domain.IsRetryable(err) {
		t.Error("idempotency violations must never be retried")
	}
}

func TestLoadSkipsRecordsWithoutID(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	ctx := context.Background()
	day := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

	_ = st.Replace(ctx, "2026-08-20", []*domain.SalesRecord{
		record("", 10.00, day),
		record("tx_001", 12.50, day),
	})

	n, err := engine.Load(ctx, "2026-08-20")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 fact loaded, got %d", n)
	}

	facts, _ := engine.FactsForDate(ctx, "2026-08-20")
	if len(facts) != 1 || facts[0].TransactionID != "tx_001" {
		t.Errorf("expected only tx_001 loaded, got %d facts", len(facts))
	}
}

func TestLoadEmptyDate(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	n, err := engine.Load(context.Background(), "2026-08-20")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 facts for empty staging, got %d", n)
	}
}
