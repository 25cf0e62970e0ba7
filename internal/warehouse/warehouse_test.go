package warehouse

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/openretail-dev/heron/internal/domain"
)

func newTestWarehouse(t *testing.T) domain.Warehouse {
	t.Helper()

	// Create temp database file
	tmpFile, err := os.CreateTemp("", "heron-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	wh, err := New(domain.WarehouseConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create warehouse: %v", err)
	}
	t.Cleanup(func() { wh.Close() })

	return wh
}

func fact(id, category, store string, price float64, qty int64, at time.Time) *domain.Fact {
	return &domain.Fact{
		SalesRecord: domain.SalesRecord{
			TransactionID:   id,
			StoreID:         store,
			ProductID:       "prod_001",
			Category:        category,
			Price:           price,
			Quantity:        qty,
			TransactionTime: at,
		},
		InsertionTime: time.Now().UTC(),
	}
}

func TestSQLiteWarehouse(t *testing.T) {
	wh := newTestWarehouse(t)
	ctx := context.Background()

	day := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := wh.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("UpsertAndFactsForDate", func(t *testing.T) {
		facts := []*domain.Fact{
			fact("tx_002", "Grocery", "store_001", 5.50, 2, day),
			fact("tx_001", "Electronics", "store_002", 199.99, 1, day.Add(time.Hour)),
			fact("tx_003", "Grocery", "store_001", 3.25, 4, day.AddDate(0, 0, 1)),
		}

		if err := wh.UpsertFacts(ctx, facts); err != nil {
			t.Fatalf("UpsertFacts failed: %v", err)
		}

		got, err := wh.FactsForDate(ctx, "2026-08-20")
		if err != nil {
			t.Fatalf("FactsForDate failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 facts on date, got %d", len(got))
		}
		if got[0].TransactionID != "tx_001" || got[1].TransactionID != "tx_002" {
			t.Errorf("facts not ordered by transaction_id: %s, %s",
				got[0].TransactionID, got[1].TransactionID)
		}
		if got[1].Price != 5.50 || got[1].Quantity != 2 {
			t.Errorf("unexpected fact values: %+v", got[1])
		}
		if !got[0].TransactionTime.Equal(day.Add(time.Hour)) {
			t.Errorf("transaction_time mismatch: %v", got[0].TransactionTime)
		}
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		// Same id loaded again with corrected values must replace the row.
		update := fact("tx_002", "Grocery", "store_001", 6.00, 3, day)
		update.InsertionTime = time.Now().UTC().Add(time.Minute)

		if err := wh.UpsertFacts(ctx, []*domain.Fact{update}); err != nil {
			t.Fatalf("UpsertFacts failed: %v", err)
		}

		got, err := wh.FactsForDate(ctx, "2026-08-20")
		if err != nil {
			t.Fatalf("FactsForDate failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 facts after re-load, got %d", len(got))
		}
		if got[1].Price != 6.00 || got[1].Quantity != 3 {
			t.Errorf("re-load did not replace row: %+v", got[1])
		}
	})

	t.Run("FactsBetween", func(t *testing.T) {
		got, err := wh.FactsBetween(ctx, "2026-08-20", "2026-08-21")
		if err != nil {
			t.Fatalf("FactsBetween failed: %v", err)
		}
		if len(got) != 3 {
			t.Errorf("expected 3 facts in range, got %d", len(got))
		}

		got, err = wh.FactsBetween(ctx, "2026-08-21", "2026-08-21")
		if err != nil {
			t.Fatalf("FactsBetween failed: %v", err)
		}
		if len(got) != 1 {
			t.Errorf("expected 1 fact on the edge day, got %d", len(got))
		}
	})

	t.Run("EmptyDate", func(t *testing.T) {
		got, err := wh.FactsForDate(ctx, "1999-01-01")
		if err != nil {
			t.Fatalf("FactsForDate failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected no facts, got %d", len(got))
		}
	})

	t.Run("BadDate", func(t *testing.T) {
		if _, err := wh.FactsForDate(ctx, "20-08-2026"); err == nil {
			t.Error("expected error for malformed date")
		}
	})
}

func TestRunLedger(t *testing.T) {
	wh := newTestWarehouse(t)
	ctx := context.Background()

	run := &domain.PipelineRun{
		ID:           "run-001",
		Date:         "2026-08-20",
		LookbackDays: 14,
		Status:       domain.RunQueued,
		TriggeredBy:  "api",
		CreatedAt:    time.Now().UTC(),
	}

	t.Run("SaveAndGet", func(t *testing.T) {
		if err := wh.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		got, err := wh.GetRun(ctx, "run-001")
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if got.Status != domain.RunQueued || got.Date != "2026-08-20" {
			t.Errorf("unexpected run: %+v", got)
		}
	})

	t.Run("UpdateTerminalState", func(t *testing.T) {
		run.Status = domain.RunFailed
		run.StartedAt = time.Now().UTC()
		run.FinishedAt = time.Now().UTC()
		run.FailedTasks = []string{"load_facts", "detect"}
		run.TaskStates = map[string]domain.TaskSnapshot{
			"validate":   {State: domain.TaskSucceeded, Attempts: 1},
			"load_facts": {State: domain.TaskFailed, Attempts: 2, Error: "warehouse unreachable"},
		}
		run.Summary = domain.RunSummary{TotalRecords: 100, Accepted: 95, Rejected: 5}

		if err := wh.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		got, err := wh.GetRun(ctx, "run-001")
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if got.Status != domain.RunFailed {
			t.Errorf("expected FAILED, got %s", got.Status)
		}
		if len(got.FailedTasks) != 2 || got.FailedTasks[0] != "load_facts" {
			t.Errorf("failed tasks not persisted: %v", got.FailedTasks)
		}
		if got.TaskStates["load_facts"].Error != "warehouse unreachable" {
			t.Errorf("task states not persisted: %+v", got.TaskStates)
		}
		if got.Summary.Accepted != 95 {
			t.Errorf("summary not persisted: %+v", got.Summary)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := wh.GetRun(ctx, "no-such-run")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		second := &domain.PipelineRun{
			ID:        "run-002",
			Date:      "2026-08-21",
			Status:    domain.RunSucceeded,
			CreatedAt: time.Now().UTC().Add(time.Minute),
		}
		if err := wh.SaveRun(ctx, second); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		runs, err := wh.ListRuns(ctx, 10)
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(runs) != 2 {
			t.Fatalf("expected 2 runs, got %d", len(runs))
		}
		if runs[0].ID != "run-002" {
			t.Errorf("expected newest first, got %s", runs[0].ID)
		}

		runs, _ = wh.ListRuns(ctx, 1)
		if len(runs) != 1 {
			t.Errorf("limit not applied, got %d runs", len(runs))
		}
	})
}

func TestFlagStore(t *testing.T) {
	wh := newTestWarehouse(t)
	ctx := context.Background()
	date := "2026-08-20"

	flags := []*domain.AnomalyFlag{
		{
			ID: "flag-002", RunID: "run-001", Date: date,
			Category: "Grocery", StoreID: "store_001",
			Metric: domain.MetricDailyRevenue, Observed: 1400, Score: 4.0,
			Method: domain.MethodZScore, Severity: domain.SeverityMedium,
			ExpectedLo: 800, ExpectedHi: 1200, DeviationPct: 40,
			Recommendation: "Review pricing strategy and promotions.",
			DetectedAt:     time.Now().UTC(),
		},
		{
			ID: "flag-001", RunID: "run-001", Date: date,
			Category: "Electronics", StoreID: "store_002",
			Metric: domain.MetricTransactionCount, Observed: 150, Score: 0,
			Method: domain.MethodIQR, Severity: domain.SeverityLow,
			ExpectedLo: 100, ExpectedHi: 100, DeviationPct: 50,
			DetectedAt: time.Now().UTC(),
		},
	}

	t.Run("SaveAndRead", func(t *testing.T) {
		if err := wh.SaveFlags(ctx, date, flags); err != nil {
			t.Fatalf("SaveFlags failed: %v", err)
		}

		got, err := wh.FlagsForDate(ctx, date)
		if err != nil {
			t.Fatalf("FlagsForDate failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 flags, got %d", len(got))
		}
		// ordered by category, store_id, metric
		if got[0].Category != "Electronics" || got[1].Category != "Grocery" {
			t.Errorf("flags out of order: %s, %s", got[0].Category, got[1].Category)
		}
		if got[1].Score != 4.0 || got[1].Method != domain.MethodZScore {
			t.Errorf("flag values not persisted: %+v", got[1])
		}
	})

	t.Run("SaveReplacesDate", func(t *testing.T) {
		if err := wh.SaveFlags(ctx, date, flags[:1]); err != nil {
			t.Fatalf("SaveFlags failed: %v", err)
		}

		got, err := wh.FlagsForDate(ctx, date)
		if err != nil {
			t.Fatalf("FlagsForDate failed: %v", err)
		}
		if len(got) != 1 {
			t.Errorf("expected re-save to replace flags, got %d", len(got))
		}
	})

	t.Run("EmptySaveClearsDate", func(t *testing.T) {
		if err := wh.SaveFlags(ctx, date, nil); err != nil {
			t.Fatalf("SaveFlags failed: %v", err)
		}
		got, _ := wh.FlagsForDate(ctx, date)
		if len(got) != 0 {
			t.Errorf("expected no flags after empty save, got %d", len(got))
		}
	})
}

func TestRebind(t *testing.T) {
	w := &SQLWarehouse{driver: "postgres"}
	got := w.rebind("INSERT INTO t (a, b) VALUES (?, ?)")
	want := "INSERT INTO t (a, b) VALUES ($1, $2)"
	if got != want {
		t.Errorf("rebind: expected %q, got %q", want, got)
	}

	w.driver = "sqlite"
	passthrough := "SELECT * FROM t WHERE a = ?"
	if w.rebind(passthrough) != passthrough {
		t.Errorf("sqlite rebind must be a no-op")
	}
}
