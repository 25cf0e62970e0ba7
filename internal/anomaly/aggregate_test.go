package anomaly

import (
	"testing"
	"time"

	"github.com/openretail-dev/heron/internal/domain"
)

func aggFact(id, category, store string, price float64, qty int64, at time.Time) *domain.Fact {
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
		InsertionTime: at,
	}
}

func TestAggregateGroupsByDateCategoryStore(t *testing.T) {
	day1 := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC)

	facts := []*domain.Fact{
		aggFact("tx_001", "Grocery", "S1", 10.00, 2, day1),
		aggFact("tx_002", "Grocery", "S1", 5.00, 1, day1.Add(3*time.Hour)),
		aggFact("tx_003", "Grocery", "S2", 7.00, 1, day1),
		aggFact("tx_004", "Toys", "S1", 20.00, 1, day1),
		aggFact("tx_005", "Grocery", "S1", 9.00, 1, day2),
	}

	aggs := Aggregate(facts)
	if len(aggs) != 4 {
		t.Fatalf("expected 4 groups, got %d", len(aggs))
	}

	// Sorted by date, category, store.
	first := aggs[0]
	if first.Date != "2026-08-20" || first.Category != "Grocery" || first.StoreID != "S1" {
		t.Fatalf("unexpected first group: %+v", first)
	}
	if first.Revenue != 25.00 {
		t.Errorf("expected revenue 25.00, got %v", first.Revenue)
	}
	if first.TransactionCount != 2 {
		t.Errorf("expected 2 transactions, got %d", first.TransactionCount)
	}
	if first.AvgOrderValue != 12.50 {
		t.Errorf("expected AOV 12.50, got %v", first.AvgOrderValue)
	}

	last := aggs[3]
	if last.Date != "2026-08-21" || last.Revenue != 9.00 {
		t.Errorf("unexpected last group: %+v", last)
	}
}

func TestAggregateDecimalExactness(t *testing.T) {
	day := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	// 0.10 + 0.20 + 0.30 drifts on float64, not on decimals.
	facts := []*domain.Fact{
		aggFact("tx_001", "Grocery", "S1", 0.10, 1, day),
		aggFact("tx_002", "Grocery", "S1", 0.20, 1, day),
		aggFact("tx_003", "Grocery", "S1", 0.30, 1, day),
	}

	aggs := Aggregate(facts)
	if len(aggs) != 1 {
		t.Fatalf("expected 1 group, got %d", len(aggs))
	}
	if aggs[0].Revenue != 0.60 {
		t.Errorf("expected revenue exactly 0.60, got %v", aggs[0].Revenue)
	}
	if aggs[0].AvgOrderValue != 0.20 {
		t.Errorf("expected AOV exactly 0.20, got %v", aggs[0].AvgOrderValue)
	}
}

func TestAggregateOrderIndependent(t *testing.T) {
	day := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	facts := []*domain.Fact{
		aggFact("tx_001", "Grocery", "S1", 19.99, 3, day),
		aggFact("tx_002", "Grocery", "S1", 0.01, 7, day),
		aggFact("tx_003", "Grocery", "S1", 123.45, 2, day),
	}
	reversed := []*domain.Fact{facts[2], facts[1], facts[0]}

	a := Aggregate(facts)
	b := Aggregate(reversed)
	if a[0].Revenue != b[0].Revenue {
		t.Errorf("revenue depends on input order: %v vs %v", a[0].Revenue, b[0].Revenue)
	}
	if a[0].AvgOrderValue != b[0].AvgOrderValue {
		t.Errorf("AOV depends on input order: %v vs %v", a[0].AvgOrderValue, b[0].AvgOrderValue)
	}
}

func TestAggregateEmpty(t *testing.T) {
	if got := Aggregate(nil); len(got) != 0 {
		t.Errorf("expected no aggregates for no facts, got %d", len(got))
	}
}
