package staging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openretail-dev/heron/internal/domain"
)

func makeRecords(n int, prefix string) []*domain.SalesRecord {
	recs := make([]*domain.SalesRecord, 0, n)
	for i := n - 1; i >= 0; i-- {
		recs = append(recs, &domain.SalesRecord{
			TransactionID:   fmt.Sprintf("%s_%03d", prefix, i),
			StoreID:         "store_001",
			ProductID:       "prod_001",
			Category:        "Grocery",
			Price:           9.99,
			Quantity:        1,
			TransactionTime: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
		})
	}
	return recs
}

func TestMemoryStaging(t *testing.T) {
	s := NewMemoryStaging()
	ctx := context.Background()
	date := "2026-08-20"

	t.Run("ReplaceAndRecords", func(t *testing.T) {
		if err := s.Replace(ctx, date, makeRecords(5, "tx")); err != nil {
			t.Fatalf("Replace failed: %v", err)
		}

		recs, err := s.Records(ctx, date)
		if err != nil {
			t.Fatalf("Records failed: %v", err)
		}
		if len(recs) != 5 {
			t.Fatalf("expected 5 records, got %d", len(recs))
		}
		for i := 1; i < len(recs); i++ {
			if recs[i-1].TransactionID >= recs[i].TransactionID {
				t.Fatalf("records not ordered by transaction_id: %s >= %s",
					recs[i-1].TransactionID, recs[i].TransactionID)
			}
		}
	})

	t.Run("ReplaceSwapsWholeBatch", func(t *testing.T) {
		_ = s.Replace(ctx, date, makeRecords(5, "old"))
		_ = s.Replace(ctx, date, makeRecords(3, "new"))

		recs, _ := s.Records(ctx, date)
		if len(recs) != 3 {
			t.Fatalf("expected 3 records after swap, got %d", len(recs))
		}
		for _, r := range recs {
			if r.TransactionID[:3] != "new" {
				t.Errorf("old batch leaked through swap: %s", r.TransactionID)
			}
		}
	})

	t.Run("Count", func(t *testing.T) {
		n, err := s.Count(ctx, date)
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if n != 3 {
			t.Errorf("expected 3, got %d", n)
		}
	})

	t.Run("UnknownDateEmpty", func(t *testing.T) {
		recs, err := s.Records(ctx, "1999-01-01")
		if err != nil {
			t.Fatalf("Records failed: %v", err)
		}
		if len(recs) != 0 {
			t.Errorf("expected empty batch, got %d", len(recs))
		}
	})

	t.Run("Clear", func(t *testing.T) {
		if err := s.Clear(ctx, date); err != nil {
			t.Fatalf("Clear failed: %v", err)
		}
		n, _ := s.Count(ctx, date)
		if n != 0 {
			t.Errorf("expected 0 after clear, got %d", n)
		}
	})
}

// Readers racing a swap must see the old batch or the new one, whole.
func TestMemoryStagingAtomicSwap(t *testing.T) {
	s := NewMemoryStaging()
	ctx := context.Background()
	date := "2026-08-20"

	_ = s.Replace(ctx, date, makeRecords(10, "a"))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if i%2 == 0 {
				_ = s.Replace(ctx, date, makeRecords(10, "a"))
			} else {
				_ = s.Replace(ctx, date, makeRecords(25, "b"))
			}
		}
		close(stop)
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				recs, err := s.Records(ctx, date)
				if err != nil {
					t.Errorf("Records failed: %v", err)
					return
				}
				if len(recs) != 10 && len(recs) != 25 {
					t.Errorf("partial batch observed: %d records", len(recs))
					return
				}
				prefix := recs[0].TransactionID[:1]
				for _, r := range recs {
					if r.TransactionID[:1] != prefix {
						t.Errorf("mixed batches observed")
						return
					}
				}
			}
		}()
	}

	wg.Wait()
}
