package anomaly

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/openretail-dev/heron/internal/domain"
)

// Aggregate rolls facts up into per-day, per-(category, store) metrics.
// Revenue sums run on decimals so the result does not depend on row
// order, keeping detector input identical across warehouse backends.
func Aggregate(facts []*domain.Fact) []*domain.DailyAggregate {
	type key struct {
		date     string
		category string
		storeID  string
	}

	revenue := make(map[key]decimal.Decimal)
	count := make(map[key]int64)

	for _, f := range facts {
		k := key{date: f.Date(), category: f.Category, storeID: f.StoreID}
		line := decimal.NewFromFloat(f.Price).Mul(decimal.NewFromInt(f.Quantity))
		revenue[k] = revenue[k].Add(line)
		count[k]++
	}

	aggs := make([]*domain.DailyAggregate, 0, len(revenue))
	for k, rev := range revenue {
		n := count[k]
		aov := decimal.Zero
		if n > 0 {
			aov = rev.Div(decimal.NewFromInt(n))
		}
		aggs = append(aggs, &domain.DailyAggregate{
			Date:             k.date,
			Category:         k.category,
			StoreID:          k.storeID,
			Revenue:          rev.InexactFloat64(),
			TransactionCount: n,
			AvgOrderValue:    aov.InexactFloat64(),
		})
	}

	sort.Slice(aggs, func(i, j int) bool {
		a, b := aggs[i], aggs[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.StoreID < b.StoreID
	})

	return aggs
}
