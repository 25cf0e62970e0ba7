package staging

import (
	"context"
	"sort"
	"sync"

	"github.com/openretail-dev/heron/internal/domain"
)

// MemoryStaging implements Staging with an in-process map.
// Used in Community tier and tests.
type MemoryStaging struct {
	mu      sync.RWMutex
	batches map[string][]*domain.SalesRecord
}

// NewMemoryStaging creates an empty in-process staging store.
func NewMemoryStaging() *MemoryStaging {
	return &MemoryStaging{
		batches: make(map[string][]*domain.SalesRecord),
	}
}

// Replace builds the new batch fully outside the lock, then swaps the
// slice under it. Readers hold the old slice or the new one, never a mix.
func (s *MemoryStaging) Replace(ctx context.Context, date string, records []*domain.SalesRecord) error {
	staged := make([]*domain.SalesRecord, len(records))
	copy(staged, records)
	sort.Slice(staged, func(i, j int) bool {
		return staged[i].TransactionID < staged[j].TransactionID
	})

	s.mu.Lock()
	s.batches[date] = staged
	s.mu.Unlock()
	return nil
}

// Records returns the staged batch for the date, ordered by transaction_id.
func (s *MemoryStaging) Records(ctx context.Context, date string) ([]*domain.SalesRecord, error) {
	s.mu.RLock()
	staged := s.batches[date]
	s.mu.RUnlock()

	out := make([]*domain.SalesRecord, len(staged))
	copy(out, staged)
	return out, nil
}

// Count returns the number of staged records for the date.
func (s *MemoryStaging) Count(ctx context.Context, date string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.batches[date]), nil
}

// Clear drops the staged batch for the date.
func (s *MemoryStaging) Clear(ctx context.Context, date string) error {
	s.mu.Lock()
	delete(s.batches, date)
	s.mu.Unlock()
	return nil
}

// Ping always succeeds for the in-process store.
func (s *MemoryStaging) Ping(ctx context.Context) error {
	return nil
}

// Close drops all staged batches.
func (s *MemoryStaging) Close() error {
	s.mu.Lock()
	s.batches = make(map[string][]*domain.SalesRecord)
	s.mu.Unlock()
	return nil
}
