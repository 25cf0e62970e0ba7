package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/openretail-dev/heron/internal/domain"
)

// MemorySource holds batches submitted over the API, keyed by date.
// Used as the inbox behind POST /batches and in tests.
type MemorySource struct {
	mu      sync.RWMutex
	batches map[string][]domain.RawRecord
}

// NewMemorySource creates an empty in-process batch inbox.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		batches: make(map[string][]domain.RawRecord),
	}
}

// Put appends records to the inbox for the date. Repeated submissions
// for one date accumulate into a single batch.
func (s *MemorySource) Put(date string, records []domain.RawRecord) (int, error) {
	if _, err := domain.ParseDate(date); err != nil {
		return 0, fmt.Errorf("invalid batch date %q: %w", date, err)
	}

	s.mu.Lock()
	s.batches[date] = append(s.batches[date], records...)
	total := len(s.batches[date])
	s.mu.Unlock()
	return total, nil
}

// Fetch returns the inbox batch for the date.
func (s *MemorySource) Fetch(ctx context.Context, date string) ([]domain.RawRecord, error) {
	s.mu.RLock()
	batch, ok := s.batches[date]
	s.mu.RUnlock()

	if !ok {
		return nil, domain.Transient("fetch batch", fmt.Errorf("date %s: %w", date, ErrNotFound))
	}

	out := make([]domain.RawRecord, len(batch))
	copy(out, batch)
	return out, nil
}

// Ping always succeeds for the in-process inbox.
func (s *MemorySource) Ping(ctx context.Context) error {
	return nil
}

// Close drops all inbox batches.
func (s *MemorySource) Close() error {
	s.mu.Lock()
	s.batches = make(map[string][]domain.RawRecord)
	s.mu.Unlock()
	return nil
}
