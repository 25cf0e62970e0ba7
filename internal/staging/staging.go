// Package staging holds validated batches between validation and the
// fact load. Replace is atomic per date: a reader sees the old batch in
// full until the swap, then the new one, never a mix.
package staging

import (
	"fmt"

	"github.com/openretail-dev/heron/internal/domain"
)

// New creates a staging store based on configuration.
// Community tier uses the in-process store, Pro uses Redis.
func New(cfg domain.StagingConfig) (domain.Staging, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStaging(), nil

	case "redis":
		return NewRedisStaging(cfg)

	default:
		return nil, fmt.Errorf("unsupported staging type: %s", cfg.Type)
	}
}
