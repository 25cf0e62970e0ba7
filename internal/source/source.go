// Package source provides batch source implementations for Heron.
package source

import (
	"errors"
	"fmt"

	"github.com/openretail-dev/heron/internal/domain"
)

// ErrNotFound is returned when no batch exists for the requested date.
var ErrNotFound = errors.New("batch not found")

// New creates a new batch source based on configuration.
func New(cfg domain.SourceConfig) (domain.BatchSource, error) {
	switch cfg.Type {
	case "fs":
		return NewFSSource(cfg.Dir)

	case "memory":
		return NewMemorySource(), nil

	default:
		return nil, fmt.Errorf("unsupported source type: %s", cfg.Type)
	}
}
