package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openretail-dev/heron/internal/domain"
)

// FSSource reads batches from CSV drop files in a data directory.
// A batch for date D is the file sales_D.csv.
type FSSource struct {
	dir string
}

// NewFSSource creates a source over the given drop directory.
func NewFSSource(dir string) (*FSSource, error) {
	if dir == "" {
		return nil, fmt.Errorf("source directory is required")
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source path is not a directory: %s", dir)
	}

	return &FSSource{dir: dir}, nil
}

// Fetch reads the batch file for the date and maps each row by the
// header columns. Short rows come back with fields absent so the
// validator can classify them; a missing file is transient because
// drops can land late.
func (s *FSSource) Fetch(ctx context.Context, date string) ([]domain.RawRecord, error) {
	if _, err := domain.ParseDate(date); err != nil {
		return nil, fmt.Errorf("invalid batch date %q: %w", date, err)
	}

	path := filepath.Join(s.dir, BatchFileName(date))

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.Transient("open batch", fmt.Errorf("%s: %w", path, ErrNotFound))
		}
		return nil, domain.Transient("open batch", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read batch header %s: %w", path, err)
	}
	for i, col := range header {
		header[i] = strings.ToLower(strings.TrimSpace(col))
	}

	var records []domain.RawRecord
	skipped := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		rec := make(domain.RawRecord, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		records = append(records, rec)
	}

	if skipped > 0 {
		slog.Warn("skipped unparseable batch rows",
			"path", path,
			"skipped", skipped,
		)
	}

	slog.Debug("batch fetched from drop directory",
		"date", date,
		"path", path,
		"records", len(records),
	)

	return records, nil
}

// Ping verifies the drop directory is still readable.
func (s *FSSource) Ping(ctx context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("source path is not a directory: %s", s.dir)
	}
	return nil
}

// Close is a no-op for the filesystem source.
func (s *FSSource) Close() error {
	return nil
}

// Dir returns the watched drop directory.
func (s *FSSource) Dir() string {
	return s.dir
}

// BatchFileName returns the drop file name for a batch date.
func BatchFileName(date string) string {
	return "sales_" + date + ".csv"
}

// BatchDate extracts the batch date from a drop file path. Returns
// false for files that are not sales_YYYY-MM-DD.csv drops.
func BatchDate(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "sales_") || !strings.HasSuffix(base, ".csv") {
		return "", false
	}
	date := strings.TrimSuffix(strings.TrimPrefix(base, "sales_"), ".csv")
	if _, err := domain.ParseDate(date); err != nil {
		return "", false
	}
	return date, true
}
