// Package csvsink writes aggregated rows to a CSV file.
//
// The column set is fixed by the first batch: region_id, acquisition_id,
// time, match_count, then attribute columns and band columns, each sorted by
// name. Null values are written as empty cells. A later row carrying a
// column the header lacks is rejected.
package csvsink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/couchcryptid/mmts-etl/internal/domain"
)

// Fixed leading columns.
const (
	ColRegionID      = "region_id"
	ColAcquisitionID = "acquisition_id"
	ColTime          = "time"
	ColMatchCount    = "match_count"
)

// LeadingColumns are written before attribute and band columns.
var LeadingColumns = []string{ColRegionID, ColAcquisitionID, ColTime, ColMatchCount}

// ErrSchemaDrift is returned when a row has a column the header does not.
var ErrSchemaDrift = domain.ErrSchemaDrift

// Sink implements pipeline.RowLoader. It is safe for concurrent use.
type Sink struct {
	mu         sync.Mutex
	w          *csv.Writer
	closer     io.Closer
	attributes []string
	bands      []string
	logger     *slog.Logger
}

// Create opens path for writing, truncating an existing file.
func Create(path string, logger *slog.Logger) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create csv sink: %w", err)
	}
	s := New(f, logger)
	s.closer = f
	return s, nil
}

// New writes to w.
func New(w io.Writer, logger *slog.Logger) *Sink {
	return &Sink{w: csv.NewWriter(w), logger: logger}
}

// LoadBatch appends rows and flushes.
func (s *Sink) LoadBatch(_ context.Context, rows []domain.AggregatedRow) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bands == nil {
		s.attributes, s.bands = columns(rows)
		if err := s.w.Write(s.header()); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	for _, row := range rows {
		record, err := s.record(row)
		if err != nil {
			return err
		}
		if err := s.w.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	s.logger.Debug("rows written", "rows", len(rows))
	return nil
}

// Close flushes buffered rows and closes the underlying file, if any.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	err := s.w.Error()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
	}
	return err
}

func (s *Sink) header() []string {
	return slices.Concat(LeadingColumns, s.attributes, s.bands)
}

func (s *Sink) record(row domain.AggregatedRow) ([]string, error) {
	for name := range row.Attributes {
		if !slices.Contains(s.attributes, name) {
			return nil, fmt.Errorf("attribute %q: %w", name, ErrSchemaDrift)
		}
	}
	for name := range row.Values {
		if !slices.Contains(s.bands, name) {
			return nil, fmt.Errorf("band %q: %w", name, ErrSchemaDrift)
		}
	}

	out := make([]string, 0, len(LeadingColumns)+len(s.attributes)+len(s.bands))
	out = append(out,
		row.RegionID,
		row.AcquisitionID,
		row.Time.UTC().Format(time.RFC3339),
		strconv.Itoa(row.MatchCount),
	)
	for _, name := range s.attributes {
		v, ok := row.Attributes[name]
		out = append(out, formatValue(v, ok))
	}
	for _, name := range s.bands {
		v, ok := row.Value(name)
		out = append(out, formatValue(v, ok))
	}
	return out, nil
}

func columns(rows []domain.AggregatedRow) (attributes, bands []string) {
	attrSet := map[string]struct{}{}
	bandSet := map[string]struct{}{}
	for _, r := range rows {
		for name := range r.Attributes {
			attrSet[name] = struct{}{}
		}
		for name := range r.Values {
			bandSet[name] = struct{}{}
		}
	}
	attributes = slices.Sorted(maps.Keys(attrSet))
	bands = slices.Sorted(maps.Keys(bandSet))
	if bands == nil {
		bands = []string{}
	}
	return attributes, bands
}

func formatValue(v float64, ok bool) string {
	if !ok || domain.IsNull(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
