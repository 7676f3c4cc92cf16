// Package join matches radar acquisitions to the optical acquisitions taken
// close in time over the same ground and composites the matches onto the
// radar grid.
package join

import (
	"fmt"
	"slices"
	"time"

	"github.com/couchcryptid/mmts-etl/internal/composite"
	"github.com/couchcryptid/mmts-etl/internal/domain"
)

// DefaultTolerance is the accepted time difference between the two streams.
const DefaultTolerance = 24 * time.Hour

// Index is an immutable, time-sorted view of the secondary stream. It is safe
// for concurrent reads.
type Index struct {
	recs []domain.AcquisitionRecord
}

// NewIndex copies and sorts recs by time, then ID.
func NewIndex(recs []domain.AcquisitionRecord) *Index {
	sorted := slices.Clone(recs)
	domain.SortSeries(sorted)
	return &Index{recs: sorted}
}

// Len returns the number of indexed records.
func (ix *Index) Len() int { return len(ix.recs) }

// Window returns the records with from <= Time <= to, in index order.
func (ix *Index) Window(from, to time.Time) []domain.AcquisitionRecord {
	lo, _ := slices.BinarySearchFunc(ix.recs, from, func(r domain.AcquisitionRecord, t time.Time) int {
		if r.Time.Before(t) {
			return -1
		}
		return 1
	})
	hi, _ := slices.BinarySearchFunc(ix.recs, to, func(r domain.AcquisitionRecord, t time.Time) int {
		if r.Time.After(t) {
			return 1
		}
		return -1
	})
	return ix.recs[lo:hi]
}

// Joiner builds JoinedRecords from radar acquisitions.
type Joiner struct {
	index     *Index
	tolerance time.Duration
}

// NewJoiner creates a Joiner over index with a non-negative tolerance.
func NewJoiner(index *Index, tolerance time.Duration) (*Joiner, error) {
	if tolerance < 0 {
		return nil, fmt.Errorf("join tolerance must be non-negative, got %s", tolerance)
	}
	return &Joiner{index: index, tolerance: tolerance}, nil
}

// Candidates returns the secondary records inside [t−Δ, t+Δ] whose footprint
// intersects the primary's, ordered by time then ID.
func (j *Joiner) Candidates(primary domain.AcquisitionRecord) []domain.AcquisitionRecord {
	window := j.index.Window(primary.Time.Add(-j.tolerance), primary.Time.Add(j.tolerance))
	return composite.Collect(primary, window, func(p, c domain.AcquisitionRecord) bool {
		return p.FootprintOrGrid().Intersects(c.FootprintOrGrid())
	})
}

// Join composites the candidates onto the primary grid, the most recent valid
// sample winning at each pixel, and appends the result to the primary bands.
// Primary bands keep precedence on a name collision. ok is false when there
// are no candidates; such primaries produce no output.
func (j *Joiner) Join(primary domain.AcquisitionRecord) (rec domain.JoinedRecord, ok bool, err error) {
	if primary.Raster == nil {
		return domain.JoinedRecord{}, false, fmt.Errorf("acquisition %s: no raster", primary.ID)
	}
	candidates := j.Candidates(primary)
	if len(candidates) == 0 {
		return domain.JoinedRecord{}, false, nil
	}

	layers := make([]*domain.Raster, len(candidates))
	for i, c := range candidates {
		layers[i] = c.Raster
	}
	mosaic := composite.Overlay(primary.Raster.Grid, layers, nil)

	out := primary.Raster.Select(primary.Raster.BandNames()...)
	for _, name := range mosaic.BandNames() {
		if out.HasBand(name) {
			continue
		}
		b, _ := mosaic.Band(name)
		if err := out.SetBand(name, b); err != nil {
			return domain.JoinedRecord{}, false, err
		}
	}
	return domain.JoinedRecord{
		AcquisitionRecord: primary.WithRaster(out),
		MatchCount:        len(candidates),
	}, true, nil
}
