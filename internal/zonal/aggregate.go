// Package zonal reduces joined acquisitions to per-region band means and
// filters the resulting rows by the configured null policy.
package zonal

import (
	"maps"

	"github.com/couchcryptid/mmts-etl/internal/domain"
	"gonum.org/v1/gonum/stat"
)

// Aggregate returns one row per region intersecting the record's footprint.
// Each band's value is the mean of its non-null pixels whose centres lie in
// the region, or the pixel under the region centroid when no centre does.
// A band with no valid pixel is null.
func Aggregate(rec domain.JoinedRecord, regions []domain.Region) []domain.AggregatedRow {
	footprint := rec.FootprintOrGrid()
	grid := rec.Raster.Grid
	bands := rec.Raster.BandNames()

	var rows []domain.AggregatedRow
	values := make([]float64, 0, 64)
	for _, region := range regions {
		if !region.Geometry.Intersects(footprint) {
			continue
		}
		pixels := grid.PixelsWithin(region.Geometry)
		if len(pixels) == 0 {
			if r, c, ok := grid.Cell(region.Geometry.Centroid()); ok {
				pixels = []domain.Pixel{{Row: r, Col: c}}
			}
		}

		means := make(map[string]float64, len(bands))
		for _, name := range bands {
			b, _ := rec.Raster.Band(name)
			values = values[:0]
			for _, px := range pixels {
				if v := b.At(px.Row, px.Col); !domain.IsNull(v) {
					values = append(values, v)
				}
			}
			if len(values) == 0 {
				means[name] = domain.Null()
				continue
			}
			means[name] = stat.Mean(values, nil)
		}

		rows = append(rows, domain.AggregatedRow{
			RegionID:      region.ID,
			AcquisitionID: rec.ID,
			Time:          rec.Time,
			MatchCount:    rec.MatchCount,
			Attributes:    maps.Clone(region.Attributes),
			Values:        means,
		})
	}
	return rows
}
