// Package composite implements the "collect neighbours, then paint them in
// priority order" operation shared by terrain tile mosaicking and the
// radar/optical join.
package composite

import (
	"time"

	"github.com/couchcryptid/mmts-etl/internal/domain"
	"gonum.org/v1/gonum/mat"
)

// Collect returns the items for which near(target, item) holds, preserving input order.
func Collect[T any](target T, items []T, near func(target, item T) bool) []T {
	var out []T
	for _, it := range items {
		if near(target, it) {
			out = append(out, it)
		}
	}
	return out
}

// Overlay paints layers onto grid by nearest-neighbour lookup at each pixel
// centre. Layers are applied in slice order and a later layer overwrites an
// earlier one only where it holds a non-null value, so the result at every
// pixel is the last valid sample. Pixels no layer covers stay null.
//
// bands selects the bands to composite; nil means the union of all layer
// bands in order of first appearance. The result's time is zero.
func Overlay(grid domain.Grid, layers []*domain.Raster, bands []string) *domain.Raster {
	if bands == nil {
		bands = unionBands(layers)
	}

	out := domain.NewRaster(grid, time.Time{})
	for _, name := range bands {
		dst := domain.NewBand(grid, domain.Null())
		for _, layer := range layers {
			paint(dst, grid, layer, name)
		}
		out.SetBand(name, dst) //nolint:errcheck // NewBand matches grid
	}
	return out
}

func paint(dst *mat.Dense, grid domain.Grid, layer *domain.Raster, name string) {
	src, ok := layer.Band(name)
	if !ok {
		return
	}
	if !grid.Bounds().Intersects(layer.Grid.Bounds()) {
		return
	}
	for r := range grid.Rows {
		for c := range grid.Cols {
			sr, sc, inside := layer.Grid.Cell(grid.Center(r, c))
			if !inside {
				continue
			}
			if v := src.At(sr, sc); !domain.IsNull(v) {
				dst.Set(r, c, v)
			}
		}
	}
}

func unionBands(layers []*domain.Raster) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range layers {
		for _, name := range l.BandNames() {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}
