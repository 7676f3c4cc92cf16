// Package terrain builds seamless elevation products from overlapping DEM
// tiles and derives slope, aspect and the radar local incidence angle.
package terrain

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/couchcryptid/mmts-etl/internal/composite"
	"github.com/couchcryptid/mmts-etl/internal/domain"
	"github.com/couchcryptid/mmts-etl/internal/geo"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// DefaultTolerance is the distance within which DEM tiles count as neighbours, in grid units.
const DefaultTolerance = 300

// borderPixels is how far past a tile the mosaic is kept; derivatives need one.
const borderPixels = 2

// Tile is one elevation tile. Footprint defaults to the raster extent when empty.
type Tile struct {
	ID        string
	Raster    *domain.Raster
	Footprint geo.Polygon
}

func (t Tile) footprint() geo.Polygon {
	if !t.Footprint.IsEmpty() {
		return t.Footprint
	}
	return t.Raster.Grid.Footprint()
}

// Builder mosaics each tile with its neighbours before computing derivatives
// so that slope and aspect carry no artefacts along tile seams.
type Builder struct {
	tolerance float64
	unitScale float64
	workers   int
	logger    *slog.Logger
}

// NewBuilder creates a Builder. unitScale converts grid units to elevation
// units (1 for a metric projected grid); workers bounds the tile fan-out.
func NewBuilder(tolerance, unitScale float64, workers int, logger *slog.Logger) (*Builder, error) {
	if tolerance < 0 {
		return nil, fmt.Errorf("terrain tolerance must be non-negative, got %v", tolerance)
	}
	if !(unitScale > 0) {
		return nil, fmt.Errorf("terrain unit scale must be positive, got %v", unitScale)
	}
	if workers < 1 {
		workers = 1
	}
	return &Builder{tolerance: tolerance, unitScale: unitScale, workers: workers, logger: logger}, nil
}

// Build returns one product per input tile with DEM, slope and aspect bands
// on the tile's own grid. Output order follows tile ID.
func (b *Builder) Build(ctx context.Context, tiles []Tile) ([]Tile, error) {
	sorted := slices.Clone(tiles)
	// Later IDs overwrite earlier ones where tiles overlap.
	slices.SortStableFunc(sorted, func(a, b Tile) int { return cmp.Compare(a.ID, b.ID) })

	for _, t := range sorted {
		if t.Raster == nil {
			return nil, fmt.Errorf("tile %s: no raster", t.ID)
		}
		if err := t.Raster.Grid.Validate(); err != nil {
			return nil, fmt.Errorf("tile %s: %w", t.ID, err)
		}
		if !t.Raster.HasBand(domain.BandElevation) {
			return nil, fmt.Errorf("tile %s: %q: %w", t.ID, domain.BandElevation, domain.ErrBandMissing)
		}
	}

	out := make([]Tile, len(sorted))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, tile := range sorted {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			neighbours := composite.Collect(tile, sorted, b.near)
			product, err := b.buildTile(tile, neighbours)
			if err != nil {
				return fmt.Errorf("tile %s: %w", tile.ID, err)
			}
			b.logger.Debug("terrain tile built", "tile_id", tile.ID, "neighbours", len(neighbours))
			out[i] = Tile{ID: tile.ID, Raster: product, Footprint: tile.Footprint}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Builder) near(target, other Tile) bool {
	return target.footprint().Distance(other.footprint()) <= b.tolerance
}

func (b *Builder) buildTile(tile Tile, neighbours []Tile) (*domain.Raster, error) {
	grid, rowOff, colOff := expandGrid(tile.Raster.Grid, neighbours)

	layers := make([]*domain.Raster, len(neighbours))
	for i, n := range neighbours {
		layers[i] = n.Raster
	}
	mosaic := composite.Overlay(grid, layers, []string{domain.BandElevation})
	dem, _ := mosaic.Band(domain.BandElevation)

	slope, aspect := SlopeAspect(dem, grid.PixelSize*b.unitScale)

	tg := tile.Raster.Grid
	out := domain.NewRaster(tg, tile.Raster.Time)
	for _, band := range []struct {
		name string
		m    *mat.Dense
	}{
		{domain.BandElevation, dem},
		{domain.BandSlope, slope},
		{domain.BandAspect, aspect},
	} {
		window := mat.DenseCopyOf(band.m.Slice(rowOff, rowOff+tg.Rows, colOff, colOff+tg.Cols))
		if err := out.SetBand(band.name, window); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// expandGrid grows g, keeping its pixel alignment, to cover the neighbours'
// extent limited to a small border around g. It returns the new grid and the
// offset of g's pixel (0, 0) inside it.
func expandGrid(g domain.Grid, neighbours []Tile) (domain.Grid, int, int) {
	union := g.Bounds()
	for _, n := range neighbours {
		union = union.Union(n.Raster.Grid.Bounds())
	}
	own := g.Bounds()
	limit := own.Pad(borderPixels * g.PixelSize)
	union = geo.Box(
		math.Max(union.Min.X(), limit.Min.X()),
		math.Max(union.Min.Y(), limit.Min.Y()),
		math.Min(union.Max.X(), limit.Max.X()),
		math.Min(union.Max.Y(), limit.Max.Y()),
	)

	px := g.PixelSize
	left := pixelsToCover(g.X0-union.Min.X(), px)
	up := pixelsToCover(union.Max.Y()-g.Y0, px)
	right := pixelsToCover(union.Max.X()-own.Max.X(), px)
	down := pixelsToCover(own.Min.Y()-union.Min.Y(), px)

	return domain.Grid{
		X0:        g.X0 - float64(left)*px,
		Y0:        g.Y0 + float64(up)*px,
		PixelSize: px,
		Cols:      g.Cols + left + right,
		Rows:      g.Rows + up + down,
		CRS:       g.CRS,
	}, up, left
}

func pixelsToCover(extent, px float64) int {
	if extent <= 0 {
		return 0
	}
	return int(math.Ceil(extent/px - 1e-9))
}

// Products returns the rasters of built tiles, for overlaying onto other grids.
func Products(tiles []Tile) []*domain.Raster {
	out := make([]*domain.Raster, 0, len(tiles))
	for _, t := range tiles {
		if t.Raster != nil {
			out = append(out, t.Raster)
		}
	}
	return out
}
