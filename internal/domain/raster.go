package domain

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/couchcryptid/mmts-etl/internal/geo"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrBandMissing is returned when a required band is not present on a raster.
	ErrBandMissing = errors.New("band missing")

	// ErrGridMismatch is returned when a band's shape does not match its raster grid.
	ErrGridMismatch = errors.New("band shape does not match grid")

	// ErrSchemaDrift is returned by a row sink when a row does not fit the
	// column set it already committed to. Retrying cannot succeed.
	ErrSchemaDrift = errors.New("row column not in header")
)

// Null returns the marker stored in pixels with no valid observation.
func Null() float64 { return math.NaN() }

// IsNull reports whether v is a null sample.
func IsNull(v float64) bool { return math.IsNaN(v) }

// Grid is a north-up geotransform. (X0, Y0) is the top-left corner of pixel (0, 0).
type Grid struct {
	X0        float64 `json:"x0"`
	Y0        float64 `json:"y0"`
	PixelSize float64 `json:"pixel_size"`
	Cols      int     `json:"cols"`
	Rows      int     `json:"rows"`
	CRS       string  `json:"crs,omitempty"`
}

// Validate checks that the grid has a positive size.
func (g Grid) Validate() error {
	if g.Cols <= 0 || g.Rows <= 0 {
		return fmt.Errorf("grid must have positive dimensions, got %dx%d", g.Rows, g.Cols)
	}
	if !(g.PixelSize > 0) {
		return fmt.Errorf("grid pixel size must be positive, got %v", g.PixelSize)
	}
	return nil
}

// Bounds returns the outer extent of the grid.
func (g Grid) Bounds() geo.BBox {
	return geo.Box(g.X0, g.Y0-float64(g.Rows)*g.PixelSize, g.X0+float64(g.Cols)*g.PixelSize, g.Y0)
}

// Footprint returns the grid extent as a polygon.
func (g Grid) Footprint() geo.Polygon {
	return geo.Rect(g.Bounds())
}

// Center returns the coordinate of the centre of pixel (r, c).
func (g Grid) Center(r, c int) geo.Point {
	return geo.Point{
		g.X0 + (float64(c)+0.5)*g.PixelSize,
		g.Y0 - (float64(r)+0.5)*g.PixelSize,
	}
}

// Cell returns the pixel containing p. ok is false when p lies outside the grid.
func (g Grid) Cell(p geo.Point) (r, c int, ok bool) {
	c = int(math.Floor((p.X() - g.X0) / g.PixelSize))
	r = int(math.Floor((g.Y0 - p.Y()) / g.PixelSize))
	if r < 0 || r >= g.Rows || c < 0 || c >= g.Cols {
		return r, c, false
	}
	return r, c, true
}

// Raster is a multi-band grid. Bands are kept in insertion order and share the grid.
type Raster struct {
	Grid  Grid
	Time  time.Time
	order []string
	bands map[string]*mat.Dense
}

// NewRaster creates an empty raster on grid g. Pass a zero time for static layers.
func NewRaster(g Grid, t time.Time) *Raster {
	return &Raster{Grid: g, Time: t, bands: make(map[string]*mat.Dense)}
}

// NewBand allocates a band for grid g filled with v.
func NewBand(g Grid, v float64) *mat.Dense {
	data := make([]float64, g.Rows*g.Cols)
	if v != 0 {
		for i := range data {
			data[i] = v
		}
	}
	return mat.NewDense(g.Rows, g.Cols, data)
}

// SetBand adds or replaces a band. The band must be Rows x Cols.
func (r *Raster) SetBand(name string, band *mat.Dense) error {
	rows, cols := band.Dims()
	if rows != r.Grid.Rows || cols != r.Grid.Cols {
		return fmt.Errorf("band %q is %dx%d, grid is %dx%d: %w", name, rows, cols, r.Grid.Rows, r.Grid.Cols, ErrGridMismatch)
	}
	if _, exists := r.bands[name]; !exists {
		r.order = append(r.order, name)
	}
	r.bands[name] = band
	return nil
}

// Band returns the named band.
func (r *Raster) Band(name string) (*mat.Dense, bool) {
	b, ok := r.bands[name]
	return b, ok
}

// MustBand returns the named band or ErrBandMissing.
func (r *Raster) MustBand(name string) (*mat.Dense, error) {
	b, ok := r.bands[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrBandMissing)
	}
	return b, nil
}

// HasBand reports whether the named band exists.
func (r *Raster) HasBand(name string) bool {
	_, ok := r.bands[name]
	return ok
}

// BandNames returns the band names in insertion order.
func (r *Raster) BandNames() []string {
	return slices.Clone(r.order)
}

// DropBand removes a band if present.
func (r *Raster) DropBand(name string) {
	if _, ok := r.bands[name]; !ok {
		return
	}
	delete(r.bands, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
}

// Clone returns a deep copy of the raster.
func (r *Raster) Clone() *Raster {
	out := NewRaster(r.Grid, r.Time)
	for _, name := range r.order {
		out.order = append(out.order, name)
		out.bands[name] = mat.DenseCopyOf(r.bands[name])
	}
	return out
}

// Select returns a shallow raster holding only the named bands that exist,
// in the order given. Band data is shared with r.
func (r *Raster) Select(names ...string) *Raster {
	out := NewRaster(r.Grid, r.Time)
	for _, name := range names {
		if b, ok := r.bands[name]; ok && !out.HasBand(name) {
			out.order = append(out.order, name)
			out.bands[name] = b
		}
	}
	return out
}

// Project returns a shallow raster holding exactly the named bands, in the
// order given. Names r lacks get an all-null band. Band data is shared with r.
func (r *Raster) Project(names ...string) *Raster {
	out := NewRaster(r.Grid, r.Time)
	for _, name := range names {
		if out.HasBand(name) {
			continue
		}
		b, ok := r.bands[name]
		if !ok {
			b = NewBand(r.Grid, Null())
		}
		out.order = append(out.order, name)
		out.bands[name] = b
	}
	return out
}

// Sample returns the value of band at the pixel containing p. ok is false when
// p is outside the grid or the band does not exist.
func (r *Raster) Sample(band string, p geo.Point) (float64, bool) {
	b, ok := r.bands[band]
	if !ok {
		return Null(), false
	}
	row, col, inside := r.Grid.Cell(p)
	if !inside {
		return Null(), false
	}
	return b.At(row, col), true
}

// Pixel addresses one cell of a grid.
type Pixel struct {
	Row, Col int
}

// PixelsWithin returns the pixels whose centres lie inside p, in row-major order.
func (g Grid) PixelsWithin(p geo.Polygon) []Pixel {
	bb := p.BBox()
	if bb.IsEmpty() || !bb.Intersects(g.Bounds()) {
		return nil
	}
	c0 := max(0, int(math.Floor((bb.Min.X()-g.X0)/g.PixelSize)))
	c1 := min(g.Cols-1, int(math.Floor((bb.Max.X()-g.X0)/g.PixelSize)))
	r0 := max(0, int(math.Floor((g.Y0-bb.Max.Y())/g.PixelSize)))
	r1 := min(g.Rows-1, int(math.Floor((g.Y0-bb.Min.Y())/g.PixelSize)))

	var out []Pixel
	for r := r0; r <= r1; r++ {
		for c := c0; c <= c1; c++ {
			if p.Contains(g.Center(r, c)) {
				out = append(out, Pixel{Row: r, Col: c})
			}
		}
	}
	return out
}
