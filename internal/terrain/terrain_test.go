package terrain

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/couchcryptid/mmts-etl/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// surface fills a DEM tile whose pixel values come from f(x, y) at pixel centres.
func surface(t *testing.T, g domain.Grid, f func(x, y float64) float64) *domain.Raster {
	t.Helper()
	dem := domain.NewBand(g, 0)
	for r := range g.Rows {
		for c := range g.Cols {
			p := g.Center(r, c)
			dem.Set(r, c, f(p.X(), p.Y()))
		}
	}
	ras := domain.NewRaster(g, time.Time{})
	require.NoError(t, ras.SetBand(domain.BandElevation, dem))
	return ras
}

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(0, 1, 2, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return b
}

func TestSlopeAspect_Planes(t *testing.T) {
	g := domain.Grid{X0: 0, Y0: 5, PixelSize: 1, Cols: 5, Rows: 5}

	tests := []struct {
		name   string
		f      func(x, y float64) float64
		slope  float64
		aspect float64
	}{
		{"rising east faces west", func(x, _ float64) float64 { return x }, 45, 270},
		{"rising north faces south", func(_, y float64) float64 { return y }, 45, 180},
		{"rising west faces east", func(x, _ float64) float64 { return -x }, 45, 90},
		{"flat", func(_, _ float64) float64 { return 7 }, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dem, _ := surface(t, g, tt.f).Band(domain.BandElevation)
			slope, aspect := SlopeAspect(dem, 1)
			for _, rc := range [][2]int{{0, 0}, {2, 2}, {4, 4}} {
				assert.InDelta(t, tt.slope, slope.At(rc[0], rc[1]), 1e-9)
				assert.InDelta(t, tt.aspect, aspect.At(rc[0], rc[1]), 1e-9)
			}
		})
	}
}

func TestSlopeAspect_NullCentreAndNeighbour(t *testing.T) {
	dem := mat.NewDense(1, 3, []float64{0, math.NaN(), 2})
	slope, aspect := SlopeAspect(dem, 1)

	assert.True(t, math.IsNaN(slope.At(0, 1)))
	assert.True(t, math.IsNaN(aspect.At(0, 1)))
	// Both ends lose their only horizontal neighbour and fall back to flat.
	assert.Equal(t, 0.0, slope.At(0, 0))
	assert.Equal(t, 0.0, slope.At(0, 2))
}

func TestBuild_NoSeamArtefacts(t *testing.T) {
	bowl := func(x, y float64) float64 { return x*x + 0.5*y*y }
	whole := domain.Grid{X0: 0, Y0: 6, PixelSize: 1, Cols: 10, Rows: 6}
	west := domain.Grid{X0: 0, Y0: 6, PixelSize: 1, Cols: 5, Rows: 6}
	east := domain.Grid{X0: 5, Y0: 6, PixelSize: 1, Cols: 5, Rows: 6}

	wholeDEM, _ := surface(t, whole, bowl).Band(domain.BandElevation)
	wantSlope, wantAspect := SlopeAspect(wholeDEM, 1)

	tiles := []Tile{
		{ID: "b-east", Raster: surface(t, east, bowl)},
		{ID: "a-west", Raster: surface(t, west, bowl)},
	}
	out, err := newTestBuilder(t).Build(context.Background(), tiles)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a-west", out[0].ID)

	for i, colOff := range []int{0, 5} {
		prod := out[i].Raster
		assert.Equal(t, []string{domain.BandElevation, domain.BandSlope, domain.BandAspect}, prod.BandNames())
		slope, _ := prod.Band(domain.BandSlope)
		aspect, _ := prod.Band(domain.BandAspect)
		for r := range 6 {
			for c := range 5 {
				assert.InDelta(t, wantSlope.At(r, c+colOff), slope.At(r, c), 1e-9, "tile %s (%d,%d)", out[i].ID, r, c)
				assert.InDelta(t, wantAspect.At(r, c+colOff), aspect.At(r, c), 1e-9, "tile %s (%d,%d)", out[i].ID, r, c)
			}
		}
	}
}

func TestBuild_UnmosaickedTileShowsSeamBias(t *testing.T) {
	bowl := func(x, _ float64) float64 { return x * x }
	west := domain.Grid{X0: 0, Y0: 3, PixelSize: 1, Cols: 5, Rows: 3}
	dem, _ := surface(t, west, bowl).Band(domain.BandElevation)

	alone, _ := SlopeAspect(dem, 1)
	whole := domain.Grid{X0: 0, Y0: 3, PixelSize: 1, Cols: 10, Rows: 3}
	wholeDEM, _ := surface(t, whole, bowl).Band(domain.BandElevation)
	stitched, _ := SlopeAspect(wholeDEM, 1)

	assert.NotEqual(t, stitched.At(1, 4), alone.At(1, 4))
}

func TestBuild_LaterIDWinsOnOverlap(t *testing.T) {
	g := domain.Grid{X0: 0, Y0: 3, PixelSize: 1, Cols: 3, Rows: 3}
	low := surface(t, g, func(_, _ float64) float64 { return 1 })
	high := surface(t, g, func(_, _ float64) float64 { return 9 })

	out, err := newTestBuilder(t).Build(context.Background(), []Tile{{ID: "2", Raster: high}, {ID: "1", Raster: low}})
	require.NoError(t, err)

	dem, _ := out[0].Raster.Band(domain.BandElevation)
	assert.Equal(t, 9.0, dem.At(1, 1), "tile 1 is overwritten by tile 2")
}

func TestBuild_FarTilesAreNotNeighbours(t *testing.T) {
	near := domain.Grid{X0: 0, Y0: 3, PixelSize: 1, Cols: 3, Rows: 3}
	far := domain.Grid{X0: 100, Y0: 3, PixelSize: 1, Cols: 3, Rows: 3}
	ramp := func(x, _ float64) float64 { return x }

	out, err := newTestBuilder(t).Build(context.Background(), []Tile{
		{ID: "a", Raster: surface(t, near, ramp)},
		{ID: "b", Raster: surface(t, far, ramp)},
	})
	require.NoError(t, err)
	assert.Equal(t, near, out[0].Raster.Grid)
	assert.Equal(t, far, out[1].Raster.Grid)
}

func TestBuild_RejectsTileWithoutDEM(t *testing.T) {
	g := domain.Grid{X0: 0, Y0: 1, PixelSize: 1, Cols: 1, Rows: 1}
	_, err := newTestBuilder(t).Build(context.Background(), []Tile{{ID: "x", Raster: domain.NewRaster(g, time.Time{})}})
	assert.ErrorIs(t, err, domain.ErrBandMissing)
}

func TestNewBuilder_Validation(t *testing.T) {
	_, err := NewBuilder(-1, 1, 1, slog.New(slog.DiscardHandler))
	assert.Error(t, err)
	_, err = NewBuilder(300, 0, 1, slog.New(slog.DiscardHandler))
	assert.Error(t, err)
}

func terrainWith(t *testing.T, g domain.Grid, slopeDeg, aspectDeg float64) *domain.Raster {
	t.Helper()
	r := domain.NewRaster(g, time.Time{})
	require.NoError(t, r.SetBand(domain.BandSlope, domain.NewBand(g, slopeDeg)))
	require.NoError(t, r.SetBand(domain.BandAspect, domain.NewBand(g, aspectDeg)))
	return r
}

func TestLocalIncidenceAngle(t *testing.T) {
	g := domain.Grid{X0: 0, Y0: 2, PixelSize: 1, Cols: 2, Rows: 2}
	radar := domain.NewRaster(g, time.Time{})
	view := ViewGeometry{IncidenceDeg: 30, HeadingDeg: 0}

	tests := []struct {
		name          string
		slope, aspect float64
		want          float64
	}{
		{"flat ground keeps ellipsoid incidence", 0, 0, 30},
		{"slope facing the sensor", 10, 270, 20},
		{"slope facing away", 10, 90, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lia, err := LocalIncidenceAngle(view, radar, terrainWith(t, g, tt.slope, tt.aspect))
			require.NoError(t, err)
			assert.InDelta(t, tt.want, lia.At(1, 1), 1e-9)
		})
	}
}

func TestLocalIncidenceAngle_UsesAngleBand(t *testing.T) {
	g := domain.Grid{X0: 0, Y0: 1, PixelSize: 1, Cols: 2, Rows: 1}
	radar := domain.NewRaster(g, time.Time{})
	angle := mat.NewDense(1, 2, []float64{40, math.NaN()})
	require.NoError(t, radar.SetBand(domain.BandAngle, angle))

	lia, err := LocalIncidenceAngle(ViewGeometry{IncidenceDeg: 35}, radar, terrainWith(t, g, 0, 0))
	require.NoError(t, err)
	assert.InDelta(t, 40, lia.At(0, 0), 1e-9)
	assert.InDelta(t, 35, lia.At(0, 1), 1e-9, "null angle falls back to the scalar incidence")
}

func TestLocalIncidenceAngle_GridMismatch(t *testing.T) {
	g := domain.Grid{X0: 0, Y0: 1, PixelSize: 1, Cols: 2, Rows: 1}
	other := domain.Grid{X0: 5, Y0: 1, PixelSize: 1, Cols: 2, Rows: 1}
	_, err := LocalIncidenceAngle(ViewGeometry{}, domain.NewRaster(g, time.Time{}), terrainWith(t, other, 0, 0))
	assert.ErrorIs(t, err, domain.ErrGridMismatch)
}

func TestLookAzimuth(t *testing.T) {
	assert.Equal(t, 280.0, ViewGeometry{HeadingDeg: 190}.LookAzimuth())
	assert.Equal(t, 100.0, ViewGeometry{HeadingDeg: 190, LeftLooking: true}.LookAzimuth())
}
