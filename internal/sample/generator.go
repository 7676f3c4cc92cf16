// Package sample places random square sample regions over a study area and
// keeps those that cover a single land-cover class.
package sample

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strconv"

	"github.com/couchcryptid/mmts-etl/internal/domain"
	"github.com/couchcryptid/mmts-etl/internal/geo"
	"github.com/google/uuid"
)

// AttrLandCover is the region attribute holding the mean land-cover value.
const AttrLandCover = "landcover"

// ValidClasses are the WorldCover class codes.
var ValidClasses = []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 95, 100}

// maxAttemptsPerPoint bounds rejection sampling for thin study areas.
const maxAttemptsPerPoint = 1000

// ErrPlacement is returned when points cannot be placed inside the study area.
var ErrPlacement = errors.New("cannot place sample points inside study area")

// Target selects which land-cover purity test is applied.
type Target struct {
	All   bool
	Class float64
}

// AllClasses retains regions made of any single valid class.
func AllClasses() Target { return Target{All: true} }

// Class retains regions made only of class c.
func Class(c float64) Target { return Target{Class: c} }

// ParseTarget accepts "ALL" or a class code.
func ParseTarget(s string) (Target, error) {
	if s == "ALL" {
		return AllClasses(), nil
	}
	c, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Target{}, fmt.Errorf("land cover class %q: %w", s, err)
	}
	if !slices.Contains(ValidClasses, c) {
		return Target{}, fmt.Errorf("land cover class %v is not a valid class code", c)
	}
	return Class(c), nil
}

func (t Target) String() string {
	if t.All {
		return "ALL"
	}
	return strconv.FormatFloat(t.Class, 'f', -1, 64)
}

// Options configures a Generator.
type Options struct {
	Count  int
	Radius float64
	Target Target
	Seed   uint64
}

// Generator produces candidate regions.
type Generator struct {
	opts   Options
	logger *slog.Logger
}

// Result holds the retained regions and how many candidates were rejected.
type Result struct {
	Regions  []domain.Region
	Rejected int
}

// NewGenerator validates opts.
func NewGenerator(opts Options, logger *slog.Logger) (*Generator, error) {
	if opts.Count < 1 {
		return nil, fmt.Errorf("point count must be positive, got %d", opts.Count)
	}
	if !(opts.Radius > 0) {
		return nil, fmt.Errorf("buffer radius must be positive, got %v", opts.Radius)
	}
	return &Generator{opts: opts, logger: logger}, nil
}

// Generate draws Count points uniformly inside area, buffers each to a square
// of side 2·Radius and keeps the squares whose mean land-cover value passes
// the purity test. Region IDs are unique to this call.
func (g *Generator) Generate(ctx context.Context, area geo.Polygon, landCover *domain.Raster) (Result, error) {
	if area.IsEmpty() || area.Area() == 0 {
		return Result{}, fmt.Errorf("study area: %w", geo.ErrUnsupportedGeometry)
	}
	classes, err := landCover.MustBand(domain.BandLandCover)
	if err != nil {
		return Result{}, fmt.Errorf("land cover: %w", err)
	}

	rng := rand.New(rand.NewPCG(g.opts.Seed, g.opts.Seed^0x9e3779b97f4a7c15))
	points, err := g.place(rng, area)
	if err != nil {
		return Result{}, err
	}

	run := uuid.New()
	var res Result
	for i, p := range points {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		square := geo.Square(p, g.opts.Radius)
		mean := g.classMean(landCover.Grid, classes.At, square, p)
		if !g.pure(mean) {
			res.Rejected++
			continue
		}
		res.Regions = append(res.Regions, domain.Region{
			ID:         uuid.NewSHA1(run, []byte(strconv.Itoa(i))).String(),
			Geometry:   square,
			Attributes: map[string]float64{AttrLandCover: mean},
		})
	}
	g.logger.Debug("sample regions generated",
		"target", g.opts.Target.String(),
		"retained", len(res.Regions),
		"rejected", res.Rejected,
	)
	return res, nil
}

func (g *Generator) place(rng *rand.Rand, area geo.Polygon) ([]geo.Point, error) {
	bb := area.BBox()
	points := make([]geo.Point, 0, g.opts.Count)
	for attempts := 0; len(points) < g.opts.Count; attempts++ {
		if attempts >= g.opts.Count*maxAttemptsPerPoint {
			return nil, fmt.Errorf("%w: placed %d of %d", ErrPlacement, len(points), g.opts.Count)
		}
		p := geo.Point{
			bb.Min.X() + rng.Float64()*(bb.Max.X()-bb.Min.X()),
			bb.Min.Y() + rng.Float64()*(bb.Max.Y()-bb.Min.Y()),
		}
		if area.Contains(p) {
			points = append(points, p)
		}
	}
	return points, nil
}

// classMean averages land cover over the pixels centred inside square, or
// the pixel under p when none are. Null pixels and, for a single target
// class, pixels of other classes count as 0.
func (g *Generator) classMean(grid domain.Grid, at func(r, c int) float64, square geo.Polygon, p geo.Point) float64 {
	pixels := grid.PixelsWithin(square)
	if len(pixels) == 0 {
		r, c, ok := grid.Cell(p)
		if !ok {
			return 0
		}
		pixels = []domain.Pixel{{Row: r, Col: c}}
	}
	var sum float64
	for _, px := range pixels {
		v := at(px.Row, px.Col)
		if domain.IsNull(v) || (!g.opts.Target.All && v != g.opts.Target.Class) {
			v = 0
		}
		sum += v
	}
	return sum / float64(len(pixels))
}

func (g *Generator) pure(mean float64) bool {
	if g.opts.Target.All {
		return slices.Contains(ValidClasses, mean)
	}
	return mean == g.opts.Target.Class
}
