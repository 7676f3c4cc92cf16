package terrain

import (
	"fmt"
	"math"

	"github.com/couchcryptid/mmts-etl/internal/domain"
	"gonum.org/v1/gonum/mat"
)

// SlopeAspect computes slope and aspect in degrees from 4-connected central
// differences, falling back to a one-sided difference where a neighbour is
// missing. spacing is the ground distance between pixel centres.
//
// Aspect is the azimuth of steepest descent, clockwise from north in
// [0, 360); flat pixels get 0. Null elevation yields null slope and aspect.
func SlopeAspect(dem *mat.Dense, spacing float64) (slope, aspect *mat.Dense) {
	rows, cols := dem.Dims()
	slope = mat.NewDense(rows, cols, nil)
	aspect = mat.NewDense(rows, cols, nil)

	at := func(r, c int) (float64, bool) {
		if r < 0 || r >= rows || c < 0 || c >= cols {
			return 0, false
		}
		v := dem.At(r, c)
		return v, !domain.IsNull(v)
	}

	for r := range rows {
		for c := range cols {
			z, ok := at(r, c)
			if !ok {
				slope.Set(r, c, domain.Null())
				aspect.Set(r, c, domain.Null())
				continue
			}
			east, eok := at(r, c+1)
			west, wok := at(r, c-1)
			north, nok := at(r-1, c)
			south, sok := at(r+1, c)

			gx := difference(z, east, eok, west, wok, spacing)
			gy := difference(z, north, nok, south, sok, spacing)

			slope.Set(r, c, math.Atan(math.Hypot(gx, gy))*180/math.Pi)
			aspect.Set(r, c, azimuth(gx, gy))
		}
	}
	return slope, aspect
}

// difference returns the gradient towards the "plus" neighbour.
func difference(z, plus float64, pok bool, minus float64, mok bool, spacing float64) float64 {
	switch {
	case pok && mok:
		return (plus - minus) / (2 * spacing)
	case pok:
		return (plus - z) / spacing
	case mok:
		return (z - minus) / spacing
	default:
		return 0
	}
}

func azimuth(gx, gy float64) float64 {
	if gx == 0 && gy == 0 {
		return 0
	}
	a := math.Atan2(-gx, -gy) * 180 / math.Pi
	if a < 0 {
		a += 360
	}
	if a >= 360 {
		a -= 360
	}
	return a
}

// ViewGeometry describes how a radar acquisition looked at the ground.
type ViewGeometry struct {
	// IncidenceDeg is used where the radar has no per-pixel angle band.
	IncidenceDeg float64
	// HeadingDeg is the platform heading, clockwise from north.
	HeadingDeg  float64
	LeftLooking bool
}

// LookAzimuth returns the azimuth of the radar line of sight.
func (v ViewGeometry) LookAzimuth() float64 {
	if v.LeftLooking {
		return v.HeadingDeg - 90
	}
	return v.HeadingDeg + 90
}

// LocalIncidenceAngle returns the angle in degrees between the radar line of
// sight and the terrain normal for each radar pixel:
//
//	cos(LIA) = cos θ·cos s − sin θ·sin s·cos(φlook − aspect)
//
// The terrain raster must carry slope and aspect on the radar grid. θ comes
// from the radar angle band where present, else from view.IncidenceDeg.
func LocalIncidenceAngle(view ViewGeometry, radar, terrain *domain.Raster) (*mat.Dense, error) {
	if radar.Grid != terrain.Grid {
		return nil, fmt.Errorf("terrain is not on the radar grid: %w", domain.ErrGridMismatch)
	}
	slope, err := terrain.MustBand(domain.BandSlope)
	if err != nil {
		return nil, err
	}
	aspect, err := terrain.MustBand(domain.BandAspect)
	if err != nil {
		return nil, err
	}
	angle, hasAngle := radar.Band(domain.BandAngle)

	const rad = math.Pi / 180
	look := view.LookAzimuth() * rad
	g := radar.Grid
	out := mat.NewDense(g.Rows, g.Cols, nil)
	for r := range g.Rows {
		for c := range g.Cols {
			theta := view.IncidenceDeg
			if hasAngle {
				if v := angle.At(r, c); !domain.IsNull(v) {
					theta = v
				}
			}
			s, a := slope.At(r, c), aspect.At(r, c)
			if domain.IsNull(s) || domain.IsNull(a) || domain.IsNull(theta) {
				out.Set(r, c, domain.Null())
				continue
			}
			th, sl := theta*rad, s*rad
			cos := math.Cos(th)*math.Cos(sl) - math.Sin(th)*math.Sin(sl)*math.Cos(look-a*rad)
			cos = math.Max(-1, math.Min(1, cos))
			out.Set(r, c, math.Acos(cos)/rad)
		}
	}
	return out, nil
}
