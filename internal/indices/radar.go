// Package indices derives radar polarimetric and optical spectral indices
// pixel by pixel. Formulas never fail: zero denominators and non-finite
// results become null.
package indices

import (
	"fmt"
	"math"
	"slices"

	"github.com/couchcryptid/mmts-etl/internal/domain"
	"gonum.org/v1/gonum/mat"
)

// Radar index band names.
const (
	IndexVHVV   = "VH/VV"
	IndexVVVH   = "VV/VH"
	IndexRVI    = "RVI"
	IndexRFDI   = "RFDI"
	IndexNRPB   = "NRPB"
	IndexDPSVIm = "DPSVIm"
)

// Ratio returns a/b.
func Ratio(a, b float64) float64 { return finite(a / b) }

// RVI is the radar vegetation index, 4·VH/(VV+VH).
func RVI(vv, vh float64) float64 { return finite(4 * vh / (vv + vh)) }

// RFDI is the radar forest degradation index, (VV−VH)/(VV+VH).
func RFDI(vv, vh float64) float64 { return finite((vv - vh) / (vv + vh)) }

// NRPB is the normalised ratio procedure between bands, (VH−VV)/(VH+VV).
func NRPB(vv, vh float64) float64 { return finite((vh - vv) / (vh + vv)) }

// DPSVIm is the modified dual-polarisation SAR vegetation index.
func DPSVIm(vv, vh float64) float64 { return finite((vv*vv + vv*vh) / math.Sqrt2) }

// ToDB converts linear power to decibels. Non-positive input is null.
func ToDB(v float64) float64 {
	if !(v > 0) {
		return domain.Null()
	}
	return finite(10 * math.Log10(v))
}

// FromDB converts decibels to linear power.
func FromDB(db float64) float64 { return math.Pow(10, db/10) }

var radarIndices = map[string]func(vv, vh float64) float64{
	IndexVHVV:   func(vv, vh float64) float64 { return Ratio(vh, vv) },
	IndexVVVH:   func(vv, vh float64) float64 { return Ratio(vv, vh) },
	IndexRVI:    RVI,
	IndexRFDI:   RFDI,
	IndexNRPB:   NRPB,
	IndexDPSVIm: DPSVIm,
}

// RadarEngine adds the requested polarimetric indices to a radar raster and
// converts VV and VH to decibels. Unknown index names are skipped.
type RadarEngine struct {
	indices []string
}

// NewRadarEngine creates an engine computing the given indices in order.
func NewRadarEngine(indices []string) *RadarEngine {
	return &RadarEngine{indices: indices}
}

// Known reports whether name is a radar index the engine computes.
func (e *RadarEngine) Known(name string) bool {
	_, ok := radarIndices[name]
	return ok
}

// Outputs returns the bands Apply leaves for export: VV and VH, then the
// known requested indices in request order.
func (e *RadarEngine) Outputs() []string {
	out := []string{domain.BandVV, domain.BandVH}
	for _, name := range e.indices {
		if e.Known(name) && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

// Apply returns a copy of r with the index bands appended. Indices are taken
// from linear VV and VH before the dB conversion.
func (e *RadarEngine) Apply(r *domain.Raster) (*domain.Raster, error) {
	vv, err := r.MustBand(domain.BandVV)
	if err != nil {
		return nil, fmt.Errorf("radar indices: %w", err)
	}
	vh, err := r.MustBand(domain.BandVH)
	if err != nil {
		return nil, fmt.Errorf("radar indices: %w", err)
	}

	out := r.Clone()
	for _, name := range e.indices {
		f, ok := radarIndices[name]
		if !ok {
			continue
		}
		if err := out.SetBand(name, combine(vv, vh, f)); err != nil {
			return nil, err
		}
	}
	for _, name := range []string{domain.BandVV, domain.BandVH} {
		src, _ := r.Band(name)
		var db mat.Dense
		db.Apply(func(_, _ int, v float64) float64 { return ToDB(v) }, src)
		if err := out.SetBand(name, &db); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// combine evaluates f over two equally shaped bands. Null inputs give null.
func combine(a, b *mat.Dense, f func(x, y float64) float64) *mat.Dense {
	var out mat.Dense
	out.Apply(func(i, j int, x float64) float64 {
		y := b.At(i, j)
		if domain.IsNull(x) || domain.IsNull(y) {
			return domain.Null()
		}
		return f(x, y)
	}, a)
	return &out
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return domain.Null()
	}
	return v
}
