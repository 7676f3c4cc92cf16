package indices

import (
	"context"
	"fmt"
	"slices"

	"github.com/couchcryptid/mmts-etl/internal/domain"
	"gonum.org/v1/gonum/mat"
)

// Sentinel-2 reflectance bands, stored as integer reflectance x 10000.
const (
	BandBlue     = "B2"
	BandGreen    = "B3"
	BandRed      = "B4"
	BandRedEdge1 = "B5"
	BandNIR      = "B8"
	BandSWIR1    = "B11"
)

// ReflectanceScale converts stored reflectance to [0, 1].
const ReflectanceScale = 1.0 / 10000

// Optical index band names.
const (
	IndexNDVI        = "NDVI"
	IndexNDVIRedEdge = "NDVIrededge"
	IndexNDWI        = "NDWI"
	IndexNDMI        = "NDMI"
	IndexNDSI        = "NDSI"
	IndexEVI         = "EVI"
)

// NormalizedDifference returns (a−b)/(a+b).
func NormalizedDifference(a, b float64) float64 { return finite((a - b) / (a + b)) }

// EVI is the enhanced vegetation index on reflectance already scaled to [0, 1].
func EVI(nir, red, blue float64) float64 {
	return finite(2.5 * (nir - red) / (nir + 6*red - 7.5*blue + 1))
}

var normalizedIndices = map[string][2]string{
	IndexNDVI:        {BandNIR, BandRed},
	IndexNDVIRedEdge: {BandNIR, BandRedEdge1},
	IndexNDWI:        {BandGreen, BandNIR},
	IndexNDMI:        {BandNIR, BandSWIR1},
	IndexNDSI:        {BandGreen, BandSWIR1},
}

// Spectral computes one of the spectral indices from the reflectance bands
// of r. ok is false when the name is unknown or an input band is missing.
func Spectral(r *domain.Raster, name string) (*mat.Dense, bool) {
	if pair, ok := normalizedIndices[name]; ok {
		a, aok := r.Band(pair[0])
		b, bok := r.Band(pair[1])
		if !aok || !bok {
			return nil, false
		}
		return combine(a, b, NormalizedDifference), true
	}
	if name == IndexEVI {
		nir, nok := r.Band(BandNIR)
		red, rok := r.Band(BandRed)
		blue, bok := r.Band(BandBlue)
		if !nok || !rok || !bok {
			return nil, false
		}
		var out mat.Dense
		out.Apply(func(i, j int, n float64) float64 {
			rd, bl := red.At(i, j), blue.At(i, j)
			if domain.IsNull(n) || domain.IsNull(rd) || domain.IsNull(bl) {
				return domain.Null()
			}
			return EVI(n*ReflectanceScale, rd*ReflectanceScale, bl*ReflectanceScale)
		}, nir)
		return &out, true
	}
	return nil, false
}

// OpticalEngine computes the requested spectral indices and biophysical
// parameters. The output raster carries only the requested bands that could
// be computed, in request order.
type OpticalEngine struct {
	indices []string
	model   BiophysicalModel
}

// NewOpticalEngine creates an engine. A nil model disables the biophysical
// parameters.
func NewOpticalEngine(indices []string, model BiophysicalModel) *OpticalEngine {
	return &OpticalEngine{indices: indices, model: model}
}

// Outputs returns the requested bands the engine knows how to compute, in
// request order. Biophysical parameters are listed only when a model is set.
func (e *OpticalEngine) Outputs() []string {
	var out []string
	for _, name := range e.indices {
		_, normalized := normalizedIndices[name]
		known := normalized || name == IndexEVI || (e.model != nil && slices.Contains(BiophysicalParams, name))
		if known && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

// Apply computes the indices for one optical acquisition.
func (e *OpticalEngine) Apply(ctx context.Context, r *domain.Raster) (*domain.Raster, error) {
	work := r.Select(r.BandNames()...)

	var params []string
	for _, name := range e.indices {
		if slices.Contains(BiophysicalParams, name) {
			params = append(params, name)
			continue
		}
		if m, ok := Spectral(r, name); ok {
			if err := work.SetBand(name, m); err != nil {
				return nil, err
			}
		}
	}

	if len(params) > 0 && e.model != nil {
		bands, err := e.model.Predict(ctx, r, params)
		if err != nil {
			return nil, fmt.Errorf("biophysical model: %w", err)
		}
		for _, name := range params {
			m, ok := bands[name]
			if !ok {
				continue
			}
			if err := work.SetBand(name, m); err != nil {
				return nil, fmt.Errorf("biophysical %s: %w", name, err)
			}
		}
	}

	return work.Select(e.indices...), nil
}
