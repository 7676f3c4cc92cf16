package indices

import (
	"context"
	"fmt"
	"math"

	"github.com/couchcryptid/mmts-etl/internal/domain"
	"gonum.org/v1/gonum/mat"
)

// Biophysical parameter band names.
const (
	ParamFAPAR   = "FAPAR"
	ParamLAI     = "LAI"
	ParamFAPAR3b = "FAPAR_3b"
	ParamLAI3b   = "LAI_3b"
)

// BiophysicalParams lists the parameters a BiophysicalModel may be asked for.
var BiophysicalParams = []string{ParamFAPAR, ParamLAI, ParamFAPAR3b, ParamLAI3b}

// BiophysicalModel predicts biophysical parameters from the reflectance bands
// of one optical acquisition. Returned bands must be on r's grid; parameters
// the model cannot produce are left out of the map.
type BiophysicalModel interface {
	Predict(ctx context.Context, r *domain.Raster, params []string) (map[string]*mat.Dense, error)
}

// BiophysicalFunc adapts a function to BiophysicalModel.
type BiophysicalFunc func(ctx context.Context, r *domain.Raster, params []string) (map[string]*mat.Dense, error)

func (f BiophysicalFunc) Predict(ctx context.Context, r *domain.Raster, params []string) (map[string]*mat.Dense, error) {
	return f(ctx, r, params)
}

// Model names accepted by NewBiophysicalModel.
const (
	ModelEmpirical = "empirical"
	ModelNone      = "none"
)

// NewBiophysicalModel returns the named model, or nil for "none".
func NewBiophysicalModel(name string) (BiophysicalModel, error) {
	switch name {
	case ModelEmpirical:
		return EmpiricalModel{}, nil
	case ModelNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown biophysical model %q", name)
	}
}

// EmpiricalModel derives the parameters from vegetation indices with
// published linear and exponential regressions. FAPAR and FAPAR_3b are
// linear in NDVI, LAI is linear in EVI and LAI_3b inverts the SAVI
// saturation curve.
type EmpiricalModel struct{}

func (EmpiricalModel) Predict(ctx context.Context, r *domain.Raster, params []string) (map[string]*mat.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]*mat.Dense, len(params))
	for _, p := range params {
		var (
			src *mat.Dense
			ok  bool
			f   func(float64) float64
		)
		switch p {
		case ParamFAPAR, ParamFAPAR3b:
			src, ok = Spectral(r, IndexNDVI)
			f = faparFromNDVI
		case ParamLAI:
			src, ok = Spectral(r, IndexEVI)
			f = laiFromEVI
		case ParamLAI3b:
			src, ok = savi(r)
			f = laiFromSAVI
		}
		if !ok {
			continue
		}
		var m mat.Dense
		m.Apply(func(_, _ int, v float64) float64 {
			if domain.IsNull(v) {
				return v
			}
			return f(v)
		}, src)
		out[p] = &m
	}
	return out, nil
}

func faparFromNDVI(ndvi float64) float64 {
	return math.Max(0, math.Min(1, 1.24*ndvi-0.168))
}

func laiFromEVI(evi float64) float64 {
	return math.Max(0, 3.618*evi-0.118)
}

func laiFromSAVI(s float64) float64 {
	if s >= 0.69 {
		return 8
	}
	return math.Max(0, math.Min(8, -math.Log((0.69-s)/0.59)/0.91))
}

func savi(r *domain.Raster) (*mat.Dense, bool) {
	nir, nok := r.Band(BandNIR)
	red, rok := r.Band(BandRed)
	if !nok || !rok {
		return nil, false
	}
	return combine(nir, red, func(n, rd float64) float64 {
		n, rd = n*ReflectanceScale, rd*ReflectanceScale
		return finite(1.5 * (n - rd) / (n + rd + 0.5))
	}), true
}
