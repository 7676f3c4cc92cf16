// Package mask invalidates cloudy, shadowed and snowy optical pixels.
package mask

import (
	"fmt"
	"slices"

	"github.com/couchcryptid/mmts-etl/internal/domain"
	"github.com/couchcryptid/mmts-etl/internal/indices"
	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultQABand is the Cloud Score+ clear-sky probability band.
	DefaultQABand = "cs"
	// DefaultClearThreshold keeps pixels that are at least 60% likely clear.
	DefaultClearThreshold = 0.60
	// BandSCL is the Sentinel-2 scene classification layer.
	BandSCL = "SCL"
)

// Scene classification codes removed by the snow/shadow mask.
const (
	SCLCloudShadow = 3
	SCLSnow        = 11
)

// CloudSnowMask nulls optical pixels whose quality score is below the clear
// threshold and, when snow masking is on, pixels with NDSI >= 0 or a reserved
// scene classification code.
type CloudSnowMask struct {
	QABand    string
	Threshold float64
	Snow      bool
	Reserved  []float64
}

// New returns a mask with the default reserved scene classes.
func New(qaBand string, threshold float64, snow bool) (*CloudSnowMask, error) {
	if qaBand == "" {
		return nil, fmt.Errorf("quality band name must not be empty")
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("clear threshold must be in [0, 1], got %v", threshold)
	}
	return &CloudSnowMask{
		QABand:    qaBand,
		Threshold: threshold,
		Snow:      snow,
		Reserved:  []float64{SCLCloudShadow, SCLSnow},
	}, nil
}

// Valid returns the per-pixel validity of r: 1 for kept pixels, 0 otherwise.
func (m *CloudSnowMask) Valid(r *domain.Raster) (*mat.Dense, error) {
	qa, err := r.MustBand(m.QABand)
	if err != nil {
		return nil, fmt.Errorf("cloud mask: %w", err)
	}

	var ndsi, scl *mat.Dense
	if m.Snow {
		var ok bool
		if ndsi, ok = indices.Spectral(r, indices.IndexNDSI); !ok {
			return nil, fmt.Errorf("snow mask needs %s and %s: %w", indices.BandGreen, indices.BandSWIR1, domain.ErrBandMissing)
		}
		scl, _ = r.Band(BandSCL)
	}

	var valid mat.Dense
	valid.Apply(func(i, j int, score float64) float64 {
		if domain.IsNull(score) || score < m.Threshold {
			return 0
		}
		if ndsi != nil {
			if v := ndsi.At(i, j); domain.IsNull(v) || v >= 0 {
				return 0
			}
		}
		if scl != nil && slices.Contains(m.Reserved, scl.At(i, j)) {
			return 0
		}
		return 1
	}, qa)
	return &valid, nil
}

// Apply returns a copy of r with every band nulled where the pixel is invalid.
func (m *CloudSnowMask) Apply(r *domain.Raster) (*domain.Raster, error) {
	valid, err := m.Valid(r)
	if err != nil {
		return nil, err
	}
	out := r.Clone()
	for _, name := range out.BandNames() {
		b, _ := out.Band(name)
		b.Apply(func(i, j int, v float64) float64 {
			if valid.At(i, j) == 0 {
				return domain.Null()
			}
			return v
		}, b)
	}
	return out, nil
}
