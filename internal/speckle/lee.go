// Package speckle suppresses multiplicative radar speckle with the Lee
// local-statistics filter.
package speckle

import (
	"fmt"
	"math"

	"github.com/couchcryptid/mmts-etl/internal/domain"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	DefaultKernel = 5
	DefaultENL    = 5
)

// LeeFilter holds the window size and the assumed equivalent number of looks.
//
// At the raster edge the window is shrunk to the part that lies inside the
// extent. Null samples are left out of the window statistics and a null
// centre pixel stays null.
type LeeFilter struct {
	kernel int
	eta    float64
}

// NewLeeFilter validates the kernel (odd, >= 1) and ENL (> 0).
func NewLeeFilter(kernel int, enl float64) (*LeeFilter, error) {
	if kernel < 1 || kernel%2 == 0 {
		return nil, fmt.Errorf("kernel size must be a positive odd number, got %d", kernel)
	}
	if !(enl > 0) {
		return nil, fmt.Errorf("ENL must be positive, got %v", enl)
	}
	return &LeeFilter{kernel: kernel, eta: 1 / math.Sqrt(enl)}, nil
}

// Apply returns a copy of r with the named bands filtered. With no band names
// VV and VH are filtered. Every other band passes through unchanged.
func (f *LeeFilter) Apply(r *domain.Raster, bands ...string) (*domain.Raster, error) {
	if len(bands) == 0 {
		bands = []string{domain.BandVV, domain.BandVH}
	}
	out := r.Clone()
	for _, name := range bands {
		src, err := r.MustBand(name)
		if err != nil {
			return nil, fmt.Errorf("speckle filter: %w", err)
		}
		if err := out.SetBand(name, f.filter(src)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Weight returns the signal weight b for a window with the given mean and
// variance. It is 0 when the variance is 0 and otherwise lies in [0, 1).
func (f *LeeFilter) Weight(mean, variance float64) float64 {
	if variance == 0 {
		return 0
	}
	eta2 := f.eta * f.eta
	varx := math.Max(0, (variance-mean*mean*eta2)/(1+eta2))
	return math.Max(0, varx/variance)
}

func (f *LeeFilter) filter(src *mat.Dense) *mat.Dense {
	rows, cols := src.Dims()
	out := mat.NewDense(rows, cols, nil)
	half := f.kernel / 2
	window := make([]float64, 0, f.kernel*f.kernel)

	for r := range rows {
		for c := range cols {
			z := src.At(r, c)
			if domain.IsNull(z) {
				out.Set(r, c, domain.Null())
				continue
			}
			window = window[:0]
			for wr := max(0, r-half); wr <= min(rows-1, r+half); wr++ {
				for wc := max(0, c-half); wc <= min(cols-1, c+half); wc++ {
					if v := src.At(wr, wc); !domain.IsNull(v) {
						window = append(window, v)
					}
				}
			}
			mean, variance := windowStats(window)
			b := f.Weight(mean, variance)
			out.Set(r, c, (1-b)*math.Abs(mean)+b*z)
		}
	}
	return out
}

// windowStats returns the mean and population variance. A constant window
// reports its value and zero variance exactly.
func windowStats(w []float64) (mean, variance float64) {
	constant := true
	for _, v := range w[1:] {
		if v != w[0] {
			constant = false
			break
		}
	}
	if constant {
		return w[0], 0
	}
	return stat.PopMeanVariance(w, nil)
}
