package indices

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/couchcryptid/mmts-etl/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var testGrid = domain.Grid{X0: 0, Y0: 2, PixelSize: 10, Cols: 2, Rows: 1}

func raster(t *testing.T, bands map[string][]float64) *domain.Raster {
	t.Helper()
	r := domain.NewRaster(testGrid, time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC))
	for _, name := range []string{domain.BandVV, domain.BandVH, BandBlue, BandGreen, BandRed, BandRedEdge1, BandNIR, BandSWIR1} {
		if v, ok := bands[name]; ok {
			require.NoError(t, r.SetBand(name, mat.NewDense(1, 2, v)))
		}
	}
	return r
}

func TestRadarIndices_EqualPolarisations(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for range 500 {
		v := rng.Float64()*10 + 1e-6
		assert.Equal(t, 0.0, RFDI(v, v))
		assert.Equal(t, 0.0, NRPB(v, v))
	}
}

func TestRVI_Range(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	for range 1000 {
		vv, vh := rng.Float64()+1e-9, rng.Float64()+1e-9
		rvi := RVI(vv, vh)
		assert.GreaterOrEqual(t, rvi, 0.0)
		assert.LessOrEqual(t, rvi, 4.0)
	}
}

func TestRadarIndices_ZeroDenominatorIsNull(t *testing.T) {
	assert.True(t, math.IsNaN(Ratio(1, 0)))
	assert.True(t, math.IsNaN(Ratio(0, 0)))
	assert.True(t, math.IsNaN(RVI(0, 0)))
	assert.True(t, math.IsNaN(RFDI(1, -1)))
}

func TestDPSVIm(t *testing.T) {
	assert.InDelta(t, (4+2)/math.Sqrt2, DPSVIm(2, 1), 1e-12)
}

func TestDBRoundTrip(t *testing.T) {
	for _, v := range []float64{1e-5, 0.0317, 0.5, 1, 3.2} {
		assert.InDelta(t, v, FromDB(ToDB(v)), v*1e-12)
	}
	assert.True(t, math.IsNaN(ToDB(0)))
	assert.True(t, math.IsNaN(ToDB(-0.1)))
}

func TestRadarEngine_Apply(t *testing.T) {
	in := raster(t, map[string][]float64{
		domain.BandVV: {0.1, 0},
		domain.BandVH: {0.02, 0},
	})
	e := NewRadarEngine([]string{IndexRVI, "DPSVIo", IndexVHVV, "VV"})

	out, err := e.Apply(in)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.BandVV, domain.BandVH, IndexRVI, IndexVHVV}, out.BandNames())

	rvi, _ := out.Band(IndexRVI)
	assert.InDelta(t, 4*0.02/0.12, rvi.At(0, 0), 1e-12)
	assert.True(t, math.IsNaN(rvi.At(0, 1)))

	vv, _ := out.Band(domain.BandVV)
	assert.InDelta(t, -10, vv.At(0, 0), 1e-12)
	assert.True(t, math.IsNaN(vv.At(0, 1)))

	orig, _ := in.Band(domain.BandVV)
	assert.Equal(t, 0.1, orig.At(0, 0), "input keeps linear values")
}

func TestRadarEngine_MissingPolarisation(t *testing.T) {
	_, err := NewRadarEngine(nil).Apply(raster(t, map[string][]float64{domain.BandVV: {1, 1}}))
	assert.ErrorIs(t, err, domain.ErrBandMissing)
}

func s2(t *testing.T) *domain.Raster {
	t.Helper()
	return raster(t, map[string][]float64{
		BandBlue:     {400, 0},
		BandGreen:    {800, 0},
		BandRed:      {600, 0},
		BandRedEdge1: {1200, 0},
		BandNIR:      {3000, 0},
		BandSWIR1:    {1800, 0},
	})
}

func TestSpectral(t *testing.T) {
	r := s2(t)

	tests := []struct {
		name string
		want float64
	}{
		{IndexNDVI, (3000.0 - 600) / 3600},
		{IndexNDVIRedEdge, (3000.0 - 1200) / 4200},
		{IndexNDWI, (800.0 - 3000) / 3800},
		{IndexNDMI, (3000.0 - 1800) / 4800},
		{IndexNDSI, (800.0 - 1800) / 2600},
		{IndexEVI, 2.5 * (0.3 - 0.06) / (0.3 + 0.36 - 0.3 + 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := Spectral(r, tt.name)
			require.True(t, ok)
			assert.InDelta(t, tt.want, m.At(0, 0), 1e-12)
		})
	}

	ndvi, _ := Spectral(r, IndexNDVI)
	assert.True(t, math.IsNaN(ndvi.At(0, 1)), "0/0 is null")

	_, ok := Spectral(r, "GNDVI")
	assert.False(t, ok)
}

func TestOpticalEngine_OnlyRequestedBands(t *testing.T) {
	model, err := NewBiophysicalModel(ModelEmpirical)
	require.NoError(t, err)
	e := NewOpticalEngine([]string{IndexNDVI, ParamFAPAR, IndexEVI, "MSAVI", ParamLAI3b}, model)

	out, err := e.Apply(context.Background(), s2(t))
	require.NoError(t, err)
	assert.Equal(t, []string{IndexNDVI, ParamFAPAR, IndexEVI, ParamLAI3b}, out.BandNames())

	fapar, _ := out.Band(ParamFAPAR)
	ndvi, _ := out.Band(IndexNDVI)
	assert.InDelta(t, 1.24*ndvi.At(0, 0)-0.168, fapar.At(0, 0), 1e-12)
	lai3b, _ := out.Band(ParamLAI3b)
	assert.GreaterOrEqual(t, lai3b.At(0, 0), 0.0)
	assert.LessOrEqual(t, lai3b.At(0, 0), 8.0)
}

func TestOpticalEngine_Outputs(t *testing.T) {
	model, err := NewBiophysicalModel(ModelEmpirical)
	require.NoError(t, err)
	names := []string{IndexNDVIRedEdge, "MSAVI", ParamLAI, IndexNDVIRedEdge, IndexEVI}

	assert.Equal(t, []string{IndexNDVIRedEdge, ParamLAI, IndexEVI}, NewOpticalEngine(names, model).Outputs())
	assert.Equal(t, []string{IndexNDVIRedEdge, IndexEVI}, NewOpticalEngine(names, nil).Outputs())
}

func TestRadarEngine_Outputs(t *testing.T) {
	e := NewRadarEngine([]string{domain.BandVV, IndexRVI, "NDPI", IndexVHVV, IndexRVI})
	assert.Equal(t, []string{domain.BandVV, domain.BandVH, IndexRVI, IndexVHVV}, e.Outputs())
}

func TestOpticalEngine_NoModelDropsBiophysical(t *testing.T) {
	model, err := NewBiophysicalModel(ModelNone)
	require.NoError(t, err)
	assert.Nil(t, model)

	out, err := NewOpticalEngine([]string{ParamLAI, IndexNDVI}, nil).Apply(context.Background(), s2(t))
	require.NoError(t, err)
	assert.Equal(t, []string{IndexNDVI}, out.BandNames())
}

func TestOpticalEngine_ModelError(t *testing.T) {
	boom := errors.New("model offline")
	model := BiophysicalFunc(func(context.Context, *domain.Raster, []string) (map[string]*mat.Dense, error) {
		return nil, boom
	})
	_, err := NewOpticalEngine([]string{ParamLAI}, model).Apply(context.Background(), s2(t))
	assert.ErrorIs(t, err, boom)
}

func TestOpticalEngine_ModelReceivesParams(t *testing.T) {
	var got []string
	model := BiophysicalFunc(func(_ context.Context, r *domain.Raster, params []string) (map[string]*mat.Dense, error) {
		got = params
		return map[string]*mat.Dense{ParamLAI: domain.NewBand(r.Grid, 2.5)}, nil
	})
	out, err := NewOpticalEngine([]string{ParamLAI, ParamFAPAR}, model).Apply(context.Background(), s2(t))
	require.NoError(t, err)
	assert.Equal(t, []string{ParamLAI, ParamFAPAR}, got)
	assert.Equal(t, []string{ParamLAI}, out.BandNames())
}

func TestNewBiophysicalModel_Unknown(t *testing.T) {
	_, err := NewBiophysicalModel("prosail")
	assert.Error(t, err)
}

func TestEmpiricalClamps(t *testing.T) {
	assert.Equal(t, 1.0, faparFromNDVI(0.99))
	assert.Equal(t, 0.0, faparFromNDVI(-0.5))
	assert.Equal(t, 0.0, laiFromEVI(0))
	assert.Equal(t, 8.0, laiFromSAVI(0.7))
	assert.Equal(t, 0.0, laiFromSAVI(0.05))
}
