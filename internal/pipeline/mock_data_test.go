package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/mmts-etl/internal/config"
	"github.com/couchcryptid/mmts-etl/internal/domain"
	"github.com/couchcryptid/mmts-etl/internal/geo"
	"github.com/couchcryptid/mmts-etl/internal/observability"
	"github.com/couchcryptid/mmts-etl/internal/pipeline"
	"github.com/couchcryptid/mmts-etl/internal/sample"
	"github.com/couchcryptid/mmts-etl/internal/terrain"
	"github.com/couchcryptid/mmts-etl/internal/weather"
	"github.com/couchcryptid/mmts-etl/internal/zonal"
	"github.com/stretchr/testify/require"
)

var (
	testGrid  = domain.Grid{X0: 0, Y0: 40, PixelSize: 10, Cols: 4, Rows: 4}
	radarTime = time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC)
	runStart  = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	runEnd    = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
)

// --- mocks ---

type mockExtractor struct {
	scene *pipeline.Scene
	err   error
}

func (m *mockExtractor) Extract(_ context.Context) (*pipeline.Scene, error) {
	return m.scene, m.err
}

type mockLoader struct {
	mu       sync.Mutex
	failures int
	failWith error
	calls    int
	loaded   []domain.AggregatedRow
}

func (m *mockLoader) LoadBatch(_ context.Context, rows []domain.AggregatedRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failWith != nil {
		return m.failWith
	}
	if m.failures > 0 {
		m.failures--
		return errors.New("sink unavailable")
	}
	m.loaded = append(m.loaded, rows...)
	return nil
}

func (m *mockLoader) rows() []domain.AggregatedRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AggregatedRow(nil), m.loaded...)
}

type fakeClimate struct{}

func (fakeClimate) Hourly(_ context.Context, _ geo.Polygon, from, to time.Time) ([]weather.Sample, error) {
	var out []weather.Sample
	for t := from.Truncate(time.Hour).Add(time.Hour); !t.After(to); t = t.Add(time.Hour) {
		out = append(out, weather.Sample{Time: t, PrecipitationMM: 0.5, TemperatureC: 20})
	}
	return out, nil
}

// --- fixtures ---

func band(t *testing.T, r *domain.Raster, name string, v float64) {
	t.Helper()
	require.NoError(t, r.SetBand(name, domain.NewBand(r.Grid, v)))
}

func radarRecord(t *testing.T, id string, at time.Time) domain.AcquisitionRecord {
	t.Helper()
	r := domain.NewRaster(testGrid, at)
	band(t, r, domain.BandVV, 0.2)
	band(t, r, domain.BandVH, 0.05)
	return domain.AcquisitionRecord{
		ID:         id,
		Raster:     r,
		Time:       at,
		Properties: map[string]float64{domain.PropIncidence: 35, domain.PropHeading: 190},
	}
}

func opticalRecord(t *testing.T, id string, at time.Time, cloud float64) domain.AcquisitionRecord {
	t.Helper()
	r := domain.NewRaster(testGrid, at)
	for name, v := range map[string]float64{"B2": 300, "B3": 600, "B4": 500, "B5": 900, "B8": 3000, "B11": 1800, "cs": 0.9} {
		band(t, r, name, v)
	}
	return domain.AcquisitionRecord{
		ID:         id,
		Raster:     r,
		Time:       at,
		Properties: map[string]float64{domain.PropCloudPercent: cloud},
	}
}

func demTile(t *testing.T) terrain.Tile {
	t.Helper()
	r := domain.NewRaster(testGrid, time.Time{})
	band(t, r, domain.BandElevation, 300)
	return terrain.Tile{ID: "dem-0", Raster: r}
}

func testScene(t *testing.T, optical ...domain.AcquisitionRecord) *pipeline.Scene {
	t.Helper()
	return &pipeline.Scene{
		StudyArea: testGrid.Footprint(),
		Terrain:   []terrain.Tile{demTile(t)},
		Radar:     []domain.AcquisitionRecord{radarRecord(t, "S1A_0601", radarTime)},
		Optical:   optical,
		Regions: []domain.Region{{
			ID:         "region-1",
			Geometry:   geo.Rect(geo.Box(0, 20, 20, 40)),
			Attributes: map[string]float64{"landcover": 10},
		}},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Workers:         2,
		QABand:          "cs",
		ClearThreshold:  0.6,
		OpticalIndices:  []string{"NDVI", "FAPAR", "LAI", "EVI"},
		BioparModel:     "empirical",
		RadarIndices:    []string{"VV", "VH", "RVI", "VH/VV"},
		SpeckleFilter:   true,
		KernelSize:      3,
		ENL:             5,
		MaxCloudPercent: 30,
		JoinTolerance:   3 * time.Hour,
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, ext pipeline.Extractor, ldr pipeline.RowLoader) (*pipeline.Pipeline, *observability.Metrics) {
	t.Helper()
	return newTestPipelineWith(t, cfg, ext, ldr, nil)
}

func newTestPipelineWith(t *testing.T, cfg *config.Config, ext pipeline.Extractor, ldr pipeline.RowLoader, gen *sample.Generator) (*pipeline.Pipeline, *observability.Metrics) {
	t.Helper()
	stages, err := pipeline.NewStages(cfg, fakeClimate{}, slog.Default())
	require.NoError(t, err)
	builder, err := terrain.NewBuilder(terrain.DefaultTolerance, 1, cfg.Workers, slog.Default())
	require.NoError(t, err)

	metrics := observability.NewMetricsForTesting()
	opts := pipeline.Options{
		Workers:         cfg.Workers,
		Start:           runStart,
		End:             runEnd,
		MaxCloudPercent: cfg.MaxCloudPercent,
		JoinTolerance:   cfg.JoinTolerance,
		Generator:       gen,
		Terrain:         builder,
		Filter:          zonal.NewFilter(zonal.ExcludeAllNulls),
	}
	return pipeline.New(ext, stages, ldr, opts, slog.Default(), metrics), metrics
}
