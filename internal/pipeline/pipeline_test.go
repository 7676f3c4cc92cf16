package pipeline_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/couchcryptid/mmts-etl/internal/adapter/csvsink"
	"github.com/couchcryptid/mmts-etl/internal/config"
	"github.com/couchcryptid/mmts-etl/internal/domain"
	"github.com/couchcryptid/mmts-etl/internal/indices"
	"github.com/couchcryptid/mmts-etl/internal/pipeline"
	"github.com/couchcryptid/mmts-etl/internal/sample"
	"github.com/couchcryptid/mmts-etl/internal/weather"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_Run_HappyPath(t *testing.T) {
	ext := &mockExtractor{scene: testScene(t, opticalRecord(t, "S2_0601", radarTime.Add(-time.Hour), 10))}
	ldr := &mockLoader{}
	p, metrics := newTestPipeline(t, testConfig(), ext, ldr)

	require.NoError(t, p.Run(context.Background()))

	rows := ldr.rows()
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, "region-1", row.RegionID)
	assert.Equal(t, "S1A_0601", row.AcquisitionID)
	assert.Equal(t, radarTime, row.Time)
	assert.Equal(t, 1, row.MatchCount)
	assert.Equal(t, map[string]float64{"landcover": 10}, row.Attributes)

	want := map[string]float64{
		domain.BandVH:                10 * math.Log10(0.05),
		domain.BandVV:                10 * math.Log10(0.2),
		"VH/VV":                      0.25,
		"RVI":                        0.8,
		domain.BandElevation:         300,
		domain.BandSlope:             0,
		domain.BandLIA:               35,
		"NDVI":                       (3000.0 - 500) / (3000 + 500),
		weather.BandTemperature:      20,
		weather.BandPrecipitation12h: 0.5 * 13,
	}
	for name, v := range want {
		got, ok := row.Value(name)
		require.True(t, ok, name)
		assert.InDelta(t, v, got, 1e-9, name)
	}
	lai, ok := row.Value(domain.BandLAI)
	require.True(t, ok)
	assert.Greater(t, lai, 0.0)

	assert.True(t, p.Ready())
	assert.Equal(t, pipeline.Progress{RadarTotal: 1, RadarDone: 1, RadarMatched: 1, RowsWritten: 1, Finished: true}, p.Progress())
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.RowsProduced), 0)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.AcquisitionsProcessed), 0)
}

func TestPipeline_Run_ObservesZonalStage(t *testing.T) {
	ext := &mockExtractor{scene: testScene(t, opticalRecord(t, "S2_0601", radarTime, 10))}
	p, metrics := newTestPipeline(t, testConfig(), ext, &mockLoader{})

	require.NoError(t, p.Run(context.Background()))

	var m dto.Metric
	h, ok := metrics.StageDuration.WithLabelValues("zonal").(prometheus.Histogram)
	require.True(t, ok)
	require.NoError(t, h.Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}

func TestPipeline_Run_NoOpticalInWindowDropsAcquisition(t *testing.T) {
	ext := &mockExtractor{scene: testScene(t,
		opticalRecord(t, "S2_early", radarTime.Add(-4*time.Hour), 5),
		opticalRecord(t, "S2_late", radarTime.Add(4*time.Hour), 5),
	)}
	ldr := &mockLoader{}
	p, metrics := newTestPipeline(t, testConfig(), ext, ldr)

	require.NoError(t, p.Run(context.Background()))
	assert.Empty(t, ldr.rows())
	assert.Zero(t, ldr.calls)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.AcquisitionsDropped.WithLabelValues("no_match")), 0)
	assert.True(t, p.Progress().Finished)
}

func TestPipeline_Run_CloudPercentIsStrict(t *testing.T) {
	ext := &mockExtractor{scene: testScene(t, opticalRecord(t, "S2_cloudy", radarTime, 30))}
	ldr := &mockLoader{}
	p, metrics := newTestPipeline(t, testConfig(), ext, ldr)

	require.NoError(t, p.Run(context.Background()))
	assert.Empty(t, ldr.rows())
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.AcquisitionsDropped.WithLabelValues("cloudy")), 0)
}

func TestPipeline_Run_PeriodEndIsExclusive(t *testing.T) {
	scene := testScene(t, opticalRecord(t, "S2", runEnd, 5))
	scene.Radar = []domain.AcquisitionRecord{radarRecord(t, "S1_end", runEnd)}
	ldr := &mockLoader{}
	p, metrics := newTestPipeline(t, testConfig(), &mockExtractor{scene: scene}, ldr)

	require.NoError(t, p.Run(context.Background()))
	assert.Empty(t, ldr.rows())
	assert.Equal(t, int64(0), p.Progress().RadarTotal)
	assert.InDelta(t, 2.0, testutil.ToFloat64(metrics.AcquisitionsDropped.WithLabelValues("out_of_period")), 0)
}

func TestPipeline_Run_NullPolicyDropsCloudMaskedRows(t *testing.T) {
	opt := opticalRecord(t, "S2_hazy", radarTime, 10)
	band(t, opt.Raster, "cs", 0.2)
	ldr := &mockLoader{}
	p, metrics := newTestPipeline(t, testConfig(), &mockExtractor{scene: testScene(t, opt)}, ldr)

	require.NoError(t, p.Run(context.Background()))
	assert.Empty(t, ldr.rows())
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.RowsFiltered), 0)
}

func TestPipeline_Run_RetriesFailedLoad(t *testing.T) {
	ldr := &mockLoader{failures: 1}
	ext := &mockExtractor{scene: testScene(t, opticalRecord(t, "S2", radarTime, 10))}
	p, _ := newTestPipeline(t, testConfig(), ext, ldr)

	require.NoError(t, p.Run(context.Background()))
	assert.Len(t, ldr.rows(), 1)
	assert.Equal(t, 2, ldr.calls)
}

func TestPipeline_Run_SchemaDriftIsNotRetried(t *testing.T) {
	ldr := &mockLoader{failWith: fmt.Errorf("band %q: %w", "angle", domain.ErrSchemaDrift)}
	ext := &mockExtractor{scene: testScene(t, opticalRecord(t, "S2", radarTime, 10))}
	p, _ := newTestPipeline(t, testConfig(), ext, ldr)

	err := p.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrSchemaDrift)
	assert.Equal(t, 1, ldr.calls)
}

// mixedBandScene has two radar acquisitions twelve days apart. The second
// carries a per-pixel angle band and its optical match has no red-edge band.
func mixedBandScene(t *testing.T) *pipeline.Scene {
	t.Helper()
	later := radarTime.AddDate(0, 0, 12)
	secondOptical := opticalRecord(t, "S2_0613", later.Add(time.Hour), 10)
	secondOptical.Raster.DropBand(indices.BandRedEdge1)

	scene := testScene(t, opticalRecord(t, "S2_0601", radarTime.Add(time.Hour), 10), secondOptical)
	secondRadar := radarRecord(t, "S1A_0613", later)
	band(t, secondRadar.Raster, domain.BandAngle, 38)
	scene.Radar = append(scene.Radar, secondRadar)
	return scene
}

func mixedBandConfig() *config.Config {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.OpticalIndices = append(cfg.OpticalIndices, indices.IndexNDVIRedEdge)
	return cfg
}

func TestPipeline_Run_FixedBandSetAcrossAcquisitions(t *testing.T) {
	cfg := mixedBandConfig()
	ldr := &mockLoader{}
	p, _ := newTestPipeline(t, cfg, &mockExtractor{scene: mixedBandScene(t)}, ldr)

	require.NoError(t, p.Run(context.Background()))
	rows := ldr.rows()
	require.Len(t, rows, 2)

	stages, err := pipeline.NewStages(cfg, fakeClimate{}, slog.Default())
	require.NoError(t, err)
	want := slices.Sorted(slices.Values(stages.Bands()))
	for _, r := range rows {
		assert.Equal(t, want, r.BandNames(), r.AcquisitionID)
		assert.NotContains(t, r.Values, domain.BandAngle)
	}

	byID := map[string]domain.AggregatedRow{}
	for _, r := range rows {
		byID[r.AcquisitionID] = r
	}
	_, ok := byID["S1A_0601"].Value(indices.IndexNDVIRedEdge)
	assert.True(t, ok)
	_, ok = byID["S1A_0613"].Value(indices.IndexNDVIRedEdge)
	assert.False(t, ok, "red-edge index is null without B5")
}

func TestPipeline_Run_MixedBandSetsIntoCSV(t *testing.T) {
	var buf bytes.Buffer
	sink := csvsink.New(&buf, slog.Default())
	p, _ := newTestPipeline(t, mixedBandConfig(), &mockExtractor{scene: mixedBandScene(t)}, sink)

	require.NoError(t, p.Run(context.Background()))
	require.NoError(t, sink.Close())

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.NotContains(t, records[0], domain.BandAngle)
	assert.Contains(t, records[0], indices.IndexNDVIRedEdge)
	assert.Equal(t, []string{"S1A_0601", "S1A_0613"}, []string{records[1][1], records[2][1]})
	assert.Equal(t, int64(2), p.Progress().RowsWritten)
}

func TestStages_Bands(t *testing.T) {
	cfg := testConfig()
	s, err := pipeline.NewStages(cfg, fakeClimate{}, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, []string{
		domain.BandVV, domain.BandVH, "RVI", "VH/VV",
		domain.BandElevation, domain.BandSlope, domain.BandLIA,
		weather.BandPrecipitation12h, weather.BandTemperature, weather.BandPrecipitationCurrent,
		"NDVI", "FAPAR", "LAI", "EVI",
	}, s.Bands())

	noClimate, err := pipeline.NewStages(cfg, nil, slog.Default())
	require.NoError(t, err)
	assert.NotContains(t, noClimate.Bands(), weather.BandTemperature)
}

func TestPipeline_Run_ExtractError(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig(), &mockExtractor{err: errors.New("manifest unreadable")}, &mockLoader{})

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest unreadable")
	assert.False(t, p.Ready())
}

func TestPipeline_Run_ContextCancellation(t *testing.T) {
	ext := &mockExtractor{scene: testScene(t, opticalRecord(t, "S2", radarTime, 10))}
	ldr := &mockLoader{}
	p, _ := newTestPipeline(t, testConfig(), ext, ldr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ldr.rows())
	assert.False(t, p.Progress().Finished)
}

func TestPipeline_Run_GeneratesRegions(t *testing.T) {
	scene := testScene(t, opticalRecord(t, "S2", radarTime, 10))
	scene.Regions = nil
	scene.LandCover = domain.NewRaster(testGrid, time.Time{})
	band(t, scene.LandCover, domain.BandLandCover, 40)

	gen, err := sample.NewGenerator(sample.Options{Count: 5, Radius: 2, Target: sample.Class(40), Seed: 7}, slog.Default())
	require.NoError(t, err)
	ldr := &mockLoader{}
	p, metrics := newTestPipelineWith(t, testConfig(), &mockExtractor{scene: scene}, ldr, gen)

	require.NoError(t, p.Run(context.Background()))
	assert.InDelta(t, 5.0, testutil.ToFloat64(metrics.RegionsGenerated), 0)
	rows := ldr.rows()
	require.Len(t, rows, 5)
	for _, r := range rows {
		assert.Equal(t, 40.0, r.Attributes[sample.AttrLandCover])
	}
}

func TestPipeline_Run_NoRegions(t *testing.T) {
	scene := testScene(t)
	scene.Regions = nil
	p, _ := newTestPipeline(t, testConfig(), &mockExtractor{scene: scene}, &mockLoader{})
	require.Error(t, p.Run(context.Background()))
}

func TestPipeline_CheckReadiness(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig(), &mockExtractor{scene: testScene(t)}, &mockLoader{})
	require.Error(t, p.CheckReadiness(context.Background()))

	require.NoError(t, p.Run(context.Background()))
	assert.NoError(t, p.CheckReadiness(context.Background()))
}

func TestNewStages_SpeckleDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.SpeckleFilter = false
	cfg.KernelSize = 4
	s, err := pipeline.NewStages(cfg, nil, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, s.Speckle)
	assert.Nil(t, s.Weather)
}

func TestNewStages_InvalidModel(t *testing.T) {
	cfg := testConfig()
	cfg.BioparModel = "prosail"
	_, err := pipeline.NewStages(cfg, nil, slog.Default())
	require.Error(t, err)
}
