package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/mmts-etl/internal/domain"
	"github.com/couchcryptid/mmts-etl/internal/geo"
	"github.com/couchcryptid/mmts-etl/internal/join"
	"github.com/couchcryptid/mmts-etl/internal/observability"
	"github.com/couchcryptid/mmts-etl/internal/sample"
	"github.com/couchcryptid/mmts-etl/internal/terrain"
	"github.com/couchcryptid/mmts-etl/internal/zonal"
	"github.com/couchcryptid/storm-data-shared/retry"
	"golang.org/x/sync/errgroup"
)

// Scene is everything one run reads from the data source.
type Scene struct {
	StudyArea geo.Polygon
	Terrain   []terrain.Tile
	Radar     []domain.AcquisitionRecord
	Optical   []domain.AcquisitionRecord
	LandCover *domain.Raster
	// Regions are used as-is when generation is off.
	Regions []domain.Region
}

// Extractor reads the scene inputs.
type Extractor interface {
	Extract(ctx context.Context) (*Scene, error)
}

// RowLoader writes the rows of one acquisition to the destination.
type RowLoader interface {
	LoadBatch(ctx context.Context, rows []domain.AggregatedRow) error
}

// Options are the run-level settings that are not owned by a single stage.
type Options struct {
	Workers         int
	Start, End      time.Time
	MaxCloudPercent float64
	JoinTolerance   time.Duration
	// Generator is nil when the scene supplies the regions.
	Generator *sample.Generator
	Terrain   *terrain.Builder
	Filter    zonal.Filter
}

// Progress is a snapshot of the run counters.
type Progress struct {
	RadarTotal   int64 `json:"radar_total"`
	RadarDone    int64 `json:"radar_done"`
	RadarMatched int64 `json:"radar_matched"`
	RowsWritten  int64 `json:"rows_written"`
	Finished     bool  `json:"finished"`
}

// Pipeline orchestrates the extract-transform-load run.
type Pipeline struct {
	extractor Extractor
	stages    *Stages
	loader    RowLoader
	opts      Options
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool

	radarTotal   atomic.Int64
	radarDone    atomic.Int64
	radarMatched atomic.Int64
	rowsWritten  atomic.Int64
	finished     atomic.Bool
}

// New creates a Pipeline with the given stages and observability.
func New(e Extractor, s *Stages, l RowLoader, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Pipeline{
		extractor: e,
		stages:    s,
		loader:    l,
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
	}
}

// CheckReadiness returns nil once the inputs are prepared and radar
// acquisitions are being processed.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not finished preparing inputs")
	}
	return nil
}

// Ready reports whether CheckReadiness would succeed.
func (p *Pipeline) Ready() bool { return p.ready.Load() }

// Progress returns the current run counters.
func (p *Pipeline) Progress() Progress {
	return Progress{
		RadarTotal:   p.radarTotal.Load(),
		RadarDone:    p.radarDone.Load(),
		RadarMatched: p.radarMatched.Load(),
		RowsWritten:  p.rowsWritten.Load(),
		Finished:     p.finished.Load(),
	}
}

// Run executes one full pass over the scene. A cancelled context stops new
// work and returns the context error; batches already loaded stay loaded.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "workers", p.opts.Workers, "start", p.opts.Start, "end", p.opts.End)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	scene, err := p.extractor.Extract(ctx)
	if err != nil {
		return fmt.Errorf("extract scene: %w", err)
	}

	regions, err := p.regions(ctx, scene)
	if err != nil {
		return err
	}

	var products []*domain.Raster
	err = p.timed("terrain", func() error {
		tiles, err := p.opts.Terrain.Build(ctx, scene.Terrain)
		products = terrain.Products(tiles)
		return err
	})
	if err != nil {
		return fmt.Errorf("terrain: %w", err)
	}

	var optical []domain.AcquisitionRecord
	err = p.timed("optical", func() error {
		optical, err = p.prepareOptical(ctx, scene.Optical)
		return err
	})
	if err != nil {
		return err
	}
	joiner, err := join.NewJoiner(join.NewIndex(optical), p.opts.JoinTolerance)
	if err != nil {
		return err
	}

	radar := p.inPeriod(scene.Radar)
	p.radarTotal.Store(int64(len(radar)))
	p.ready.Store(true)
	p.logger.Info("inputs prepared",
		"regions", len(regions),
		"terrain_tiles", len(products),
		"optical", len(optical),
		"radar", len(radar),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for _, rec := range radar {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer p.radarDone.Add(1)
			return p.processRadar(gctx, rec, joiner, products, regions)
		})
	}
	err = g.Wait()
	if ctx.Err() != nil {
		p.logger.Info("pipeline stopping", "reason", ctx.Err())
		return ctx.Err()
	}
	if err != nil {
		p.metrics.ProcessingErrors.Inc()
		return err
	}

	p.finished.Store(true)
	p.logger.Info("pipeline finished",
		"radar", len(radar),
		"matched", p.radarMatched.Load(),
		"rows", p.rowsWritten.Load(),
	)
	return nil
}

func (p *Pipeline) regions(ctx context.Context, scene *Scene) ([]domain.Region, error) {
	if p.opts.Generator == nil {
		if len(scene.Regions) == 0 {
			return nil, errors.New("scene has no regions and generation is off")
		}
		return domain.UniformAttributes(scene.Regions), nil
	}
	if scene.LandCover == nil {
		return nil, fmt.Errorf("region generation: land cover: %w", domain.ErrBandMissing)
	}

	var res sample.Result
	err := p.timed("regions", func() error {
		var err error
		res, err = p.opts.Generator.Generate(ctx, scene.StudyArea, scene.LandCover)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("region generation: %w", err)
	}
	p.metrics.RegionsGenerated.Add(float64(len(res.Regions)))
	p.metrics.RegionsRejected.Add(float64(res.Rejected))
	if len(res.Regions) == 0 {
		p.logger.Warn("no sample region passed the land cover test", "rejected", res.Rejected)
	}
	return domain.UniformAttributes(res.Regions), nil
}

// prepareOptical keeps optical acquisitions in the period with a cloud
// percentage strictly below the maximum and masks and indexes them.
func (p *Pipeline) prepareOptical(ctx context.Context, recs []domain.AcquisitionRecord) ([]domain.AcquisitionRecord, error) {
	var keep []domain.AcquisitionRecord
	for _, rec := range p.inPeriod(recs) {
		cloud, ok := rec.Property(domain.PropCloudPercent)
		if !ok || !(cloud < p.opts.MaxCloudPercent) {
			p.metrics.AcquisitionsDropped.WithLabelValues("cloudy").Inc()
			p.logger.Debug("optical acquisition too cloudy", "acquisition_id", rec.ID, "cloud_percent", cloud)
			continue
		}
		keep = append(keep, rec)
	}

	out := make([]domain.AcquisitionRecord, len(keep))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, rec := range keep {
		g.Go(func() error {
			prepared, err := p.stages.PrepareOptical(gctx, rec)
			if err != nil {
				return err
			}
			out[i] = prepared
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) inPeriod(recs []domain.AcquisitionRecord) []domain.AcquisitionRecord {
	var out []domain.AcquisitionRecord
	for _, rec := range recs {
		if rec.Time.Before(p.opts.Start) || !rec.Time.Before(p.opts.End) {
			p.metrics.AcquisitionsDropped.WithLabelValues("out_of_period").Inc()
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (p *Pipeline) processRadar(ctx context.Context, rec domain.AcquisitionRecord, joiner *join.Joiner, products []*domain.Raster, regions []domain.Region) error {
	logger := p.logger.With("acquisition_id", rec.ID, "time", rec.Time)

	var err error
	if err = p.timed("weather", func() error {
		rec, err = p.stages.AttachWeather(ctx, rec)
		return err
	}); err != nil {
		return err
	}

	var joined domain.JoinedRecord
	var matched bool
	if err = p.timed("join", func() error {
		joined, matched, err = joiner.Join(rec)
		return err
	}); err != nil {
		return err
	}
	if !matched {
		p.metrics.AcquisitionsDropped.WithLabelValues("no_match").Inc()
		logger.Debug("no optical acquisition in window")
		return nil
	}
	p.radarMatched.Add(1)

	if err = p.timed("radar", func() error {
		joined, err = p.stages.FinishRadar(joined, products)
		return err
	}); err != nil {
		return err
	}

	start := time.Now()
	rows, dropped := p.opts.Filter.Apply(zonal.Aggregate(joined, regions))
	p.observeStage("zonal", start)
	p.metrics.AcquisitionsProcessed.Inc()
	p.metrics.RowsFiltered.Add(float64(dropped))
	logger.Debug("acquisition aggregated", "match_count", joined.MatchCount, "rows", len(rows), "filtered", dropped)
	if len(rows) == 0 {
		return nil
	}

	if err := p.timed("load", func() error { return p.load(ctx, rows) }); err != nil {
		return fmt.Errorf("load rows for %s: %w", rec.ID, err)
	}
	p.metrics.RowsProduced.Add(float64(len(rows)))
	p.rowsWritten.Add(int64(len(rows)))
	return nil
}

const maxLoadAttempts = 5

// load writes one batch, retrying sink failures with exponential backoff:
// start at 200ms, double each retry, cap at 5s. Schema drift is permanent
// and is returned without retrying.
func (p *Pipeline) load(ctx context.Context, rows []domain.AggregatedRow) error {
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	var err error
	for attempt := 1; attempt <= maxLoadAttempts; attempt++ {
		if err = p.loader.LoadBatch(ctx, rows); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Error("load batch failed", "error", err, "batch_size", len(rows), "attempt", attempt)
		if errors.Is(err, domain.ErrSchemaDrift) {
			break
		}
		if attempt == maxLoadAttempts || !retry.SleepWithContext(ctx, backoff) {
			break
		}
		backoff = retry.NextBackoff(backoff, maxBackoff)
	}
	return err
}

func (p *Pipeline) timed(stage string, f func() error) error {
	start := time.Now()
	err := f()
	p.observeStage(stage, start)
	return err
}

func (p *Pipeline) observeStage(stage string, start time.Time) {
	p.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
