package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/couchcryptid/mmts-etl/internal/composite"
	"github.com/couchcryptid/mmts-etl/internal/config"
	"github.com/couchcryptid/mmts-etl/internal/domain"
	"github.com/couchcryptid/mmts-etl/internal/indices"
	"github.com/couchcryptid/mmts-etl/internal/mask"
	"github.com/couchcryptid/mmts-etl/internal/speckle"
	"github.com/couchcryptid/mmts-etl/internal/terrain"
	"github.com/couchcryptid/mmts-etl/internal/weather"
)

// terrainBands are composited from the terrain products onto each radar grid.
var terrainBands = []string{domain.BandElevation, domain.BandSlope, domain.BandAspect}

// Stages holds the per-acquisition processing steps. A nil Weather skips the
// climate covariates and a nil Speckle disables filtering.
type Stages struct {
	Mask    *mask.CloudSnowMask
	Optical *indices.OpticalEngine
	Weather *weather.Attacher
	Speckle *speckle.LeeFilter
	Radar   *indices.RadarEngine
}

// NewStages builds the processing steps from configuration.
func NewStages(cfg *config.Config, climate weather.ClimateSource, logger *slog.Logger) (*Stages, error) {
	m, err := mask.New(cfg.QABand, cfg.ClearThreshold, cfg.SnowMask)
	if err != nil {
		return nil, err
	}
	model, err := indices.NewBiophysicalModel(cfg.BioparModel)
	if err != nil {
		return nil, err
	}

	s := &Stages{
		Mask:    m,
		Optical: indices.NewOpticalEngine(cfg.OpticalIndices, model),
		Radar:   indices.NewRadarEngine(cfg.RadarIndices),
	}
	if climate != nil {
		s.Weather = weather.NewAttacher(climate, logger)
	}
	if cfg.SpeckleFilter {
		if s.Speckle, err = speckle.NewLeeFilter(cfg.KernelSize, cfg.ENL); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// PrepareOptical masks clouds and snow and computes the optical indices.
func (s *Stages) PrepareOptical(ctx context.Context, rec domain.AcquisitionRecord) (domain.AcquisitionRecord, error) {
	masked, err := s.Mask.Apply(rec.Raster)
	if err != nil {
		return domain.AcquisitionRecord{}, fmt.Errorf("optical %s: %w", rec.ID, err)
	}
	out, err := s.Optical.Apply(ctx, masked)
	if err != nil {
		return domain.AcquisitionRecord{}, fmt.Errorf("optical %s: %w", rec.ID, err)
	}
	return rec.WithRaster(out), nil
}

// AttachWeather adds the climate covariate bands when a climate source is configured.
func (s *Stages) AttachWeather(ctx context.Context, rec domain.AcquisitionRecord) (domain.AcquisitionRecord, error) {
	if s.Weather == nil {
		return rec, nil
	}
	return s.Weather.Attach(ctx, rec)
}

// Bands returns the fixed band set every finished record carries: VV and
// VH, the radar indices, DEM, slope and LIA, the climate covariates when a
// climate source is configured, then the optical indices and parameters.
// Inputs not in the set, such as a per-pixel angle or raw reflectance, are
// dropped and members an acquisition cannot supply are null.
func (s *Stages) Bands() []string {
	bands := s.Radar.Outputs()
	bands = append(bands, domain.BandElevation, domain.BandSlope, domain.BandLIA)
	if s.Weather != nil {
		bands = append(bands, weather.Bands...)
	}
	for _, name := range s.Optical.Outputs() {
		if !slices.Contains(bands, name) {
			bands = append(bands, name)
		}
	}
	return bands
}

// FinishRadar adds terrain bands and the local incidence angle to a joined
// radar record, filters speckle, derives the radar indices and projects the
// result onto Bands.
func (s *Stages) FinishRadar(rec domain.JoinedRecord, products []*domain.Raster) (domain.JoinedRecord, error) {
	withTerrain, err := attachTerrain(rec.AcquisitionRecord, products)
	if err != nil {
		return domain.JoinedRecord{}, fmt.Errorf("terrain for %s: %w", rec.ID, err)
	}

	r := withTerrain.Raster
	if s.Speckle != nil {
		if r, err = s.Speckle.Apply(r); err != nil {
			return domain.JoinedRecord{}, fmt.Errorf("radar %s: %w", rec.ID, err)
		}
	}
	if r, err = s.Radar.Apply(r); err != nil {
		return domain.JoinedRecord{}, fmt.Errorf("radar %s: %w", rec.ID, err)
	}

	rec.AcquisitionRecord = withTerrain.WithRaster(r.Project(s.Bands()...))
	return rec, nil
}

func attachTerrain(rec domain.AcquisitionRecord, products []*domain.Raster) (domain.AcquisitionRecord, error) {
	g := rec.Raster.Grid
	ter := composite.Overlay(g, products, terrainBands)

	lia, err := terrain.LocalIncidenceAngle(viewGeometry(rec), rec.Raster, ter)
	if err != nil {
		return domain.AcquisitionRecord{}, err
	}

	out := rec.Raster.Select(rec.Raster.BandNames()...)
	for _, name := range []string{domain.BandElevation, domain.BandSlope} {
		b, _ := ter.Band(name)
		if err := out.SetBand(name, b); err != nil {
			return domain.AcquisitionRecord{}, err
		}
	}
	if err := out.SetBand(domain.BandLIA, lia); err != nil {
		return domain.AcquisitionRecord{}, err
	}
	return rec.WithRaster(out), nil
}

func viewGeometry(rec domain.AcquisitionRecord) terrain.ViewGeometry {
	v := terrain.ViewGeometry{IncidenceDeg: domain.Null()}
	if inc, ok := rec.Property(domain.PropIncidence); ok {
		v.IncidenceDeg = inc
	}
	v.HeadingDeg, _ = rec.Property(domain.PropHeading)
	if left, ok := rec.Property(domain.PropLeftLooking); ok && left != 0 {
		v.LeftLooking = true
	}
	return v
}
