// Package weather attaches trailing-window climate covariates to acquisitions.
package weather

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/couchcryptid/mmts-etl/internal/domain"
	"github.com/couchcryptid/mmts-etl/internal/geo"
)

// Covariate band names.
const (
	BandPrecipitation12h     = "precipitation12hours"
	BandTemperature          = "temperature"
	BandPrecipitationCurrent = "precipitationCurrent"
)

// Bands lists the covariate bands in the order Attach adds them.
var Bands = []string{BandPrecipitation12h, BandTemperature, BandPrecipitationCurrent}

const (
	// Lookback is how far before the acquisition precipitation is summed.
	Lookback = 12 * time.Hour
	// Lookahead covers the sensing duration after the acquisition start.
	Lookahead = time.Hour
)

// Sample is one hourly climate observation. Missing values are null.
type Sample struct {
	Time            time.Time `json:"time"`
	PrecipitationMM float64   `json:"precipitation_mm"`
	TemperatureC    float64   `json:"temperature_c"`
}

// ClimateSource returns hourly samples for an area with from < Time <= to.
type ClimateSource interface {
	Hourly(ctx context.Context, area geo.Polygon, from, to time.Time) ([]Sample, error)
}

// Covariates holds the three climate values for one acquisition.
type Covariates struct {
	Precipitation12h     float64
	Temperature          float64
	PrecipitationCurrent float64
}

// Compute derives the covariates at t from samples. Samples outside
// (t−12h, t+1h] are ignored. The precipitation sum skips null samples and is
// null when none remain. Temperature and current precipitation come from the
// first sample at or after t.
func Compute(samples []Sample, t time.Time) Covariates {
	from, to := t.Add(-Lookback), t.Add(Lookahead)

	in := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if s.Time.After(from) && !s.Time.After(to) {
			in = append(in, s)
		}
	}
	slices.SortStableFunc(in, func(a, b Sample) int { return a.Time.Compare(b.Time) })

	cov := Covariates{
		Precipitation12h:     domain.Null(),
		Temperature:          domain.Null(),
		PrecipitationCurrent: domain.Null(),
	}
	for _, s := range in {
		if domain.IsNull(s.PrecipitationMM) {
			continue
		}
		if domain.IsNull(cov.Precipitation12h) {
			cov.Precipitation12h = 0
		}
		cov.Precipitation12h += s.PrecipitationMM
	}
	if i := slices.IndexFunc(in, func(s Sample) bool { return !s.Time.Before(t) }); i >= 0 {
		cov.Temperature = in[i].TemperatureC
		cov.PrecipitationCurrent = in[i].PrecipitationMM
	}
	return cov
}

// Attacher adds the covariates to acquisitions as constant bands.
type Attacher struct {
	source ClimateSource
	logger *slog.Logger
}

// NewAttacher creates an Attacher backed by source.
func NewAttacher(source ClimateSource, logger *slog.Logger) *Attacher {
	return &Attacher{source: source, logger: logger}
}

// Attach returns a copy of rec with the three covariate bands broadcast over
// its grid.
func (a *Attacher) Attach(ctx context.Context, rec domain.AcquisitionRecord) (domain.AcquisitionRecord, error) {
	samples, err := a.source.Hourly(ctx, rec.FootprintOrGrid(), rec.Time.Add(-Lookback), rec.Time.Add(Lookahead))
	if err != nil {
		return domain.AcquisitionRecord{}, fmt.Errorf("climate for %s: %w", rec.ID, err)
	}
	cov := Compute(samples, rec.Time)
	if domain.IsNull(cov.Temperature) {
		a.logger.Debug("no climate sample at acquisition time", "acquisition_id", rec.ID, "time", rec.Time)
	}

	g := rec.Raster.Grid
	out := rec.Raster.Select(rec.Raster.BandNames()...)
	for _, b := range []struct {
		name string
		v    float64
	}{
		{BandPrecipitation12h, cov.Precipitation12h},
		{BandTemperature, cov.Temperature},
		{BandPrecipitationCurrent, cov.PrecipitationCurrent},
	} {
		if err := out.SetBand(b.name, domain.NewBand(g, b.v)); err != nil {
			return domain.AcquisitionRecord{}, err
		}
	}
	return rec.WithRaster(out), nil
}
