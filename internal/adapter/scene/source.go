package scene

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/couchcryptid/mmts-etl/internal/domain"
	"github.com/couchcryptid/mmts-etl/internal/geo"
	"github.com/couchcryptid/mmts-etl/internal/pipeline"
	"github.com/couchcryptid/mmts-etl/internal/terrain"
	"github.com/couchcryptid/mmts-etl/internal/weather"
	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
)

const kelvin = 273.15

// Source implements pipeline.Extractor and weather.ClimateSource over a
// decoded manifest.
type Source struct {
	manifest Manifest
	climate  []weather.Sample
	logger   *slog.Logger
}

// Open reads and decodes the manifest at path.
func Open(path string, logger *slog.Logger) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scene: %w", err)
	}
	defer f.Close()
	return Decode(f, logger)
}

// Decode reads a manifest from r.
func Decode(r io.Reader, logger *slog.Logger) (*Source, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode scene: %w", err)
	}
	return NewSource(m, logger), nil
}

// NewSource wraps an already decoded manifest.
func NewSource(m Manifest, logger *slog.Logger) *Source {
	s := &Source{manifest: m, logger: logger}
	for _, c := range m.Climate {
		sample := weather.Sample{Time: c.Time.UTC(), PrecipitationMM: domain.Null(), TemperatureC: domain.Null()}
		if c.PrecipitationM != nil {
			sample.PrecipitationMM = *c.PrecipitationM * 1000
		}
		if c.TemperatureK != nil {
			sample.TemperatureC = *c.TemperatureK - kelvin
		}
		s.climate = append(s.climate, sample)
	}
	slices.SortStableFunc(s.climate, func(a, b weather.Sample) int { return a.Time.Compare(b.Time) })
	return s
}

// Extract decodes every layer of the manifest.
func (s *Source) Extract(ctx context.Context) (*pipeline.Scene, error) {
	m := s.manifest
	area, err := geo.FromGeoJSON(m.StudyArea)
	if err != nil {
		return nil, fmt.Errorf("study area: %w", err)
	}
	out := &pipeline.Scene{StudyArea: area}

	for _, l := range m.Terrain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := l.Record()
		if err != nil {
			return nil, fmt.Errorf("terrain: %w", err)
		}
		out.Terrain = append(out.Terrain, terrain.Tile{ID: rec.ID, Raster: rec.Raster, Footprint: rec.Footprint})
	}
	if out.Radar, err = records(ctx, m.Radar); err != nil {
		return nil, fmt.Errorf("radar: %w", err)
	}
	if out.Optical, err = records(ctx, m.Optical); err != nil {
		return nil, fmt.Errorf("optical: %w", err)
	}
	if m.LandCover != nil {
		if out.LandCover, err = m.LandCover.Raster(); err != nil {
			return nil, fmt.Errorf("land cover: %w", err)
		}
	}
	if m.Regions != nil {
		if out.Regions, err = regions(m.Regions); err != nil {
			return nil, fmt.Errorf("regions: %w", err)
		}
	}

	s.logger.Info("scene loaded",
		"terrain_tiles", len(out.Terrain),
		"radar", len(out.Radar),
		"optical", len(out.Optical),
		"regions", len(out.Regions),
		"climate_samples", len(s.climate),
	)
	return out, nil
}

// Hourly returns the embedded climate samples with from < Time <= to. The
// series covers the whole study area, so area is ignored.
func (s *Source) Hourly(_ context.Context, _ geo.Polygon, from, to time.Time) ([]weather.Sample, error) {
	var out []weather.Sample
	for _, c := range s.climate {
		if c.Time.After(from) && !c.Time.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func records(ctx context.Context, layers []Layer) ([]domain.AcquisitionRecord, error) {
	out := make([]domain.AcquisitionRecord, 0, len(layers))
	for _, l := range layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := l.Record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	domain.SortSeries(out)
	return out, nil
}

// regions converts features to regions. Numeric properties become
// attributes; features without an id get a random one.
func regions(fc *geojson.FeatureCollection) ([]domain.Region, error) {
	out := make([]domain.Region, 0, len(fc.Features))
	for i, f := range fc.Features {
		poly, err := geo.FromOrb(f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		id := uuid.NewString()
		if f.ID != nil {
			id = fmt.Sprint(f.ID)
		}
		attrs := make(map[string]float64)
		for k, v := range f.Properties {
			if n, ok := v.(float64); ok {
				attrs[k] = n
			}
		}
		out = append(out, domain.Region{ID: id, Geometry: poly, Attributes: attrs})
	}
	return out, nil
}
