// Package scene reads a JSON scene manifest: the study area, elevation tiles,
// radar and optical acquisitions, land cover, optional regions and an hourly
// climate series for the area. Geometries are GeoJSON. Bands are row-major
// arrays whose null entries are no-data samples.
package scene

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/couchcryptid/mmts-etl/internal/domain"
	"github.com/couchcryptid/mmts-etl/internal/geo"
	"github.com/paulmach/orb/geojson"
	"gonum.org/v1/gonum/mat"
)

// Manifest is the on-disk scene document.
type Manifest struct {
	StudyArea *geojson.Geometry          `json:"study_area"`
	Terrain   []Layer                    `json:"terrain"`
	Radar     []Layer                    `json:"radar"`
	Optical   []Layer                    `json:"optical"`
	LandCover *Layer                     `json:"land_cover,omitempty"`
	Regions   *geojson.FeatureCollection `json:"regions,omitempty"`
	Climate   []ClimateSample            `json:"climate,omitempty"`
}

// Layer is one raster with its metadata.
type Layer struct {
	ID         string                `json:"id"`
	Time       time.Time             `json:"time,omitzero"`
	Grid       domain.Grid           `json:"grid"`
	Footprint  *geojson.Geometry     `json:"footprint,omitempty"`
	Properties map[string]float64    `json:"properties,omitempty"`
	Bands      map[string][]*float64 `json:"bands"`
	// BandOrder fixes band order; bands not listed follow in name order.
	BandOrder []string `json:"band_order,omitempty"`
}

// ClimateSample is one hourly observation. Precipitation is in metres and
// temperature in kelvin, as ERA5-Land publishes them.
type ClimateSample struct {
	Time           time.Time `json:"time"`
	PrecipitationM *float64  `json:"total_precipitation"`
	TemperatureK   *float64  `json:"temperature_2m"`
}

// Record converts the layer to an acquisition record.
func (l Layer) Record() (domain.AcquisitionRecord, error) {
	r, err := l.Raster()
	if err != nil {
		return domain.AcquisitionRecord{}, err
	}
	rec := domain.AcquisitionRecord{ID: l.ID, Raster: r, Time: l.Time.UTC(), Properties: l.Properties}
	if l.Footprint != nil {
		if rec.Footprint, err = geo.FromGeoJSON(l.Footprint); err != nil {
			return domain.AcquisitionRecord{}, fmt.Errorf("layer %s footprint: %w", l.ID, err)
		}
	}
	return rec, nil
}

// Raster decodes the layer bands.
func (l Layer) Raster() (*domain.Raster, error) {
	if err := l.Grid.Validate(); err != nil {
		return nil, fmt.Errorf("layer %s: %w", l.ID, err)
	}
	r := domain.NewRaster(l.Grid, l.Time.UTC())
	for _, name := range l.bandNames() {
		values := l.Bands[name]
		if len(values) != l.Grid.Rows*l.Grid.Cols {
			return nil, fmt.Errorf("layer %s band %s: %d values for a %dx%d grid: %w",
				l.ID, name, len(values), l.Grid.Rows, l.Grid.Cols, domain.ErrGridMismatch)
		}
		data := make([]float64, len(values))
		for i, v := range values {
			if v == nil {
				data[i] = domain.Null()
			} else {
				data[i] = *v
			}
		}
		if err := r.SetBand(name, mat.NewDense(l.Grid.Rows, l.Grid.Cols, data)); err != nil {
			return nil, fmt.Errorf("layer %s band %s: %w", l.ID, name, err)
		}
	}
	return r, nil
}

func (l Layer) bandNames() []string {
	names := make([]string, 0, len(l.Bands))
	for _, name := range l.BandOrder {
		if _, ok := l.Bands[name]; ok {
			names = append(names, name)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(l.Bands)) {
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return names
}

// NewLayer encodes a raster as a layer. Empty footprints are omitted.
func NewLayer(id string, r *domain.Raster, footprint geo.Polygon, props map[string]float64) (Layer, error) {
	if err := r.Grid.Validate(); err != nil {
		return Layer{}, fmt.Errorf("layer %s: %w", id, err)
	}
	l := Layer{
		ID:         id,
		Time:       r.Time,
		Grid:       r.Grid,
		Properties: props,
		Bands:      make(map[string][]*float64),
		BandOrder:  r.BandNames(),
	}
	for _, name := range r.BandNames() {
		b, _ := r.Band(name)
		values := make([]*float64, 0, r.Grid.Rows*r.Grid.Cols)
		for i := range r.Grid.Rows {
			for j := range r.Grid.Cols {
				if v := b.At(i, j); !domain.IsNull(v) {
					values = append(values, &v)
				} else {
					values = append(values, nil)
				}
			}
		}
		l.Bands[name] = values
	}
	if !footprint.IsEmpty() {
		l.Footprint = geo.NewPolygonGeometry(footprint)
	}
	return l, nil
}
