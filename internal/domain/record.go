package domain

import (
	"cmp"
	"maps"
	"slices"
	"time"

	"github.com/couchcryptid/mmts-etl/internal/geo"
)

// Band names shared across the pipeline stages.
const (
	BandVV        = "VV"
	BandVH        = "VH"
	BandAngle     = "angle"
	BandElevation = "DEM"
	BandSlope     = "slope"
	BandAspect    = "aspect"
	BandLIA       = "LIA"
	BandLandCover = "Map"
	BandLAI       = "LAI"
)

// Property keys carried on acquisition records.
const (
	PropCloudPercent = "cloud_percent"
	PropHeading      = "heading"
	PropIncidence    = "incidence"
	// PropLeftLooking is 1 for a left-looking radar, absent or 0 otherwise.
	PropLeftLooking = "left_looking"
)

// AcquisitionRecord is one acquisition: a raster, the footprint it covers and
// its capture time. It is the unit the joiner and the per-acquisition
// pipeline operate on.
type AcquisitionRecord struct {
	ID         string
	Raster     *Raster
	Footprint  geo.Polygon
	Time       time.Time
	Properties map[string]float64
}

// Property returns the named scalar property.
func (a AcquisitionRecord) Property(name string) (float64, bool) {
	v, ok := a.Properties[name]
	return v, ok
}

// WithRaster returns a copy of the record that points at r. Properties are copied
// so that the new record can be extended without touching the original.
func (a AcquisitionRecord) WithRaster(r *Raster) AcquisitionRecord {
	a.Raster = r
	a.Properties = maps.Clone(a.Properties)
	return a
}

// FootprintOrGrid returns the footprint, falling back to the raster extent.
func (a AcquisitionRecord) FootprintOrGrid() geo.Polygon {
	if !a.Footprint.IsEmpty() || a.Raster == nil {
		return a.Footprint
	}
	return a.Raster.Grid.Footprint()
}

// SortSeries orders records by time, then ID, in place.
func SortSeries(recs []AcquisitionRecord) {
	slices.SortStableFunc(recs, func(a, b AcquisitionRecord) int {
		if c := a.Time.Compare(b.Time); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// JoinedRecord is a radar acquisition extended with bands composited from the
// optical acquisitions that matched it. MatchCount is always > 0.
type JoinedRecord struct {
	AcquisitionRecord
	MatchCount int
}

// Region is a sample polygon with scalar attributes.
type Region struct {
	ID         string
	Geometry   geo.Polygon
	Attributes map[string]float64
}

// UniformAttributes returns copies of regions that all carry the union of
// their attribute names. Attributes a region lacks are null.
func UniformAttributes(regions []Region) []Region {
	names := map[string]struct{}{}
	for _, r := range regions {
		for k := range r.Attributes {
			names[k] = struct{}{}
		}
	}
	out := make([]Region, len(regions))
	for i, r := range regions {
		attrs := make(map[string]float64, len(names))
		for k := range names {
			v, ok := r.Attributes[k]
			if !ok {
				v = Null()
			}
			attrs[k] = v
		}
		r.Attributes = attrs
		out[i] = r
	}
	return out
}

// AggregatedRow holds the regional mean of every retained band for one
// (region, acquisition) pair. Null means are NaN.
type AggregatedRow struct {
	RegionID      string             `json:"region_id"`
	AcquisitionID string             `json:"acquisition_id"`
	Time          time.Time          `json:"time"`
	MatchCount    int                `json:"match_count"`
	Attributes    map[string]float64 `json:"attributes,omitempty"`
	Values        map[string]float64 `json:"-"`
}

// Value returns the mean of the named band. ok is false when the band is
// absent or null.
func (r AggregatedRow) Value(band string) (float64, bool) {
	v, present := r.Values[band]
	if !present || IsNull(v) {
		return Null(), false
	}
	return v, true
}

// BandNames returns the row's band names sorted.
func (r AggregatedRow) BandNames() []string {
	return slices.Sorted(maps.Keys(r.Values))
}
