package geo

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// FromGeoJSON converts a decoded GeoJSON geometry to a polygon. A
// MultiPolygon with exactly one member is accepted; anything else returns
// ErrUnsupportedGeometry.
func FromGeoJSON(g *geojson.Geometry) (Polygon, error) {
	if g == nil {
		return nil, fmt.Errorf("geometry is nil: %w", ErrUnsupportedGeometry)
	}
	return FromOrb(g.Geometry())
}

// FromOrb converts an orb geometry to a polygon with the same rules as
// FromGeoJSON.
func FromOrb(g orb.Geometry) (Polygon, error) {
	var poly Polygon
	switch v := g.(type) {
	case orb.Polygon:
		poly = Polygon(v)
	case orb.MultiPolygon:
		if len(v) != 1 {
			return nil, fmt.Errorf("multipolygon with %d members: %w", len(v), ErrUnsupportedGeometry)
		}
		poly = Polygon(v[0])
	case orb.Bound:
		poly = Rect(v)
	case nil:
		return nil, fmt.Errorf("geometry is nil: %w", ErrUnsupportedGeometry)
	default:
		return nil, fmt.Errorf("geometry type %q: %w", g.GeoJSONType(), ErrUnsupportedGeometry)
	}
	if poly.IsEmpty() {
		return nil, fmt.Errorf("polygon has fewer than 3 exterior vertices: %w", ErrUnsupportedGeometry)
	}
	return poly, nil
}

// NewPolygonGeometry encodes a polygon as a GeoJSON geometry.
func NewPolygonGeometry(p Polygon) *geojson.Geometry {
	return geojson.NewGeometry(orb.Polygon(p))
}

// NewFeature wraps a polygon in a GeoJSON feature with the given id.
func NewFeature(id string, p Polygon, properties map[string]any) *geojson.Feature {
	f := geojson.NewFeature(orb.Polygon(p))
	f.ID = id
	for k, v := range properties {
		f.Properties[k] = v
	}
	return f
}
