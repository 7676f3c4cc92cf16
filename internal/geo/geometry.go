// Package geo provides the planar geometry used for footprints, tiles and
// sample regions on top of orb: points, bounding boxes and polygons with
// holes.
//
// Coordinates are (X, Y) in the units of the reference grid. Polygons follow
// GeoJSON ring order: the first ring is the exterior, any further rings are
// holes. Rings may be open or closed.
package geo

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// ErrUnsupportedGeometry is returned when a geometry cannot be used as a polygon.
var ErrUnsupportedGeometry = errors.New("unsupported geometry")

// Point is a planar coordinate.
type Point = orb.Point

// BBox is an axis-aligned bounding box.
type BBox = orb.Bound

// Box returns the bounding box with the given corners.
func Box(minX, minY, maxX, maxY float64) BBox {
	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
}

// BoxDistance returns the gap between two boxes, 0 when they intersect.
func BoxDistance(a, b BBox) float64 {
	dx := math.Max(0, math.Max(b.Min.X()-a.Max.X(), a.Min.X()-b.Max.X()))
	dy := math.Max(0, math.Max(b.Min.Y()-a.Max.Y(), a.Min.Y()-b.Max.Y()))
	return math.Hypot(dx, dy)
}

// Polygon is a list of rings, exterior first.
type Polygon orb.Polygon

// Rect returns the rectangular polygon covering b.
func Rect(b BBox) Polygon {
	return Polygon(b.ToPolygon())
}

// Square returns the axis-aligned square of side 2*half centred on c.
func Square(c Point, half float64) Polygon {
	return Rect(Box(c.X()-half, c.Y()-half, c.X()+half, c.Y()+half))
}

// IsEmpty reports whether the polygon has no usable exterior ring.
func (p Polygon) IsEmpty() bool {
	return len(p) == 0 || len(ringVertices(p[0])) < 3
}

// BBox returns the bounds of the exterior ring.
func (p Polygon) BBox() BBox {
	return orb.Polygon(p).Bound()
}

// Area returns the unsigned area of the exterior ring minus its holes.
func (p Polygon) Area() float64 {
	if p.IsEmpty() {
		return 0
	}
	_, area := planar.CentroidArea(orb.Polygon(p))
	return area
}

// Centroid returns the area-weighted centroid, or the bounding-box centre
// for degenerate polygons.
func (p Polygon) Centroid() Point {
	if p.IsEmpty() {
		return p.BBox().Center()
	}
	c, area := planar.CentroidArea(orb.Polygon(p))
	if area == 0 {
		return p.BBox().Center()
	}
	return c
}

// Contains reports whether pt lies inside the exterior ring and outside
// every hole. Points on a ring boundary belong to that ring.
func (p Polygon) Contains(pt Point) bool {
	if p.IsEmpty() {
		return false
	}
	return planar.PolygonContains(orb.Polygon(p), pt)
}

// Intersects reports whether the two polygons share any point.
func (p Polygon) Intersects(o Polygon) bool {
	if p.IsEmpty() || o.IsEmpty() || !p.BBox().Intersects(o.BBox()) {
		return false
	}
	for _, a := range edges(p) {
		for _, b := range edges(o) {
			if segmentsIntersect(a[0], a[1], b[0], b[1]) {
				return true
			}
		}
	}
	// No boundary crossings: one polygon lies entirely inside the other.
	return p.Contains(o[0][0]) || o.Contains(p[0][0])
}

// Distance returns the minimum distance between the polygons, 0 when they intersect.
func (p Polygon) Distance(o Polygon) float64 {
	if p.Intersects(o) {
		return 0
	}
	best := math.Inf(1)
	for _, a := range edges(p) {
		for _, b := range edges(o) {
			best = math.Min(best, segmentDistance(a[0], a[1], b[0], b[1]))
		}
	}
	return best
}

// ringVertices drops the closing vertex if the ring is closed.
func ringVertices(ring orb.Ring) orb.Ring {
	if ring.Closed() && len(ring) > 1 {
		return ring[:len(ring)-1]
	}
	return ring
}

func edges(p Polygon) [][2]Point {
	var out [][2]Point
	for _, ring := range p {
		v := ringVertices(ring)
		for i := range v {
			out = append(out, [2]Point{v[i], v[(i+1)%len(v)]})
		}
	}
	return out
}

func cross(o, a, b Point) float64 {
	return (a.X()-o.X())*(b.Y()-o.Y()) - (a.Y()-o.Y())*(b.X()-o.X())
}

func onSegment(a, b, p Point) bool {
	return orb.MultiPoint{a, b}.Bound().Contains(p)
}

func segmentsIntersect(p1, p2, q1, q2 Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	switch {
	case d1 == 0 && onSegment(q1, q2, p1):
		return true
	case d2 == 0 && onSegment(q1, q2, p2):
		return true
	case d3 == 0 && onSegment(p1, p2, q1):
		return true
	case d4 == 0 && onSegment(p1, p2, q2):
		return true
	}
	return false
}

func segmentDistance(p1, p2, q1, q2 Point) float64 {
	if segmentsIntersect(p1, p2, q1, q2) {
		return 0
	}
	return math.Min(
		math.Min(planar.DistanceFromSegment(q1, q2, p1), planar.DistanceFromSegment(q1, q2, p2)),
		math.Min(planar.DistanceFromSegment(p1, p2, q1), planar.DistanceFromSegment(p1, p2, q2)),
	)
}
