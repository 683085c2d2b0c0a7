// Package boundary reads the vector outline of a farming zone. Its bounding
// box anchors raster overlays; its polygons can optionally clip them.
package boundary

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ErrEmpty is returned for a collection without any geometry.
var ErrEmpty = errors.New("boundary has no geometry")

// Boundary is a parsed GeoJSON FeatureCollection.
type Boundary struct {
	polygons []orb.Polygon
	bound    orb.Bound
	features int
}

// Parse reads a GeoJSON FeatureCollection.
func Parse(data []byte) (*Boundary, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse boundary geojson: %w", err)
	}
	return FromFeatureCollection(fc)
}

// FromFeatureCollection collects the aggregate bounding box of every feature
// and keeps Polygon and MultiPolygon geometries for containment tests.
func FromFeatureCollection(fc *geojson.FeatureCollection) (*Boundary, error) {
	b := &Boundary{}
	first := true
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		if first {
			b.bound = f.Geometry.Bound()
			first = false
		} else {
			b.bound = b.bound.Union(f.Geometry.Bound())
		}
		b.features++

		switch g := f.Geometry.(type) {
		case orb.Polygon:
			b.polygons = append(b.polygons, g)
		case orb.MultiPolygon:
			b.polygons = append(b.polygons, g...)
		}
	}
	if first {
		return nil, ErrEmpty
	}
	return b, nil
}

// Bound returns the min/max lon/lat across all coordinates of all features.
func (b *Boundary) Bound() orb.Bound { return b.bound }

// Features returns the number of features holding a geometry.
func (b *Boundary) Features() int { return b.features }

// Polygons returns the polygons used by Contains.
func (b *Boundary) Polygons() []orb.Polygon { return b.polygons }

// Contains reports whether p lies inside the outer ring of any polygon
// and outside that polygon's holes.
func (b *Boundary) Contains(p orb.Point) bool {
	for _, poly := range b.polygons {
		if PolygonContains(poly, p) {
			return true
		}
	}
	return false
}

// PolygonContains tests p against the outer ring and the holes of poly.
func PolygonContains(poly orb.Polygon, p orb.Point) bool {
	if len(poly) == 0 || !RingContains(poly[0], p) {
		return false
	}
	for _, hole := range poly[1:] {
		if RingContains(hole, p) {
			return false
		}
	}
	return true
}

// RingContains is an even-odd ray casting test: a horizontal ray from p
// crosses the ring an odd number of times when p is inside. Points exactly
// on an edge may land on either side.
func RingContains(ring orb.Ring, p orb.Point) bool {
	x, y := p[0], p[1]
	inside := false
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}
