package raster

import (
	"math"

	"github.com/paulmach/orb"
)

// Value is the result of a point query.
type Value struct {
	Point  orb.Point `json:"-"`
	PixelX int       `json:"pixel_x"`
	PixelY int       `json:"pixel_y"`
	Value  float64   `json:"value"`
}

// PixelAt converts a lon/lat point to pixel coordinates. Rows run top to
// bottom, so Y is measured down from the northern edge.
func (d *Dataset) PixelAt(p orb.Point) (int, int, error) {
	dx := d.bound.Max[0] - d.bound.Min[0]
	dy := d.bound.Max[1] - d.bound.Min[1]
	if dx <= 0 || dy <= 0 || math.IsNaN(p[0]) || math.IsNaN(p[1]) {
		return 0, 0, ErrOutOfBounds
	}

	fx := math.Floor((p[0] - d.bound.Min[0]) / dx * float64(d.width))
	fy := math.Floor((d.bound.Max[1] - p[1]) / dy * float64(d.height))
	if fx < 0 || fx >= float64(d.width) || fy < 0 || fy >= float64(d.height) {
		return 0, 0, ErrOutOfBounds
	}
	return int(fx), int(fy), nil
}

// PixelCenter returns the lon/lat of the centre of pixel (x, y).
func (d *Dataset) PixelCenter(x, y int) orb.Point {
	dx := d.bound.Max[0] - d.bound.Min[0]
	dy := d.bound.Max[1] - d.bound.Min[1]
	return orb.Point{
		d.bound.Min[0] + (float64(x)+0.5)/float64(d.width)*dx,
		d.bound.Max[1] - (float64(y)+0.5)/float64(d.height)*dy,
	}
}

// ValueAt returns the raw sample under p. Points outside the raster return
// ErrOutOfBounds and no-data pixels ErrNoData, both matching ErrNotFound.
func (d *Dataset) ValueAt(p orb.Point) (Value, error) {
	x, y, err := d.PixelAt(p)
	if err != nil {
		return Value{}, err
	}
	v := d.samples[y*d.width+x]
	if d.IsNoData(v) {
		return Value{}, ErrNoData
	}
	return Value{Point: p, PixelX: x, PixelY: y, Value: v}, nil
}
