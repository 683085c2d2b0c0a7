// Package raster holds decoded single-band rasters and turns them into
// colour-mapped pixel buffers.
package raster

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// NoDataSentinel marks a sample without a valid measurement.
const NoDataSentinel = -9999.0

// Statistics describes the valid samples of a dataset.
type Statistics struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Count int     `json:"count"`
}

// Dataset is a decoded single-band raster georeferenced to a lon/lat bound.
// Samples are row-major and never modified after construction.
type Dataset struct {
	width, height int
	samples       []float64
	bound         orb.Bound
	stats         Statistics
	noData        []float64
	source        string
}

// Option configures a Dataset.
type Option func(*Dataset)

// WithNoData declares an additional no-data value on top of NaN and
// NoDataSentinel, typically read from the file's GDAL_NODATA tag.
func WithNoData(v float64) Option {
	return func(d *Dataset) {
		if !math.IsNaN(v) && v != NoDataSentinel {
			d.noData = append(d.noData, v)
		}
	}
}

// WithSource records where the dataset was loaded from.
func WithSource(source string) Option {
	return func(d *Dataset) { d.source = source }
}

// NewDataset validates the raster geometry and computes statistics in a
// single pass over samples.
func NewDataset(width, height int, samples []float64, bound orb.Bound, opts ...Option) (*Dataset, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid raster size %dx%d", width, height)
	}
	if len(samples) != width*height {
		return nil, fmt.Errorf("raster has %d samples, want %d for %dx%d", len(samples), width*height, width, height)
	}
	if bound.Min[0] > bound.Max[0] || bound.Min[1] > bound.Max[1] {
		return nil, fmt.Errorf("invalid bounding box %v", bound)
	}

	d := &Dataset{
		width:   width,
		height:  height,
		samples: samples,
		bound:   bound,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.stats = d.computeStatistics()
	return d, nil
}

func (d *Dataset) computeStatistics() Statistics {
	var s Statistics
	minV, maxV, sum := math.Inf(1), math.Inf(-1), 0.0
	for _, v := range d.samples {
		if d.IsNoData(v) {
			continue
		}
		s.Count++
		sum += v
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	if s.Count == 0 {
		return s
	}
	s.Min, s.Max, s.Mean = minV, maxV, sum/float64(s.Count)
	return s
}

// IsNoData reports whether v is not finite, the sentinel, or a declared
// no-data value.
func (d *Dataset) IsNoData(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) || v == NoDataSentinel {
		return true
	}
	for _, nd := range d.noData {
		if v == nd {
			return true
		}
	}
	return false
}

// Statistics returns the statistics over valid samples, or ErrEmptyDataset
// when there are none.
func (d *Dataset) Statistics() (Statistics, error) {
	if d.stats.Count == 0 {
		return d.stats, ErrEmptyDataset
	}
	return d.stats, nil
}

// Normalize rescales v to [0,1] against the dataset min and max. A flat
// dataset normalises everything to 0.
func (d *Dataset) Normalize(v float64) float64 {
	span := d.stats.Max - d.stats.Min
	if d.stats.Count == 0 || span <= 0 {
		return 0
	}
	n := (v - d.stats.Min) / span
	switch {
	case !(n > 0): // NaN too
		return 0
	case n > 1:
		return 1
	}
	return n
}

func (d *Dataset) Width() int       { return d.width }
func (d *Dataset) Height() int      { return d.height }
func (d *Dataset) Bound() orb.Bound { return d.bound }
func (d *Dataset) Source() string   { return d.source }

// Sample returns the raw value at row-major index i.
func (d *Dataset) Sample(i int) float64 { return d.samples[i] }

// Len returns the number of samples.
func (d *Dataset) Len() int { return len(d.samples) }
