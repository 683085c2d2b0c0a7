// Package overlay publishes rendered rasters as image layers on a map and
// keeps the currently selected overlay.
package overlay

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
)

// LayerID identifies a layer on a Map.
type LayerID string

// ImageResource is an encoded overlay image.
type ImageResource struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Map is the map display the overlays are drawn on.
type Map interface {
	// AddImageOverlay stretches res over bounds and returns its layer.
	AddImageOverlay(res ImageResource, bounds orb.Bound, opacity float64) LayerID
	// RemoveLayer removes a layer. Unknown ids are ignored.
	RemoveLayer(id LayerID)
}

// Layer is an image layer held by a LayerSet.
type Layer struct {
	ID       LayerID
	Resource ImageResource
	Bounds   orb.Bound
	Opacity  float64
	Added    time.Time
}

// LayerInfo describes a layer without its image bytes.
type LayerInfo struct {
	ID          LayerID       `json:"id"`
	ContentType string        `json:"content_type"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	Bounds      [2][2]float64 `json:"bounds"`
	Opacity     float64       `json:"opacity"`
	Added       time.Time     `json:"added"`
}

// LayerSet is an in-memory Map served to browser clients.
type LayerSet struct {
	mu     sync.RWMutex
	layers map[LayerID]*Layer
	active prometheus.Gauge
}

// NewLayerSet creates an empty LayerSet. active, if not nil, tracks the
// layer count.
func NewLayerSet(active prometheus.Gauge) *LayerSet {
	return &LayerSet{
		layers: make(map[LayerID]*Layer),
		active: active,
	}
}

func (s *LayerSet) AddImageOverlay(res ImageResource, bounds orb.Bound, opacity float64) LayerID {
	id := LayerID(uuid.NewString())
	s.mu.Lock()
	s.layers[id] = &Layer{
		ID:       id,
		Resource: res,
		Bounds:   bounds,
		Opacity:  opacity,
		Added:    time.Now(),
	}
	s.updateGauge()
	s.mu.Unlock()
	return id
}

func (s *LayerSet) RemoveLayer(id LayerID) {
	s.mu.Lock()
	delete(s.layers, id)
	s.updateGauge()
	s.mu.Unlock()
}

func (s *LayerSet) updateGauge() {
	if s.active != nil {
		s.active.Set(float64(len(s.layers)))
	}
}

// Get returns a copy of the layer id.
func (s *LayerSet) Get(id LayerID) (Layer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.layers[id]
	if !ok {
		return Layer{}, false
	}
	return *l, true
}

// Len returns the number of layers.
func (s *LayerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.layers)
}

// List returns the layers, oldest first.
func (s *LayerSet) List() []LayerInfo {
	s.mu.RLock()
	out := make([]LayerInfo, 0, len(s.layers))
	for _, l := range s.layers {
		out = append(out, l.Info())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Added.Equal(out[j].Added) {
			return out[i].ID < out[j].ID
		}
		return out[i].Added.Before(out[j].Added)
	})
	return out
}

// Info returns the layer metadata. Bounds are [[south, west], [north, east]]
// as the web map expects them.
func (l *Layer) Info() LayerInfo {
	return LayerInfo{
		ID:          l.ID,
		ContentType: l.Resource.ContentType,
		Width:       l.Resource.Width,
		Height:      l.Resource.Height,
		Bounds:      LatLngBounds(l.Bounds),
		Opacity:     l.Opacity,
		Added:       l.Added,
	}
}

// LatLngBounds converts b to [[south, west], [north, east]].
func LatLngBounds(b orb.Bound) [2][2]float64 {
	return [2][2]float64{{b.Min[1], b.Min[0]}, {b.Max[1], b.Max[0]}}
}
