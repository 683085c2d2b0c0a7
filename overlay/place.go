package overlay

import (
	"sync"

	"github.com/paulmach/orb"
)

// Handle is a placed overlay.
type Handle struct {
	m      Map
	id     LayerID
	bounds orb.Bound
	once   sync.Once
}

// ID returns the layer id.
func (h *Handle) ID() LayerID { return h.id }

// Bounds returns the placement bounds.
func (h *Handle) Bounds() orb.Bound { return h.bounds }

// Release removes the layer from its map. Calling it again does nothing.
func (h *Handle) Release() {
	h.once.Do(func() { h.m.RemoveLayer(h.id) })
}

// Place removes prior, if any, then adds res over bounds. At most one
// layer placed through a chain of Place calls is on m at any time.
func Place(m Map, prior *Handle, res ImageResource, bounds orb.Bound, opacity float64) *Handle {
	if prior != nil {
		prior.Release()
	}
	id := m.AddImageOverlay(res, bounds, opacity)
	return &Handle{m: m, id: id, bounds: bounds}
}
