package overlay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/akhenakh/farmit-overlay/boundary"
	"github.com/akhenakh/farmit-overlay/catalog"
	"github.com/akhenakh/farmit-overlay/encode"
	"github.com/akhenakh/farmit-overlay/raster"
)

var squareBound = orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{4, 4}}

// fakeLoader serves fixed datasets. A gated source blocks until its gate is
// closed, whatever happens to the caller's context.
type fakeLoader struct {
	mu         sync.Mutex
	datasets   map[string]*raster.Dataset
	boundaries map[string]*boundary.Boundary
	gates      map[string]chan struct{}
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		datasets:   make(map[string]*raster.Dataset),
		boundaries: make(map[string]*boundary.Boundary),
		gates:      make(map[string]chan struct{}),
	}
}

func (f *fakeLoader) gate(src string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[src] = ch
	return ch
}

func (f *fakeLoader) Load(ctx context.Context, src string) (*raster.Dataset, error) {
	f.mu.Lock()
	gate := f.gates[src]
	ds, ok := f.datasets[src]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if !ok {
		return nil, &raster.LoadError{Source: src, Err: errors.New("404 Not Found")}
	}
	return ds, nil
}

func (f *fakeLoader) LoadBoundary(ctx context.Context, src string) (*boundary.Boundary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boundaries[src]
	if !ok {
		return nil, &raster.LoadError{Source: src, Err: errors.New("404 Not Found")}
	}
	return b, nil
}

// recordingMap counts layer operations.
type recordingMap struct {
	next    int
	live    map[LayerID]bool
	added   int
	removed int
}

func (m *recordingMap) AddImageOverlay(res ImageResource, bounds orb.Bound, opacity float64) LayerID {
	if m.live == nil {
		m.live = make(map[LayerID]bool)
	}
	m.next++
	id := LayerID(fmt.Sprintf("layer-%d", m.next))
	m.live[id] = true
	m.added++
	return id
}

func (m *recordingMap) RemoveLayer(id LayerID) {
	if m.live[id] {
		delete(m.live, id)
		m.removed++
	}
}

func rampDataset(t *testing.T, offset float64) *raster.Dataset {
	t.Helper()
	samples := make([]float64, 16)
	for i := range samples {
		samples[i] = float64(i+1) + offset
	}
	ds, err := raster.NewDataset(4, 4, samples, squareBound)
	if err != nil {
		t.Fatalf("NewDataset() returned an unexpected error: %v", err)
	}
	return ds
}

type fixture struct {
	loader  *fakeLoader
	layers  *LayerSet
	metrics *Metrics
	slot    *Slot
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		loader:  newFakeLoader(),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	f.layers = NewLayerSet(f.metrics.ActiveLayers)
	f.loader.datasets["a.tif"] = rampDataset(t, 0)
	f.loader.datasets["b.tif"] = rampDataset(t, 100)
	f.slot = NewSlot(f.layers, f.loader, &encode.PNGEncoder{}, opts, nil, f.metrics)
	t.Cleanup(f.slot.Close)
	return f
}

func wait(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the selection outcome")
	}
	return Outcome{}
}

func TestPlace(t *testing.T) {
	m := &recordingMap{}
	res := ImageResource{ContentType: "image/png", Width: 4, Height: 4}

	first := Place(m, nil, res, squareBound, 0.8)
	if m.added != 1 || m.removed != 0 {
		t.Fatalf("first Place() added %d removed %d, want 1 and 0", m.added, m.removed)
	}

	second := Place(m, first, res, squareBound, 0.8)
	if m.added != 2 || m.removed != 1 {
		t.Fatalf("second Place() added %d removed %d, want 2 and 1", m.added, m.removed)
	}
	if len(m.live) != 1 || !m.live[second.ID()] {
		t.Errorf("live layers = %v, want only %s", m.live, second.ID())
	}

	// Releasing twice, or releasing an already replaced handle, is a no-op.
	first.Release()
	second.Release()
	second.Release()
	if m.removed != 2 || len(m.live) != 0 {
		t.Errorf("after Release() removed %d live %d, want 2 and 0", m.removed, len(m.live))
	}
}

func TestSelectPlacesOverlay(t *testing.T) {
	f := newFixture(t, Options{Opacity: 0.7})

	o := wait(t, f.slot.Select(context.Background(), catalog.Entry{Name: "a", URL: "a.tif"}))
	if !o.Applied || o.Err != nil {
		t.Fatalf("outcome = %+v, want applied", o)
	}

	snap := f.slot.State()
	if snap.State != Loaded || snap.Current == nil || snap.Current.Name != "a" {
		t.Fatalf("State() = %+v, want loaded with a", snap)
	}
	if snap.Stats == nil || snap.Stats.Min != 1 || snap.Stats.Max != 16 || snap.Stats.Count != 16 {
		t.Errorf("Stats = %+v, want min 1 max 16 count 16", snap.Stats)
	}

	layer, ok := f.layers.Get(snap.Layer)
	if !ok {
		t.Fatalf("layer %s not on the map", snap.Layer)
	}
	if layer.Bounds != squareBound || layer.Opacity != 0.7 || layer.Resource.ContentType != "image/png" {
		t.Errorf("layer = %+v", layer)
	}
	img, err := png.Decode(bytes.NewReader(layer.Resource.Data))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if got := color.NRGBAModel.Convert(img.At(0, 0)).(color.NRGBA); got != (color.NRGBA{R: 255, G: 255, B: 255, A: 200}) {
		t.Errorf("pixel 0 = %v, want pale pink", got)
	}
	if got := testutil.ToFloat64(f.metrics.ActiveLayers); got != 1 {
		t.Errorf("active layers = %f, want 1", got)
	}
}

func TestSelectLatestWins(t *testing.T) {
	f := newFixture(t, Options{})
	release := f.loader.gate("a.tif")

	first := f.slot.Select(context.Background(), catalog.Entry{Name: "a", URL: "a.tif"})
	if f.slot.State().State != Loading {
		t.Fatal("State() is not loading after Select()")
	}
	second := f.slot.Select(context.Background(), catalog.Entry{Name: "b", URL: "b.tif"})

	ob := wait(t, second)
	if !ob.Applied {
		t.Fatalf("second outcome = %+v, want applied", ob)
	}

	// A finishes after B and must be dropped.
	close(release)
	oa := wait(t, first)
	if oa.Applied || !errors.Is(oa.Err, ErrSuperseded) {
		t.Fatalf("first outcome = %+v, want superseded", oa)
	}
	if oa.Generation >= ob.Generation {
		t.Errorf("generations a=%d b=%d, want a < b", oa.Generation, ob.Generation)
	}

	snap := f.slot.State()
	if snap.Current == nil || snap.Current.Name != "b" {
		t.Errorf("current = %+v, want b", snap.Current)
	}
	if f.layers.Len() != 1 {
		t.Errorf("layers = %d, want 1", f.layers.Len())
	}
	v, err := f.slot.ValueAt(3.5, 0.5)
	if err != nil || v.Value != 101 {
		t.Errorf("ValueAt() = %+v, %v; want 101 from b", v, err)
	}
	if got := testutil.ToFloat64(f.metrics.Loads.WithLabelValues(outcomeStale)); got != 1 {
		t.Errorf("stale loads = %f, want 1", got)
	}
}

func TestSelectFailureKeepsPriorOverlay(t *testing.T) {
	f := newFixture(t, Options{})

	if o := wait(t, f.slot.Select(context.Background(), catalog.Entry{Name: "a", URL: "a.tif"})); !o.Applied {
		t.Fatalf("outcome = %+v, want applied", o)
	}
	prior := f.slot.State().Layer

	o := wait(t, f.slot.Select(context.Background(), catalog.Entry{Name: "gone", URL: "gone.tif"}))
	if o.Applied || !errors.Is(o.Err, raster.ErrLoad) {
		t.Fatalf("outcome = %+v, want a load error", o)
	}

	snap := f.slot.State()
	if snap.State != LoadError || snap.Error == "" {
		t.Errorf("State() = %+v, want load_error with a message", snap)
	}
	if snap.Layer != prior || f.layers.Len() != 1 {
		t.Errorf("layer = %s (%d on map), want prior %s kept", snap.Layer, f.layers.Len(), prior)
	}
	if _, err := f.slot.ValueAt(3.5, 0.5); err != nil {
		t.Errorf("ValueAt() on the prior dataset returned an error: %v", err)
	}

	// A boundary that fails to load fails the selection the same way.
	o = wait(t, f.slot.Select(context.Background(), catalog.Entry{Name: "b", URL: "b.tif", Boundary: "zone.geojson"}))
	if !errors.Is(o.Err, raster.ErrLoad) {
		t.Errorf("outcome = %+v, want a load error for the boundary", o)
	}
}

func TestCloseDropsPendingSelection(t *testing.T) {
	f := newFixture(t, Options{})

	if o := wait(t, f.slot.Select(context.Background(), catalog.Entry{Name: "a", URL: "a.tif"})); !o.Applied {
		t.Fatalf("outcome = %+v, want applied", o)
	}
	if o := wait(t, f.slot.Select(context.Background(), catalog.Entry{Name: "gone", URL: "gone.tif"})); o.Err == nil {
		t.Fatalf("outcome = %+v, want a load error", o)
	}

	gate := f.loader.gate("b.tif")
	pending := f.slot.Select(context.Background(), catalog.Entry{Name: "b", URL: "b.tif"})
	f.slot.Close()

	snap := f.slot.State()
	if snap.State != Loaded || snap.Error != "" || snap.Pending != "" {
		t.Errorf("State() after Close = %+v, want loaded without error or pending selection", snap)
	}
	if snap.Current == nil || snap.Current.Name != "a" {
		t.Errorf("current = %+v, want a", snap.Current)
	}

	close(gate)
	if o := wait(t, pending); !errors.Is(o.Err, ErrSuperseded) {
		t.Errorf("outcome = %+v, want ErrSuperseded", o)
	}
}

func TestSelectClipsToBoundary(t *testing.T) {
	f := newFixture(t, Options{ClipToBoundary: true})
	b, err := boundary.Parse([]byte(`{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},
"geometry":{"type":"Polygon","coordinates":[[[0,0],[4,0],[0,4],[0,0]]]}}]}`))
	if err != nil {
		t.Fatalf("boundary.Parse: %v", err)
	}
	f.loader.boundaries["zone.geojson"] = b

	o := wait(t, f.slot.Select(context.Background(), catalog.Entry{Name: "a", URL: "a.tif", Boundary: "zone.geojson"}))
	if !o.Applied {
		t.Fatalf("outcome = %+v, want applied", o)
	}
	layer, _ := f.layers.Get(f.slot.State().Layer)
	img, err := png.Decode(bytes.NewReader(layer.Resource.Data))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if _, _, _, a := img.At(3, 0).RGBA(); a != 0 {
		t.Errorf("north-east pixel alpha = %d, want 0", a)
	}
	if _, _, _, a := img.At(0, 3).RGBA(); a>>8 != 200 {
		t.Errorf("south-west pixel alpha = %d, want 200", a>>8)
	}
}

func TestClear(t *testing.T) {
	f := newFixture(t, Options{})
	if o := wait(t, f.slot.Select(context.Background(), catalog.Entry{Name: "a", URL: "a.tif"})); !o.Applied {
		t.Fatalf("outcome = %+v, want applied", o)
	}

	release := f.loader.gate("b.tif")
	pending := f.slot.Select(context.Background(), catalog.Entry{Name: "b", URL: "b.tif"})
	f.slot.Clear()
	close(release)

	if o := wait(t, pending); o.Applied {
		t.Errorf("outcome after Clear() = %+v, want discarded", o)
	}
	snap := f.slot.State()
	if snap.State != Unloaded || snap.Layer != "" || snap.Current != nil {
		t.Errorf("State() = %+v, want unloaded", snap)
	}
	if f.layers.Len() != 0 {
		t.Errorf("layers = %d, want 0", f.layers.Len())
	}
	if _, err := f.slot.ValueAt(3.5, 0.5); !errors.Is(err, ErrNoDataset) {
		t.Errorf("ValueAt() error = %v, want ErrNoDataset", err)
	}
}

func TestValueAt(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.slot.ValueAt(1, 1); !errors.Is(err, ErrNoDataset) {
		t.Fatalf("ValueAt() before any selection error = %v, want ErrNoDataset", err)
	}
	wait(t, f.slot.Select(context.Background(), catalog.Entry{Name: "a", URL: "a.tif"}))

	testCases := []struct {
		name    string
		lat     float64
		lon     float64
		want    float64
		pixelX  int
		pixelY  int
		wantErr error
	}{
		{name: "north-west", lat: 3.5, lon: 0.5, want: 1, pixelX: 0, pixelY: 0},
		{name: "south-east", lat: 0.5, lon: 3.5, want: 16, pixelX: 3, pixelY: 3},
		{name: "outside", lat: 10, lon: 10, wantErr: raster.ErrNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := f.slot.ValueAt(tc.lat, tc.lon)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Errorf("ValueAt() error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValueAt() returned an unexpected error: %v", err)
			}
			if v.Value != tc.want || v.PixelX != tc.pixelX || v.PixelY != tc.pixelY {
				t.Errorf("ValueAt() = %+v, want %f at (%d,%d)", v, tc.want, tc.pixelX, tc.pixelY)
			}
		})
	}
}

func TestLayerSetList(t *testing.T) {
	s := NewLayerSet(nil)
	b := orb.Bound{Min: orb.Point{2, 48}, Max: orb.Point{3, 49}}
	id := s.AddImageOverlay(ImageResource{ContentType: "image/webp", Width: 2, Height: 1}, b, 0.5)

	infos := s.List()
	if len(infos) != 1 || infos[0].ID != id {
		t.Fatalf("List() = %+v, want one layer %s", infos, id)
	}
	if infos[0].Bounds != [2][2]float64{{48, 2}, {49, 3}} {
		t.Errorf("Bounds = %v, want [[48 2] [49 3]]", infos[0].Bounds)
	}
	s.RemoveLayer(id)
	s.RemoveLayer("unknown")
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}
