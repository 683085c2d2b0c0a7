package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"github.com/akhenakh/farmit-overlay/boundary"
	"github.com/akhenakh/farmit-overlay/catalog"
	"github.com/akhenakh/farmit-overlay/encode"
	"github.com/akhenakh/farmit-overlay/raster"
)

var (
	// ErrNoDataset is returned by ValueAt before any overlay is loaded.
	ErrNoDataset = errors.New("no dataset loaded")

	// ErrSuperseded is the outcome of a selection replaced by a newer one
	// or by Clear before it finished.
	ErrSuperseded = errors.New("selection superseded")
)

// State is the lifecycle of a Slot.
type State int

const (
	Unloaded State = iota
	Loading
	Loaded
	LoadError
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case LoadError:
		return "load_error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Loader fetches datasets and boundaries, usually a *source.Loader.
type Loader interface {
	Load(ctx context.Context, src string) (*raster.Dataset, error)
	LoadBoundary(ctx context.Context, src string) (*boundary.Boundary, error)
}

// Options controls how a Slot renders.
type Options struct {
	Ramp    raster.ColorRamp
	Opacity float64
	// ClipToBoundary clears pixels outside the entry's boundary polygons.
	ClipToBoundary bool
}

// Outcome reports how a selection ended.
type Outcome struct {
	Generation uint64
	Entry      catalog.Entry
	// Applied is true when the overlay now shows this selection.
	Applied bool
	Err     error
}

// Snapshot is the observable state of a Slot.
type Snapshot struct {
	State      State              `json:"state"`
	Generation uint64             `json:"generation"`
	Pending    string             `json:"pending,omitempty"`
	Current    *catalog.Entry     `json:"current,omitempty"`
	Layer      LayerID            `json:"layer,omitempty"`
	Bounds     *[2][2]float64     `json:"bounds,omitempty"`
	Opacity    float64            `json:"opacity,omitempty"`
	Stats      *raster.Statistics `json:"stats,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Slot holds the one overlay displayed on a Map. Selections race and the
// latest always wins: a result is applied only while its generation is
// current, and each new selection cancels the one in flight.
type Slot struct {
	m       Map
	loader  Loader
	enc     encode.Encoder
	opts    Options
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.RWMutex
	gen     uint64
	cancel  context.CancelFunc
	state   State
	pending string
	current *catalog.Entry
	dataset *raster.Dataset
	handle  *Handle
	lastErr error
}

// NewSlot creates an empty Slot drawing on m.
func NewSlot(m Map, loader Loader, enc encode.Encoder, opts Options, logger *slog.Logger, metrics *Metrics) *Slot {
	if opts.Ramp == nil {
		opts.Ramp = raster.DefaultRamp
	}
	if opts.Opacity <= 0 || opts.Opacity > 1 {
		opts.Opacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Slot{
		m:       m,
		loader:  loader,
		enc:     enc,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}
}

type rendered struct {
	dataset *raster.Dataset
	res     ImageResource
	bounds  orb.Bound
}

// Select starts loading e and returns a channel receiving its Outcome.
// The load runs past the end of ctx and stops only when superseded,
// cleared or the Slot is closed.
func (s *Slot) Select(ctx context.Context, e catalog.Entry) <-chan Outcome {
	out := make(chan Outcome, 1)

	s.mu.Lock()
	s.gen++
	gen := s.gen
	if s.cancel != nil {
		s.cancel()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.state = Loading
	s.pending = e.Name
	s.mu.Unlock()

	s.logger.Info("overlay selected", "name", e.Name, "generation", gen)

	go func() {
		defer cancel()
		start := time.Now()
		r, err := s.render(runCtx, e)
		out <- s.apply(gen, e, r, err, time.Since(start))
		close(out)
	}()
	return out
}

func (s *Slot) render(ctx context.Context, e catalog.Entry) (rendered, error) {
	ds, err := s.loader.Load(ctx, e.URL)
	if err != nil {
		return rendered{}, err
	}
	if _, err := ds.Statistics(); errors.Is(err, raster.ErrEmptyDataset) {
		s.logger.Warn("overlay has no valid samples", "name", e.Name)
	}

	placement := ds.Bound()
	var b *boundary.Boundary
	if e.Boundary != "" {
		b, err = s.loader.LoadBoundary(ctx, e.Boundary)
		if err != nil {
			return rendered{}, err
		}
		placement = b.Bound()
	}

	img := raster.Rasterize(ds, s.opts.Ramp)
	if s.opts.ClipToBoundary && b != nil {
		cleared := raster.Mask(img, placement, b.Contains)
		s.logger.Debug("overlay clipped to boundary", "name", e.Name, "cleared", cleared)
	}
	if err := ctx.Err(); err != nil {
		return rendered{}, err
	}

	data, err := s.enc.Encode(img)
	if err != nil {
		return rendered{}, fmt.Errorf("failed to encode overlay: %w", err)
	}
	return rendered{
		dataset: ds,
		res: ImageResource{
			Data:        data,
			ContentType: s.enc.ContentType(),
			Width:       ds.Width(),
			Height:      ds.Height(),
		},
		bounds: placement,
	}, nil
}

func (s *Slot) apply(gen uint64, e catalog.Entry, r rendered, err error, elapsed time.Duration) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		s.metrics.Loads.WithLabelValues(outcomeStale).Inc()
		s.logger.Debug("discarding stale overlay", "name", e.Name, "generation", gen, "current", s.gen)
		return Outcome{Generation: gen, Entry: e, Err: ErrSuperseded}
	}
	s.pending = ""

	if err != nil {
		// The previous overlay, if any, stays on the map.
		s.state = LoadError
		s.lastErr = err
		s.metrics.Loads.WithLabelValues(outcomeFailed).Inc()
		s.logger.Error("overlay load failed", "name", e.Name, "error", err)
		return Outcome{Generation: gen, Entry: e, Err: err}
	}

	s.handle = Place(s.m, s.handle, r.res, r.bounds, s.opts.Opacity)
	s.dataset = r.dataset
	s.current = &e
	s.state = Loaded
	s.lastErr = nil
	s.metrics.Loads.WithLabelValues(outcomeApplied).Inc()
	s.metrics.LoadDuration.Observe(elapsed.Seconds())
	s.logger.Info("overlay placed",
		"name", e.Name,
		"layer", s.handle.ID(),
		"bounds", r.bounds,
		"duration", elapsed,
	)
	return Outcome{Generation: gen, Entry: e, Applied: true}
}

// Clear removes the overlay, drops the dataset and cancels any pending
// selection.
func (s *Slot) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.handle != nil {
		s.handle.Release()
		s.handle = nil
	}
	s.state = Unloaded
	s.pending = ""
	s.current = nil
	s.dataset = nil
	s.lastErr = nil
}

// Close cancels any pending selection, leaving the overlay in place. A
// pending selection leaves the slot Loaded with the overlay it shows, or
// Unloaded.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.state == Loading {
		s.state = Unloaded
		if s.handle != nil {
			s.state = Loaded
		}
		s.pending = ""
		s.lastErr = nil
	}
}

// ValueAt returns the raw value of the current dataset at lat, lon. It
// never waits for a pending selection.
func (s *Slot) ValueAt(lat, lon float64) (raster.Value, error) {
	s.mu.RLock()
	ds := s.dataset
	s.mu.RUnlock()
	if ds == nil {
		return raster.Value{}, ErrNoDataset
	}
	return ds.ValueAt(orb.Point{lon, lat})
}

// State returns a snapshot of the slot.
func (s *Slot) State() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		State:      s.state,
		Generation: s.gen,
		Pending:    s.pending,
	}
	if s.current != nil {
		e := *s.current
		snap.Current = &e
	}
	if s.handle != nil {
		snap.Layer = s.handle.ID()
		b := LatLngBounds(s.handle.Bounds())
		snap.Bounds = &b
		snap.Opacity = s.opts.Opacity
	}
	if s.dataset != nil {
		if st, err := s.dataset.Statistics(); err == nil {
			snap.Stats = &st
		}
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	return snap
}
