// Package source fetches rasters and zone boundaries by URL.
package source

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/karlseguin/ccache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/akhenakh/farmit-overlay/boundary"
	"github.com/akhenakh/farmit-overlay/geotiff"
	"github.com/akhenakh/farmit-overlay/raster"
)

// Config tunes a Loader.
type Config struct {
	// BlockCacheSize and BlockItemsToPrune size the per-file block cache.
	BlockCacheSize    int64
	BlockItemsToPrune uint32
	// DatasetCacheSize is the number of decoded datasets kept in memory.
	DatasetCacheSize int64
	DatasetTTL       time.Duration
	ReadConcurrency  int
	// LoadTimeout bounds a shared decode once no caller is waiting on it.
	LoadTimeout time.Duration
	HTTPClient  *http.Client
	// OpenBucket opens a gocloud.dev bucket URL, blob.OpenBucket by default.
	OpenBucket BucketOpener
}

// Loader decodes rasters and boundaries. Concurrent loads of the same URL
// share one decode, and decoded datasets are cached.
type Loader struct {
	cfg    Config
	logger *slog.Logger

	datasets   *ccache.Cache[*raster.Dataset]
	boundaries *ccache.Cache[*boundary.Boundary]
	inflight   singleflight.Group

	cacheRequests *prometheus.CounterVec
}

// NewLoader creates a Loader. reg may be nil to skip metrics registration.
func NewLoader(cfg Config, logger *slog.Logger, reg prometheus.Registerer) *Loader {
	if cfg.BlockCacheSize <= 0 {
		cfg.BlockCacheSize = 1024
	}
	if cfg.BlockItemsToPrune == 0 {
		cfg.BlockItemsToPrune = 100
	}
	if cfg.DatasetCacheSize <= 0 {
		cfg.DatasetCacheSize = 16
	}
	if cfg.DatasetTTL <= 0 {
		cfg.DatasetTTL = 30 * time.Minute
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = 8
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 2 * time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.OpenBucket == nil {
		cfg.OpenBucket = defaultBucketOpener
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Loader{
		cfg:        cfg,
		logger:     logger,
		datasets:   ccache.New(ccache.Configure[*raster.Dataset]().MaxSize(cfg.DatasetCacheSize).ItemsToPrune(1)),
		boundaries: ccache.New(ccache.Configure[*boundary.Boundary]().MaxSize(cfg.DatasetCacheSize).ItemsToPrune(1)),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farmit_source_cache_requests_total",
			Help: "Raster and boundary cache lookups by kind and result.",
		}, []string{"kind", "result"}),
	}
	if reg != nil {
		reg.MustRegister(l.cacheRequests)
	}
	return l
}

// Close stops the cache workers.
func (l *Loader) Close() {
	l.datasets.Stop()
	l.boundaries.Stop()
}

// Load returns the dataset behind src. Failures are *raster.LoadError. If
// ctx ends first Load returns at once while the shared decode carries on
// for other callers and the cache.
func (l *Loader) Load(ctx context.Context, src string) (*raster.Dataset, error) {
	if item := l.datasets.Get(src); item != nil && !item.Expired() {
		l.cacheRequests.WithLabelValues("raster", "hit").Inc()
		return item.Value(), nil
	}
	l.cacheRequests.WithLabelValues("raster", "miss").Inc()

	v, err := l.shared(ctx, "raster:"+src, func(ctx context.Context) (any, error) {
		start := time.Now()
		ds, err := l.decode(ctx, src)
		if err != nil {
			return nil, err
		}
		l.datasets.Set(src, ds, l.cfg.DatasetTTL)
		l.logger.Info("raster decoded",
			"source", src,
			"width", ds.Width(),
			"height", ds.Height(),
			"duration", time.Since(start),
		)
		return ds, nil
	})
	if err != nil {
		return nil, &raster.LoadError{Source: src, Err: err}
	}
	return v.(*raster.Dataset), nil
}

// LoadBoundary returns the GeoJSON boundary behind src. Failures are
// *raster.LoadError as well, a missing boundary fails the whole overlay.
func (l *Loader) LoadBoundary(ctx context.Context, src string) (*boundary.Boundary, error) {
	if item := l.boundaries.Get(src); item != nil && !item.Expired() {
		l.cacheRequests.WithLabelValues("boundary", "hit").Inc()
		return item.Value(), nil
	}
	l.cacheRequests.WithLabelValues("boundary", "miss").Inc()

	v, err := l.shared(ctx, "boundary:"+src, func(ctx context.Context) (any, error) {
		data, err := l.readAll(ctx, src)
		if err != nil {
			return nil, err
		}
		b, err := boundary.Parse(data)
		if err != nil {
			return nil, err
		}
		l.boundaries.Set(src, b, l.cfg.DatasetTTL)
		return b, nil
	})
	if err != nil {
		return nil, &raster.LoadError{Source: src, Err: err}
	}
	return v.(*boundary.Boundary), nil
}

// shared runs fn once per key across concurrent callers, on a context
// detached from any single caller.
func (l *Loader) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := l.inflight.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.LoadTimeout)
		defer cancel()
		return fn(runCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (l *Loader) decode(ctx context.Context, src string) (*raster.Dataset, error) {
	r, closer, err := l.open(ctx, src)
	if err != nil {
		return nil, err
	}
	defer closer()

	geo, err := geotiff.Open(r, l.cfg.BlockCacheSize, l.cfg.BlockItemsToPrune)
	if err != nil {
		return nil, err
	}
	defer geo.Close()

	bound, err := geo.Bounds()
	if err != nil {
		return nil, err
	}
	samples, err := geo.ReadBand(ctx, l.cfg.ReadConcurrency)
	if err != nil {
		return nil, err
	}

	opts := []raster.Option{raster.WithSource(src)}
	if nd, ok := geo.NoData(); ok {
		opts = append(opts, raster.WithNoData(nd))
	}
	ds, err := raster.NewDataset(geo.Width(), geo.Height(), samples, bound, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := ds.Statistics(); errors.Is(err, raster.ErrEmptyDataset) {
		l.logger.Warn("raster has no valid samples", "source", src)
	}
	return ds, nil
}
