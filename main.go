// main.go
package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/akhenakh/farmit-overlay/catalog"
	"github.com/akhenakh/farmit-overlay/encode"
	"github.com/akhenakh/farmit-overlay/overlay"
	"github.com/akhenakh/farmit-overlay/raster"
	"github.com/akhenakh/farmit-overlay/source"
)

const appName = "farmit-overlay"

//go:embed static
var staticFS embed.FS

var (
	grpcAPIServer     *grpc.Server
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	httpRestUIServer  *http.Server
	grpcMetrics       = grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram(
		grpcprom.WithHistogramBuckets([]float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9}),
	))
)

// Config holds all configuration for the application, loaded from environment variables.
type Config struct {
	LogLevel        string `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPPort        int    `env:"HTTP_PORT" envDefault:"8080"`
	APIPort         int    `env:"API_PORT" envDefault:"9200"`
	HealthPort      int    `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort int    `env:"METRICS_PORT" envDefault:"8888"`

	CatalogFile   string            `env:"CATALOG_FILE"`
	RasterSources map[string]string `env:"RASTER_SOURCES" envKeyValSeparator:"="`

	OverlayFormat  string  `env:"OVERLAY_FORMAT" envDefault:"png"`
	OverlayQuality int     `env:"OVERLAY_QUALITY" envDefault:"0"`
	OverlayOpacity float64 `env:"OVERLAY_OPACITY" envDefault:"0.8"`
	OverlayAlpha   uint8   `env:"OVERLAY_ALPHA" envDefault:"200"`
	ClipToBoundary bool    `env:"CLIP_TO_BOUNDARY" envDefault:"false"`

	LoadTimeout       time.Duration `env:"LOAD_TIMEOUT" envDefault:"2m"`
	CacheMaxSize      int64         `env:"CACHE_MAX_SIZE" envDefault:"1024"`
	CacheItemsToPrune uint32        `env:"CACHE_ITEMS_TO_PRUNE" envDefault:"100"`
	DatasetCacheSize  int64         `env:"DATASET_CACHE_SIZE" envDefault:"16"`
	ReadConcurrency   int           `env:"READ_CONCURRENCY" envDefault:"8"`
}

// App wires the overlay pipeline shared by the REST and gRPC APIs.
type App struct {
	catalog *catalog.Catalog
	loader  *source.Loader
	layers  *overlay.LayerSet
	slot    *overlay.Slot
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	app, err := setupApp(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("failed to initialize overlay pipeline, shutting down", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	healthServer := health.NewServer()

	// gRPC Health Server
	g.Go(func() error {
		return startHealthServer(logger, cfg, healthServer)
	})

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// gRPC API Server
	g.Go(func() error {
		return startGRPCAPIServer(logger, cfg, healthServer, app)
	})

	// HTTP REST & Web UI Server
	g.Go(func() error {
		return startHTTPRestUIServer(logger, cfg, app)
	})

	// Wait for termination signal or an error from one of the services
	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	// Graceful Shutdown
	healthServer.Shutdown()
	app.slot.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpRestUIServer != nil {
		if err := httpRestUIServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP REST/UI server shutdown error", "error", err)
		}
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}
	if grpcAPIServer != nil {
		grpcAPIServer.GracefulStop()
	}

	// Wait for all services in the errgroup to finish
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

func startHealthServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC Health server failed to listen: %w", err)
	}

	grpcHealthServer = grpc.NewServer()
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
	logger.Info("gRPC health server listening", "address", addr)
	return grpcHealthServer.Serve(lis)
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	prometheus.MustRegister(grpcMetrics)

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startGRPCAPIServer(logger *slog.Logger, cfg Config, healthServer *health.Server, app *App) error {
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC API server failed to listen: %w", err)
	}

	lopts := []logging.Option{logging.WithLogOnEvents(logging.StartCall, logging.FinishCall)}
	grpcAPIServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(
				InterceptorLogger(logger),
				lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
	)

	s := &Server{
		app:          app,
		healthServer: healthServer,
	}

	RegisterOverlayServiceServer(grpcAPIServer, s)
	reflection.Register(grpcAPIServer) // Enable reflection for tools like grpcurl
	grpcMetrics.InitializeMetrics(grpcAPIServer)

	// Set initial health status
	healthServer.SetServingStatus(OverlayServiceName, healthpb.HealthCheckResponse_SERVING)
	logger.Info("gRPC API server listening", "address", addr)
	return grpcAPIServer.Serve(lis)
}

func startHTTPRestUIServer(logger *slog.Logger, cfg Config, app *App) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	handler, err := newHTTPHandler(app)
	if err != nil {
		return err
	}

	httpRestUIServer = &http.Server{Addr: addr, Handler: handler}
	logger.Info("HTTP REST/UI server listening", "address", addr)

	if err := httpRestUIServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP REST/UI server failed: %w", err)
	}
	return nil
}

// newHTTPHandler routes the REST API and the embedded web UI.
func newHTTPHandler(app *App) (http.Handler, error) {
	mux := http.NewServeMux()

	// Handle REST API endpoints
	mux.HandleFunc("GET /api/rasters", listRastersHandler(app.catalog))
	mux.HandleFunc("GET /api/rasters/{zone}/{stage}", stageRasterHandler(app.catalog))
	mux.HandleFunc("GET /api/overlay", overlayStateHandler(app.slot))
	mux.HandleFunc("POST /api/overlay", selectOverlayHandler(app.catalog, app.slot))
	mux.HandleFunc("DELETE /api/overlay", clearOverlayHandler(app.slot))
	mux.HandleFunc("GET /api/overlay/value/{lat}/{lon}", valueHandler(app.slot))
	mux.HandleFunc("GET /api/layers", listLayersHandler(app.layers))
	mux.HandleFunc("GET /api/layers/{id}", layerImageHandler(app.layers))

	// Handle embedded Web UI
	contentFS, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("failed to create sub-filesystem for web UI: %w", err)
	}
	mux.Handle("/", http.FileServer(http.FS(contentFS)))
	return mux, nil
}

func setupApp(cfg Config, logger *slog.Logger, reg prometheus.Registerer) (*App, error) {
	cat, err := setupCatalog(cfg, logger)
	if err != nil {
		return nil, err
	}

	enc, err := encode.NewEncoder(cfg.OverlayFormat, cfg.OverlayQuality)
	if err != nil {
		return nil, fmt.Errorf("invalid overlay format: %w", err)
	}

	logger.Info("configuring caches",
		"tile_cache_max_size", cfg.CacheMaxSize,
		"tile_cache_items_to_prune", cfg.CacheItemsToPrune,
		"dataset_cache_size", cfg.DatasetCacheSize,
	)
	loader := source.NewLoader(source.Config{
		BlockCacheSize:    cfg.CacheMaxSize,
		BlockItemsToPrune: cfg.CacheItemsToPrune,
		DatasetCacheSize:  cfg.DatasetCacheSize,
		ReadConcurrency:   cfg.ReadConcurrency,
		LoadTimeout:       cfg.LoadTimeout,
	}, logger, reg)

	metrics := overlay.NewMetrics(reg)
	layers := overlay.NewLayerSet(metrics.ActiveLayers)
	slot := overlay.NewSlot(layers, loader, enc, overlay.Options{
		Ramp:           raster.RedRamp{Alpha: cfg.OverlayAlpha},
		Opacity:        cfg.OverlayOpacity,
		ClipToBoundary: cfg.ClipToBoundary,
	}, logger, metrics)

	return &App{
		catalog: cat,
		loader:  loader,
		layers:  layers,
		slot:    slot,
	}, nil
}

func setupCatalog(cfg Config, logger *slog.Logger) (*catalog.Catalog, error) {
	var entries []catalog.Entry
	if cfg.CatalogFile != "" {
		fromFile, err := catalog.ReadFile(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fromFile...)
	}
	entries = append(entries, catalog.FromSources(cfg.RasterSources)...)

	cat, err := catalog.New(entries...)
	if err != nil {
		return nil, fmt.Errorf("invalid raster catalog: %w", err)
	}
	if cat.Len() == 0 {
		logger.Warn("raster catalog is empty, set CATALOG_FILE or RASTER_SOURCES")
	}
	logger.Info("raster catalog loaded", "rasters", cat.Len(), "zones", cat.Zones())
	return cat, nil
}

// Close cancels pending loads and stops the caches.
func (a *App) Close() {
	a.slot.Close()
	a.loader.Close()
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}

func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
