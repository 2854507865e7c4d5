package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"slabview/internal/cache"
	"slabview/internal/config"
	httphandlers "slabview/internal/http"
	"slabview/internal/logger"
	"slabview/internal/metrics"
	"slabview/internal/raster_list"
	"slabview/internal/region_renderer"
	"slabview/internal/storage"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024, // Convert MB to bytes
		MaxCacheFiles:    0,                                // Disable disk cache
		MaxCacheSize:     0,                                // Disable disk cache
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)

	log.Info("Starting slabview server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("slab_width", cfg.SlabWidth),
		zap.Int("slab_height", cfg.SlabHeight),
		zap.String("slab_order", cfg.Order().String()),
	)

	scanner := raster_list.New(cfg.DataDir, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	regionCache, err := cache.NewCache(cfg.CacheType, cfg.CacheFileDir, cfg.CacheMemoryEntries, int64(cfg.CacheMemoryMB)*1024*1024, cfg.MemcacheServers, log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}

	renderer := region_renderer.New(scanner, storage.Open, regionCache, region_renderer.Options{
		SlabWidth:       cfg.SlabWidth,
		SlabHeight:      cfg.SlabHeight,
		Order:           cfg.Order(),
		MaxRegionPixels: cfg.MaxRegionPixels,
	}, log)
	defer renderer.Close()

	handlers := httphandlers.New(cfg, log, scanner, renderer)

	mux := http.NewServeMux()
	handlers.Routes(mux)
	mux.Handle("/metrics", metrics.Handler())

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(metrics.Middleware(mux)))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.WarmupSlabs > 0 {
		go warmupSlabs(ctx, cfg.WarmupSlabs, cfg.WarmupWorkers, scanner, renderer, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server stopped")
}

// warmupSlabs loads the first slabs of every raster so early requests hit memory.
func warmupSlabs(ctx context.Context, limit, workers int, scanner *raster_list.Scanner, renderer *region_renderer.Renderer, log *zap.Logger) {
	rasters := scanner.GetRasters()
	if len(rasters) == 0 {
		return
	}

	log.Info("Starting slab warmup", zap.Int("slabs_per_raster", limit), zap.Int("rasters", len(rasters)))

	for _, r := range rasters {
		if err := renderer.Prefetch(ctx, r.ID, limit, workers); err != nil {
			log.Warn("Warmup failed", zap.String("raster", r.ID), zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
	}

	log.Info("Slab warmup completed")
}
