package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/st7ma784/CMACatalyst-sub011/internal/edge"
	"github.com/st7ma784/CMACatalyst-sub011/shared/logger"
	"github.com/st7ma784/CMACatalyst-sub011/shared/metrics"
	"github.com/st7ma784/CMACatalyst-sub011/shared/telemetry"
)

type Config struct {
	Port            int
	CoordinatorURL  string
	CacheTTL        time.Duration
	CacheMaxStale   time.Duration
	UpstreamTimeout time.Duration
}

func readEnv() Config {
	return Config{
		Port:            envInt("PORT", 8081),
		CoordinatorURL:  os.Getenv("COORDINATOR_URL"),
		CacheTTL:        envDuration("CACHE_TTL", 5*time.Minute),
		CacheMaxStale:   envDuration("CACHE_MAX_STALE", 0),
		UpstreamTimeout: envDuration("UPSTREAM_TIMEOUT", 15*time.Second),
	}
}

func main() {
	logger.Init(logger.ParseLevel(os.Getenv("LOG_LEVEL")), true)
	metrics.Init()
	logger.Info("Starting Edge Proxy")

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", "error", err)
	}
	config := readEnv()

	if config.CoordinatorURL == "" {
		logger.Error("COORDINATOR_URL is required")
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:  "edge-proxy",
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		Enabled:      os.Getenv("OTLP_ENDPOINT") != "",
	})
	if err != nil {
		logger.Warn("telemetry init failed", "error", err)
	} else {
		defer shutdownTelemetry(context.Background())
	}

	cache := edge.NewCache(config.CoordinatorURL, config.CacheTTL, config.CacheMaxStale)
	router := edge.NewRouter(cache, config.UpstreamTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	go cache.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Mount("/", router.Routes())
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: r,
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down...")
		cancel()

		// Let in-flight user requests drain.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Edge proxy listening", "addr", srv.Addr, "coordinator", config.CoordinatorURL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
