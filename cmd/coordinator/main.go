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

	"github.com/st7ma784/CMACatalyst-sub011/internal/coordinator"
	"github.com/st7ma784/CMACatalyst-sub011/shared/logger"
	"github.com/st7ma784/CMACatalyst-sub011/shared/metrics"
	"github.com/st7ma784/CMACatalyst-sub011/shared/telemetry"
)

type Config struct {
	Port     int
	Registry coordinator.Config
	Catalog  string
}

func readEnv() Config {
	return Config{
		Port:    envInt("PORT", 8080),
		Catalog: os.Getenv("CATALOG_PATH"),
		Registry: coordinator.Config{
			HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 30*time.Second),
			StaleAfter:        envDuration("STALE_AFTER", 0),
			DeadAfter:         envDuration("DEAD_AFTER", 0),
			EvictAfter:        envDuration("EVICT_AFTER", time.Hour),
			SweepInterval:     envDuration("SWEEP_INTERVAL", time.Minute),
		},
	}
}

func main() {
	logger.Init(logger.ParseLevel(os.Getenv("LOG_LEVEL")), true)
	metrics.Init()
	logger.Info("Starting Coordinator")

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", "error", err)
	}
	config := readEnv()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:  "coordinator",
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		Enabled:      os.Getenv("OTLP_ENDPOINT") != "",
	})
	if err != nil {
		logger.Warn("telemetry init failed", "error", err)
	} else {
		defer shutdownTelemetry(context.Background())
	}

	catalog := coordinator.DefaultCatalog()
	if config.Catalog != "" {
		catalog, err = coordinator.LoadCatalog(config.Catalog)
		if err != nil {
			logger.Error("failed to load service catalog", "path", config.Catalog, "error", err)
			os.Exit(1)
		}
		logger.Info("service catalog loaded", "path", config.Catalog, "services", len(catalog.Services()))
	}

	registry := coordinator.NewRegistry(config.Registry, catalog)

	ctx, cancel := context.WithCancel(context.Background())
	go registry.RunSweeper(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Mount("/", coordinator.NewServer(registry).Routes())
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

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Coordinator listening", "addr", srv.Addr)
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
