package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/st7ma784/CMACatalyst-sub011/internal/agent"
	"github.com/st7ma784/CMACatalyst-sub011/shared/id"
	"github.com/st7ma784/CMACatalyst-sub011/shared/logger"
)

type Config struct {
	CoordinatorURL    string
	Endpoint          string
	WorkerType        string
	HeartbeatInterval time.Duration
	ServicesManifest  string
}

func readEnv() Config {
	workerType := os.Getenv("WORKER_TYPE")
	if workerType == "" {
		workerType = "auto"
	}
	return Config{
		CoordinatorURL:    os.Getenv("COORDINATOR_URL"),
		Endpoint:          os.Getenv("WORKER_ENDPOINT"),
		WorkerType:        workerType,
		HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		ServicesManifest:  os.Getenv("SERVICES_MANIFEST"),
	}
}

func main() {
	logger.Init(logger.ParseLevel(os.Getenv("LOG_LEVEL")), false)
	logger.Info("Starting Worker Agent", "name", id.StableAgentName())

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", "error", err)
	}
	config := readEnv()

	if config.CoordinatorURL == "" {
		logger.Error("COORDINATOR_URL is required")
		os.Exit(1)
	}
	if config.Endpoint == "" {
		logger.Error("WORKER_ENDPOINT is required")
		os.Exit(1)
	}

	var manifest map[string][]string
	if config.ServicesManifest != "" {
		var err error
		manifest, err = agent.LoadManifest(config.ServicesManifest)
		if err != nil {
			logger.Error("failed to load service manifest", "path", config.ServicesManifest, "error", err)
			os.Exit(1)
		}
	}

	launcher := agent.NewLauncher(manifest)
	a := agent.New(agent.Config{
		CoordinatorURL:    config.CoordinatorURL,
		Endpoint:          config.Endpoint,
		TypeHint:          config.WorkerType,
		HeartbeatInterval: config.HeartbeatInterval,
	}, launcher)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down...")
		cancel()
	}()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("agent error", "error", err)
		os.Exit(1)
	}
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
