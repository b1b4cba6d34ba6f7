package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/st7ma784/CMACatalyst-sub011/shared/logger"
	"github.com/st7ma784/CMACatalyst-sub011/shared/protocol"
)

// ErrUnknownWorker signals that the coordinator has no record of our
// worker_id (restart or eviction). The agent must re-register from scratch.
var ErrUnknownWorker = errors.New("coordinator does not know this worker")

type Config struct {
	CoordinatorURL    string
	Endpoint          string // address workers advertise for direct proxying
	TypeHint          string // WORKER_TYPE: auto|gpu|cpu|storage|edge
	HeartbeatInterval time.Duration
}

// Agent registers the local machine with the coordinator and keeps the
// assignment reconciled through the heartbeat loop.
type Agent struct {
	cfg      Config
	client   *http.Client
	launcher *Launcher

	mu       sync.Mutex
	workerID string
	tier     protocol.Tier
	services []string
	interval time.Duration
}

func New(cfg Config, launcher *Launcher) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Agent{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		launcher: launcher,
		interval: cfg.HeartbeatInterval,
	}
}

// Run registers and then heartbeats until ctx is cancelled. An
// unknown-worker response is a hard reset: local state is dropped and the
// agent registers fresh rather than retrying the dead worker_id.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.registerWithRetry(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.launcher.Stop()
			return nil
		case <-ticker.C:
			err := a.heartbeat(ctx)
			if errors.Is(err, ErrUnknownWorker) {
				logger.Warn("worker unknown to coordinator, re-registering", "worker_id", a.workerID)
				a.reset()
				if err := a.registerWithRetry(ctx); err != nil {
					return err
				}
				ticker.Reset(a.interval)
			} else if err != nil {
				logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// WorkerID returns the coordinator-assigned ID, empty before registration.
func (a *Agent) WorkerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workerID
}

func (a *Agent) reset() {
	a.mu.Lock()
	a.workerID = ""
	a.services = nil
	a.mu.Unlock()
	a.launcher.Stop()
}

func (a *Agent) registerWithRetry(ctx context.Context) error {
	backoff := time.Second
	for {
		err := a.register(ctx)
		if err == nil {
			return nil
		}
		logger.Warn("registration failed, retrying", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	caps := DetectCapabilities(ctx, a.cfg.CoordinatorURL, a.cfg.TypeHint)
	req := protocol.RegisterRequest{
		Capabilities: caps,
		Endpoint:     a.cfg.Endpoint,
	}

	var resp protocol.RegisterResponse
	status, err := a.post(ctx, protocol.PathRegister, req, &resp)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("registration rejected with status %d", status)
	}

	a.mu.Lock()
	a.workerID = resp.WorkerID
	a.tier = resp.Tier
	a.services = resp.AssignedServices
	if resp.Config.HeartbeatIntervalSeconds > 0 {
		a.interval = time.Duration(resp.Config.HeartbeatIntervalSeconds) * time.Second
	}
	a.mu.Unlock()

	logger.Info("registered with coordinator",
		"worker_id", resp.WorkerID,
		"tier", resp.Tier,
		"services", resp.AssignedServices,
		"heartbeat_interval", a.interval)
	a.launcher.Reconcile(resp.AssignedServices)
	return nil
}

func (a *Agent) heartbeat(ctx context.Context) error {
	req := protocol.HeartbeatRequest{
		WorkerID: a.WorkerID(),
		Load:     currentLoad(ctx),
	}

	var resp protocol.HeartbeatResponse
	status, err := a.post(ctx, protocol.PathHeartbeat, req, &resp)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrUnknownWorker
	default:
		return fmt.Errorf("heartbeat failed with status %d", status)
	}

	if resp.Changed {
		logger.Info("assignment changed", "services", resp.AssignedServices)
	}
	a.mu.Lock()
	a.services = resp.AssignedServices
	a.mu.Unlock()
	a.launcher.Reconcile(resp.AssignedServices)
	return nil
}

func (a *Agent) post(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.CoordinatorURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// currentLoad samples instantaneous CPU utilization as a 0-1 fraction.
func currentLoad(ctx context.Context) float64 {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0] / 100
}
