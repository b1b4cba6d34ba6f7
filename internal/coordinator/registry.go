package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/st7ma784/CMACatalyst-sub011/shared/id"
	"github.com/st7ma784/CMACatalyst-sub011/shared/logger"
	"github.com/st7ma784/CMACatalyst-sub011/shared/metrics"
	"github.com/st7ma784/CMACatalyst-sub011/shared/protocol"
)

// ErrUnknownWorker is returned for heartbeats referencing a worker_id the
// registry has no record of. Agents must re-register from scratch.
var ErrUnknownWorker = errors.New("unknown worker")

// Config carries the liveness tuning knobs. All durations are relative to
// the heartbeat interval agents are told to use.
type Config struct {
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration // exclude from assignment and edge list
	DeadAfter         time.Duration // treat as gone for coverage purposes
	EvictAfter        time.Duration // drop the record entirely
	SweepInterval     time.Duration
}

func DefaultConfig() Config {
	hb := 30 * time.Second
	return Config{
		HeartbeatInterval: hb,
		StaleAfter:        2 * hb,
		DeadAfter:         10 * hb,
		EvictAfter:        time.Hour,
		SweepInterval:     time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * c.HeartbeatInterval
	}
	if c.DeadAfter <= 0 {
		c.DeadAfter = 10 * c.HeartbeatInterval
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = d.EvictAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// Worker is one registered compute node. AssignedServices is mutated only
// by the assignment algorithm, under the registry lock.
type Worker struct {
	ID               string
	Tier             protocol.Tier
	Capabilities     protocol.Capabilities
	Endpoint         string
	AssignedServices []string
	RegisteredAt     time.Time
	LastHeartbeat    time.Time
	LastLoad         float64
}

func (w *Worker) statusAt(now time.Time, cfg Config) protocol.WorkerStatus {
	age := now.Sub(w.LastHeartbeat)
	switch {
	case age > cfg.DeadAfter:
		return protocol.StatusDead
	case age > cfg.StaleAfter:
		return protocol.StatusStale
	}
	return protocol.StatusHealthy
}

func (w *Worker) info(now time.Time, cfg Config) protocol.WorkerInfo {
	services := make([]string, len(w.AssignedServices))
	copy(services, w.AssignedServices)
	return protocol.WorkerInfo{
		WorkerID:         w.ID,
		Tier:             w.Tier,
		AssignedServices: services,
		Endpoint:         w.Endpoint,
		Status:           w.statusAt(now, cfg),
		Load:             w.LastLoad,
		LastHeartbeat:    w.LastHeartbeat,
	}
}

// Registry is the coordinator's process-wide in-memory state. It is never
// persisted: a restart loses all registrations and workers re-register via
// the unknown-worker path.
type Registry struct {
	cfg     Config
	catalog *Catalog

	mu      sync.RWMutex
	workers map[string]*Worker

	now func() time.Time
}

func NewRegistry(cfg Config, catalog *Catalog) *Registry {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Registry{
		cfg:     cfg.withDefaults(),
		catalog: catalog,
		workers: make(map[string]*Worker),
		now:     time.Now,
	}
}

func (r *Registry) Config() Config {
	return r.cfg
}

// Register classifies the worker, runs gap-filling assignment against the
// current registry state and stores the new record.
func (r *Registry) Register(caps protocol.Capabilities, endpoint string) (protocol.RegisterResponse, error) {
	tier, err := ClassifyTier(caps)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("none", "rejected").Inc()
		return protocol.RegisterResponse{}, err
	}

	r.mu.Lock()
	now := r.now()
	w := &Worker{
		ID:            id.NewWorkerID(),
		Tier:          tier,
		Capabilities:  caps,
		Endpoint:      endpoint,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	w.AssignedServices = r.assignLocked(w, now)
	r.workers[w.ID] = w
	r.updateGaugesLocked(now)
	resp := protocol.RegisterResponse{
		WorkerID:         w.ID,
		Tier:             w.Tier,
		AssignedServices: append([]string(nil), w.AssignedServices...),
		Config: protocol.AgentConfig{
			HeartbeatIntervalSeconds: int(r.cfg.HeartbeatInterval / time.Second),
		},
	}
	r.mu.Unlock()

	metrics.RegistrationsTotal.WithLabelValues(string(tier), "ok").Inc()
	logger.Info("worker registered",
		"worker_id", resp.WorkerID,
		"tier", tier,
		"endpoint", endpoint,
		"services", resp.AssignedServices)
	return resp, nil
}

// Heartbeat refreshes liveness and opportunistically re-assigns when the
// registry composition left a coverage gap this worker can fill. With no
// registry changes in between, repeated heartbeats return the same services.
func (r *Registry) Heartbeat(workerID string, load float64) (protocol.HeartbeatResponse, error) {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		metrics.HeartbeatsTotal.WithLabelValues("unknown").Inc()
		return protocol.HeartbeatResponse{}, ErrUnknownWorker
	}

	now := r.now()
	w.LastHeartbeat = now
	w.LastLoad = load
	changed := r.rebalanceLocked(w, now)
	r.updateGaugesLocked(now)
	resp := protocol.HeartbeatResponse{
		AssignedServices: append([]string(nil), w.AssignedServices...),
		Changed:          changed,
	}
	r.mu.Unlock()

	result := "ok"
	if changed {
		result = "reassigned"
		logger.Info("worker reassigned on heartbeat", "worker_id", workerID, "services", resp.AssignedServices)
	}
	metrics.HeartbeatsTotal.WithLabelValues(result).Inc()
	return resp, nil
}

// List returns the public view of the registry. With onlyHealthy set it is
// the edge-cacheable worker list: stale and dead workers are excluded.
func (r *Registry) List(onlyHealthy bool) []protocol.WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]protocol.WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		info := w.info(now, r.cfg)
		if onlyHealthy && info.Status != protocol.StatusHealthy {
			continue
		}
		out = append(out, info)
	}
	return out
}

// Stats aggregates per-tier worker counts and per-service coverage.
func (r *Registry) Stats() protocol.StatsResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	stats := protocol.StatsResponse{
		Workers:       len(r.workers),
		WorkersByTier: make(map[protocol.Tier]int),
		Coverage:      r.coverageLocked(now),
	}
	for _, w := range r.workers {
		stats.WorkersByTier[w.Tier]++
	}
	return stats
}

// Sweep evicts workers that have been dead longer than the retention
// window. Returns the number evicted.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	evicted := 0
	for workerID, w := range r.workers {
		if now.Sub(w.LastHeartbeat) > r.cfg.DeadAfter+r.cfg.EvictAfter {
			delete(r.workers, workerID)
			evicted++
			metrics.EvictionsTotal.Inc()
			logger.Info("worker evicted", "worker_id", workerID, "tier", w.Tier,
				"last_heartbeat", w.LastHeartbeat)
		}
	}
	if evicted > 0 {
		r.updateGaugesLocked(now)
	}
	return evicted
}

// RunSweeper periodically evicts long-dead workers until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// coverageLocked counts healthy workers per assigned service. Every catalog
// service appears in the result, uncovered ones with zero.
func (r *Registry) coverageLocked(now time.Time) map[string]int {
	cov := make(map[string]int, len(r.catalog.Services()))
	for _, s := range r.catalog.Services() {
		cov[s.ServiceID] = 0
	}
	for _, w := range r.workers {
		if w.statusAt(now, r.cfg) != protocol.StatusHealthy {
			continue
		}
		for _, serviceID := range w.AssignedServices {
			cov[serviceID]++
		}
	}
	return cov
}

func (r *Registry) updateGaugesLocked(now time.Time) {
	metrics.WorkersRegistered.Reset()
	for _, w := range r.workers {
		metrics.WorkersRegistered.WithLabelValues(string(w.Tier), string(w.statusAt(now, r.cfg))).Inc()
	}
	for serviceID, n := range r.coverageLocked(now) {
		metrics.ServiceCoverage.WithLabelValues(serviceID).Set(float64(n))
	}
}
