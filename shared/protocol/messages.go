package protocol

import "time"

// Tier classifies a worker's hardware capability and constrains which
// services the coordinator may assign to it.
type Tier string

const (
	TierGPU     Tier = "gpu"
	TierCPU     Tier = "cpu"
	TierStorage Tier = "storage"
	TierEdge    Tier = "edge"
)

func (t Tier) Valid() bool {
	switch t {
	case TierGPU, TierCPU, TierStorage, TierEdge:
		return true
	}
	return false
}

// WorkerStatus is derived from heartbeat age, never stored.
type WorkerStatus string

const (
	StatusHealthy WorkerStatus = "healthy"
	StatusStale   WorkerStatus = "stale"
	StatusDead    WorkerStatus = "dead"
)

// Capabilities is the hardware report a worker agent sends at registration.
// TypeHint carries WORKER_TYPE; "auto" (or empty) means classify from the
// detected facts.
type Capabilities struct {
	TypeHint    string  `json:"type_hint,omitempty"`
	HasGPU      bool    `json:"has_gpu"`
	VRAMGB      int     `json:"vram_gb,omitempty"`
	CoreCount   int     `json:"core_count"`
	MemoryMB    int     `json:"memory_mb"`
	HasPublicIP bool    `json:"has_public_ip"`
	LatencyMS   float64 `json:"latency_ms,omitempty"`
	DiskType    string  `json:"disk_type,omitempty"` // "nvme", "ssd", "hdd"
	DiskGB      int     `json:"disk_gb,omitempty"`
}

// ServiceDescriptor is a static catalog entry. Priority 1 services must
// maintain minimum coverage; priority 2 are best-effort.
type ServiceDescriptor struct {
	ServiceID      string `json:"service_id"`
	Tiers          []Tier `json:"tiers"`
	Priority       int    `json:"priority"`
	TargetReplicas int    `json:"target_replicas"`
}

func (d ServiceDescriptor) AllowsTier(t Tier) bool {
	for _, dt := range d.Tiers {
		if dt == t {
			return true
		}
	}
	return false
}

type RegisterRequest struct {
	Capabilities Capabilities `json:"capabilities"`
	Endpoint     string       `json:"endpoint"`
}

// AgentConfig is pushed to agents on registration so tuning lives on the
// coordinator side.
type AgentConfig struct {
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
}

type RegisterResponse struct {
	WorkerID         string      `json:"worker_id"`
	Tier             Tier        `json:"tier"`
	AssignedServices []string    `json:"assigned_services"`
	Config           AgentConfig `json:"config"`
}

type HeartbeatRequest struct {
	WorkerID string  `json:"worker_id"`
	Load     float64 `json:"load,omitempty"`
}

type HeartbeatResponse struct {
	AssignedServices []string `json:"assigned_services"`
	Changed          bool     `json:"changed"`
}

// WorkerInfo is the edge-cacheable view of a worker.
type WorkerInfo struct {
	WorkerID         string       `json:"worker_id"`
	Tier             Tier         `json:"tier"`
	AssignedServices []string     `json:"assigned_services"`
	Endpoint         string       `json:"endpoint"`
	Status           WorkerStatus `json:"status"`
	Load             float64      `json:"load,omitempty"`
	LastHeartbeat    time.Time    `json:"last_heartbeat"`
}

type StatsResponse struct {
	Workers       int            `json:"workers"`
	WorkersByTier map[Tier]int   `json:"workers_by_tier"`
	Coverage      map[string]int `json:"coverage"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Machine-readable error codes carried in ErrorResponse.
const (
	ErrInvalidCapabilities = "invalid_capabilities"
	ErrUnknownWorker       = "unknown_worker"
	ErrNoWorkerAvailable   = "no_worker_available"
	ErrUpstreamTimeout     = "upstream_timeout"
)

// --- Routes ---

const (
	PathRegister  = "/coordinator/register"
	PathHeartbeat = "/coordinator/heartbeat"
	PathWorkers   = "/coordinator/workers"
	PathHealth    = "/coordinator/health"
	PathStats     = "/coordinator/stats"
	PathEdge      = "/edge"
)
