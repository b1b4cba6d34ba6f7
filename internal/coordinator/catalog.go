package coordinator

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/st7ma784/CMACatalyst-sub011/shared/protocol"
)

// Catalog holds the static service descriptors the coordinator schedules.
// It is read-only after construction.
type Catalog struct {
	services []protocol.ServiceDescriptor
	byID     map[string]protocol.ServiceDescriptor
}

// DefaultCatalog covers the AI and storage services the platform runs on
// donated hardware. Operators override it with CATALOG_PATH.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]protocol.ServiceDescriptor{
		{ServiceID: "llm-inference", Tiers: []protocol.Tier{protocol.TierGPU}, Priority: 1, TargetReplicas: 2},
		{ServiceID: "vision-ocr", Tiers: []protocol.Tier{protocol.TierGPU}, Priority: 1, TargetReplicas: 2},
		{ServiceID: "rag-service", Tiers: []protocol.Tier{protocol.TierCPU}, Priority: 1, TargetReplicas: 3},
		{ServiceID: "doc-embedder", Tiers: []protocol.Tier{protocol.TierCPU}, Priority: 2, TargetReplicas: 2},
		{ServiceID: "letter-render", Tiers: []protocol.Tier{protocol.TierCPU}, Priority: 2, TargetReplicas: 2},
		{ServiceID: "file-store", Tiers: []protocol.Tier{protocol.TierStorage}, Priority: 1, TargetReplicas: 2},
		{ServiceID: "doc-archive", Tiers: []protocol.Tier{protocol.TierStorage}, Priority: 2, TargetReplicas: 2},
		{ServiceID: "edge-relay", Tiers: []protocol.Tier{protocol.TierEdge}, Priority: 1, TargetReplicas: 3},
	})
	if err != nil {
		panic(err) // compiled-in catalog must be valid
	}
	return c
}

func NewCatalog(services []protocol.ServiceDescriptor) (*Catalog, error) {
	byID := make(map[string]protocol.ServiceDescriptor, len(services))
	for _, s := range services {
		if s.ServiceID == "" {
			return nil, fmt.Errorf("catalog entry with empty service_id")
		}
		if _, dup := byID[s.ServiceID]; dup {
			return nil, fmt.Errorf("duplicate service %q in catalog", s.ServiceID)
		}
		if s.Priority != 1 && s.Priority != 2 {
			return nil, fmt.Errorf("service %q: priority must be 1 or 2, got %d", s.ServiceID, s.Priority)
		}
		if len(s.Tiers) == 0 {
			return nil, fmt.Errorf("service %q: no tier requirement", s.ServiceID)
		}
		for _, t := range s.Tiers {
			if !t.Valid() {
				return nil, fmt.Errorf("service %q: unknown tier %q", s.ServiceID, t)
			}
		}
		if s.TargetReplicas <= 0 {
			return nil, fmt.Errorf("service %q: target_replicas must be positive", s.ServiceID)
		}
		byID[s.ServiceID] = s
	}
	return &Catalog{services: services, byID: byID}, nil
}

// LoadCatalog reads a JSON catalog file: an array of service descriptors.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var services []protocol.ServiceDescriptor
	if err := json.Unmarshal(data, &services); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return NewCatalog(services)
}

func (c *Catalog) Services() []protocol.ServiceDescriptor {
	return c.services
}

func (c *Catalog) Get(serviceID string) (protocol.ServiceDescriptor, bool) {
	s, ok := c.byID[serviceID]
	return s, ok
}

// ForTier returns the descriptors a worker of the given tier may host.
func (c *Catalog) ForTier(t protocol.Tier) []protocol.ServiceDescriptor {
	out := make([]protocol.ServiceDescriptor, 0, len(c.services))
	for _, s := range c.services {
		if s.AllowsTier(t) {
			out = append(out, s)
		}
	}
	return out
}
