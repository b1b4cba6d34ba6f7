package coordinator

import (
	"testing"
	"time"

	"github.com/st7ma784/CMACatalyst-sub011/shared/protocol"
)

func catalogOf(t *testing.T, services ...protocol.ServiceDescriptor) *Catalog {
	t.Helper()
	c, err := NewCatalog(services)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

func TestGPUWorkerGetsExactlyOneService(t *testing.T) {
	r, _ := testRegistry(t, Config{})

	resp, err := r.Register(gpuCaps, "10.0.0.1:9000")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(resp.AssignedServices) != 1 {
		t.Fatalf("gpu worker got %d services, want exactly 1", len(resp.AssignedServices))
	}

	// The single service must be an eligible priority-1 service, since all
	// coverage is zero at this point.
	s, ok := r.catalog.Get(resp.AssignedServices[0])
	if !ok {
		t.Fatalf("assigned unknown service %q", resp.AssignedServices[0])
	}
	if !s.AllowsTier(protocol.TierGPU) {
		t.Fatalf("service %q does not allow gpu tier", s.ServiceID)
	}
	if s.Priority != 1 {
		t.Fatalf("expected a priority-1 service with all-zero coverage, got priority %d", s.Priority)
	}
}

func TestGPUExclusivityAcrossHeartbeats(t *testing.T) {
	r, now := testRegistry(t, Config{DeadAfter: 60 * time.Second})

	first, _ := r.Register(gpuCaps, "10.0.0.1:9000")
	second, _ := r.Register(gpuCaps, "10.0.0.2:9000")

	// Kill the first worker so its service becomes a coverage gap the
	// second worker could fill.
	*now = now.Add(2 * time.Minute)
	if _, err := r.Heartbeat(second.WorkerID, 0); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	resp, err := r.Heartbeat(second.WorkerID, 0)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if len(resp.AssignedServices) != 1 {
		t.Fatalf("gpu worker holds %d services after rebalance, want 1", len(resp.AssignedServices))
	}
	_ = first
}

func TestMultiplexLimit(t *testing.T) {
	catalog := catalogOf(t,
		protocol.ServiceDescriptor{ServiceID: "a", Tiers: []protocol.Tier{protocol.TierCPU}, Priority: 1, TargetReplicas: 2},
		protocol.ServiceDescriptor{ServiceID: "b", Tiers: []protocol.Tier{protocol.TierCPU}, Priority: 1, TargetReplicas: 2},
		protocol.ServiceDescriptor{ServiceID: "c", Tiers: []protocol.Tier{protocol.TierCPU}, Priority: 2, TargetReplicas: 2},
		protocol.ServiceDescriptor{ServiceID: "d", Tiers: []protocol.Tier{protocol.TierCPU}, Priority: 2, TargetReplicas: 2},
	)
	r := NewRegistry(Config{}, catalog)

	resp, err := r.Register(cpuCaps, "10.0.0.1:9000")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(resp.AssignedServices) != 3 {
		t.Fatalf("cpu worker got %d services, want the multiplex limit of 3", len(resp.AssignedServices))
	}
}

func TestLeastCoveredFilledFirst(t *testing.T) {
	catalog := catalogOf(t,
		protocol.ServiceDescriptor{ServiceID: "busy", Tiers: []protocol.Tier{protocol.TierGPU}, Priority: 1, TargetReplicas: 5},
		protocol.ServiceDescriptor{ServiceID: "starved", Tiers: []protocol.Tier{protocol.TierGPU}, Priority: 2, TargetReplicas: 5},
	)
	r := NewRegistry(Config{}, catalog)

	// First worker takes "busy" (priority tie-break at zero coverage).
	first, _ := r.Register(gpuCaps, "10.0.0.1:9000")
	if first.AssignedServices[0] != "busy" {
		t.Fatalf("first worker got %v, want busy first by priority", first.AssignedServices)
	}

	// Second worker must fill the less-covered service even though it has
	// lower priority: coverage sorts before priority.
	second, _ := r.Register(gpuCaps, "10.0.0.2:9000")
	if second.AssignedServices[0] != "starved" {
		t.Fatalf("second worker got %v, want the zero-coverage service", second.AssignedServices)
	}
}

func TestFullyCoveredTierStillAssigns(t *testing.T) {
	catalog := catalogOf(t,
		protocol.ServiceDescriptor{ServiceID: "only", Tiers: []protocol.Tier{protocol.TierGPU}, Priority: 1, TargetReplicas: 1},
	)
	r := NewRegistry(Config{}, catalog)

	r.Register(gpuCaps, "10.0.0.1:9000")

	// Target coverage reached; a new worker of the tier still gets the
	// highest-priority service rather than sitting idle.
	resp, err := r.Register(gpuCaps, "10.0.0.2:9000")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(resp.AssignedServices) != 1 || resp.AssignedServices[0] != "only" {
		t.Fatalf("expected the fallback assignment, got %v", resp.AssignedServices)
	}
}

func TestRebalanceFillsGapInFreeSlot(t *testing.T) {
	catalog := catalogOf(t,
		protocol.ServiceDescriptor{ServiceID: "a", Tiers: []protocol.Tier{protocol.TierCPU}, Priority: 1, TargetReplicas: 1},
		protocol.ServiceDescriptor{ServiceID: "b", Tiers: []protocol.Tier{protocol.TierCPU}, Priority: 1, TargetReplicas: 1},
	)
	r := NewRegistry(Config{DeadAfter: 60 * time.Second}, catalog)
	now := time.Now()
	r.now = func() time.Time { return now }

	// The first worker takes both services; the second arrives with targets
	// met and falls back to "a" alone.
	first, _ := r.Register(cpuCaps, "10.0.0.1:9000")
	second, _ := r.Register(cpuCaps, "10.0.0.2:9000")
	if !equalStrings(second.AssignedServices, []string{"a"}) {
		t.Fatalf("unexpected fallback assignment %v", second.AssignedServices)
	}

	// Kill the first: "b" loses all coverage and the surviving worker has
	// free slots to absorb it.
	now = now.Add(2 * time.Minute)

	resp, err := r.Heartbeat(second.WorkerID, 0)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !resp.Changed {
		t.Fatal("expected heartbeat to pick up the coverage gap")
	}
	if !containsString(resp.AssignedServices, "b") {
		t.Fatalf("expected %q picked up, got %v", "b", resp.AssignedServices)
	}
	_ = first
}

func TestRebalanceNeverUncoversToFill(t *testing.T) {
	catalog := catalogOf(t,
		protocol.ServiceDescriptor{ServiceID: "a", Tiers: []protocol.Tier{protocol.TierGPU}, Priority: 1, TargetReplicas: 1},
		protocol.ServiceDescriptor{ServiceID: "b", Tiers: []protocol.Tier{protocol.TierGPU}, Priority: 1, TargetReplicas: 1},
	)
	r := NewRegistry(Config{DeadAfter: 60 * time.Second}, catalog)
	now := time.Now()
	r.now = func() time.Time { return now }

	first, _ := r.Register(gpuCaps, "10.0.0.1:9000")
	second, _ := r.Register(gpuCaps, "10.0.0.2:9000")
	now = now.Add(2 * time.Minute)

	// Only the second worker survives, at its GPU limit of one service.
	// Swapping to the dead worker's service would just move the gap, so the
	// assignment must not change.
	resp, err := r.Heartbeat(second.WorkerID, 0)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if resp.Changed {
		t.Fatalf("rebalance traded one gap for another: %v -> %v", second.AssignedServices, resp.AssignedServices)
	}
	_ = first
}

func containsString(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
