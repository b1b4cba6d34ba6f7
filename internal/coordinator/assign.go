package coordinator

import (
	"sort"
	"time"

	"github.com/st7ma784/CMACatalyst-sub011/shared/protocol"
)

// Per-tier multiplexing limits. GPU services pay a multi-gigabyte model
// load on startup, so a GPU worker hosts exactly one; the other tiers run
// cheap processes side by side.
func maxServicesFor(tier protocol.Tier) int {
	if tier == protocol.TierGPU {
		return 1
	}
	return 3
}

// assignLocked runs gap-filling assignment for a newly registering worker.
// Caller holds the registry lock; w is not yet in the workers map.
//
// Services eligible for the worker's tier are ordered by current coverage
// ascending, priority-1 before priority-2 on ties, and the worker takes up
// to its multiplex limit of under-covered services off the front. A worker
// whose tier has no under-covered service still gets the single
// highest-priority eligible service, so new workers are never idle.
func (r *Registry) assignLocked(w *Worker, now time.Time) []string {
	eligible := r.catalog.ForTier(w.Tier)
	if len(eligible) == 0 {
		return nil
	}

	cov := r.coverageLocked(now)

	under := make([]protocol.ServiceDescriptor, 0, len(eligible))
	for _, s := range eligible {
		if cov[s.ServiceID] < s.TargetReplicas {
			under = append(under, s)
		}
	}

	if len(under) == 0 {
		sort.Slice(eligible, func(i, j int) bool {
			a, b := eligible[i], eligible[j]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			if cov[a.ServiceID] != cov[b.ServiceID] {
				return cov[a.ServiceID] < cov[b.ServiceID]
			}
			return a.ServiceID < b.ServiceID
		})
		return []string{eligible[0].ServiceID}
	}

	sort.Slice(under, func(i, j int) bool {
		a, b := under[i], under[j]
		if cov[a.ServiceID] != cov[b.ServiceID] {
			return cov[a.ServiceID] < cov[b.ServiceID]
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ServiceID < b.ServiceID
	})

	n := maxServicesFor(w.Tier)
	if n > len(under) {
		n = len(under)
	}
	services := make([]string, 0, n)
	for _, s := range under[:n] {
		services = append(services, s.ServiceID)
	}
	return services
}

// rebalanceLocked re-runs assignment opportunistically on heartbeat. The
// worker's services only change when a strictly better assignment exists:
// an eligible service with zero healthy coverage that this worker can take
// without uncovering anything else. Otherwise the current assignment stands,
// so heartbeats with an unchanged registry are idempotent.
func (r *Registry) rebalanceLocked(w *Worker, now time.Time) bool {
	cov := r.coverageLocked(now)

	assigned := make(map[string]bool, len(w.AssignedServices))
	for _, serviceID := range w.AssignedServices {
		assigned[serviceID] = true
	}

	gaps := make([]protocol.ServiceDescriptor, 0)
	for _, s := range r.catalog.ForTier(w.Tier) {
		if cov[s.ServiceID] == 0 && !assigned[s.ServiceID] {
			gaps = append(gaps, s)
		}
	}
	if len(gaps) == 0 {
		return false
	}
	sort.Slice(gaps, func(i, j int) bool {
		a, b := gaps[i], gaps[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ServiceID < b.ServiceID
	})

	limit := maxServicesFor(w.Tier)
	changed := false
	for _, gap := range gaps {
		if len(w.AssignedServices) < limit {
			w.AssignedServices = append(w.AssignedServices, gap.ServiceID)
			cov[gap.ServiceID]++
			changed = true
			continue
		}

		// No free slot: swap out the most redundantly covered service,
		// but only if dropping it leaves coverage above zero.
		swapIdx, swapCov := -1, 1
		for i, serviceID := range w.AssignedServices {
			if cov[serviceID] > swapCov {
				swapIdx, swapCov = i, cov[serviceID]
			}
		}
		if swapIdx < 0 {
			break
		}
		dropped := w.AssignedServices[swapIdx]
		w.AssignedServices[swapIdx] = gap.ServiceID
		cov[dropped]--
		cov[gap.ServiceID]++
		changed = true
	}
	return changed
}
