package edge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/st7ma784/CMACatalyst-sub011/shared/protocol"
)

func fakeCoordinator(t *testing.T, workers *atomic.Pointer[[]protocol.WorkerInfo]) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != protocol.PathWorkers {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(*workers.Load())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func workerList(ws ...protocol.WorkerInfo) *atomic.Pointer[[]protocol.WorkerInfo] {
	p := new(atomic.Pointer[[]protocol.WorkerInfo])
	p.Store(&ws)
	return p
}

func TestCacheRefreshAndLookup(t *testing.T) {
	workers := workerList(
		protocol.WorkerInfo{WorkerID: "w1", Tier: protocol.TierGPU, AssignedServices: []string{"llm-inference"}, Endpoint: "10.0.0.1:9000", Status: protocol.StatusHealthy},
		protocol.WorkerInfo{WorkerID: "w2", Tier: protocol.TierCPU, AssignedServices: []string{"rag-service", "doc-embedder"}, Endpoint: "10.0.0.2:9000", Status: protocol.StatusHealthy},
	)
	srv := fakeCoordinator(t, workers)

	cache := NewCache(srv.URL, time.Minute, time.Hour)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	got := cache.WorkersFor(context.Background(), "rag-service")
	if len(got) != 1 || got[0].WorkerID != "w2" {
		t.Fatalf("got %+v, want w2", got)
	}
	if ws := cache.WorkersFor(context.Background(), "unknown-service"); len(ws) != 0 {
		t.Fatalf("expected no workers for unknown service, got %+v", ws)
	}
}

func TestCacheColdFillOnDemand(t *testing.T) {
	workers := workerList(
		protocol.WorkerInfo{WorkerID: "w1", AssignedServices: []string{"rag-service"}, Endpoint: "10.0.0.1:9000", Status: protocol.StatusHealthy},
	)
	srv := fakeCoordinator(t, workers)

	// No Refresh and no Run: the first lookup fills the cache itself.
	cache := NewCache(srv.URL, time.Minute, time.Hour)
	got := cache.WorkersFor(context.Background(), "rag-service")
	if len(got) != 1 {
		t.Fatalf("cold lookup returned %d workers, want 1", len(got))
	}
}

func TestCacheServesStaleOnRefreshFailure(t *testing.T) {
	workers := workerList(
		protocol.WorkerInfo{WorkerID: "w1", AssignedServices: []string{"rag-service"}, Endpoint: "10.0.0.1:9000", Status: protocol.StatusHealthy},
	)
	srv := fakeCoordinator(t, workers)

	cache := NewCache(srv.URL, time.Minute, time.Hour)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Coordinator goes away; the old snapshot keeps serving.
	srv.Close()
	if err := cache.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh to fail after coordinator shutdown")
	}
	got := cache.WorkersFor(context.Background(), "rag-service")
	if len(got) != 1 {
		t.Fatalf("stale snapshot not served: got %d workers", len(got))
	}
}

func TestCacheStalenessBound(t *testing.T) {
	workers := workerList(
		protocol.WorkerInfo{WorkerID: "w1", AssignedServices: []string{"rag-service"}, Endpoint: "10.0.0.1:9000", Status: protocol.StatusHealthy},
	)
	srv := fakeCoordinator(t, workers)

	maxStale := 10 * time.Minute
	cache := NewCache(srv.URL, time.Minute, maxStale)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	srv.Close()

	now := time.Now()
	cache.now = func() time.Time { return now }

	// Within the bound the snapshot is trusted.
	now = now.Add(maxStale - time.Second)
	if got := cache.WorkersFor(context.Background(), "rag-service"); len(got) != 1 {
		t.Fatalf("snapshot inside staleness bound rejected: %d workers", len(got))
	}

	// Past it, routing to possibly-dead workers is worse than failing.
	now = now.Add(2 * time.Second)
	if got := cache.WorkersFor(context.Background(), "rag-service"); len(got) != 0 {
		t.Fatalf("snapshot past staleness bound still served: %d workers", len(got))
	}
}

func TestCacheRunStopsOnCancel(t *testing.T) {
	workers := workerList()
	srv := fakeCoordinator(t, workers)

	cache := NewCache(srv.URL, 10*time.Millisecond, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		cache.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
