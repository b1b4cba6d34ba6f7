package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/st7ma784/CMACatalyst-sub011/shared/protocol"
)

// fakeCoordinator implements register/heartbeat with a switchable
// known-worker set, so the unknown-worker reset path can be exercised.
type fakeCoordinator struct {
	srv *httptest.Server

	mu         sync.Mutex
	nextID     int
	known      map[string]bool
	registered int
	heartbeats int
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	t.Helper()
	fc := &fakeCoordinator{known: make(map[string]bool)}
	mux := http.NewServeMux()
	mux.HandleFunc(protocol.PathRegister, fc.handleRegister)
	mux.HandleFunc(protocol.PathHeartbeat, fc.handleHeartbeat)
	mux.HandleFunc(protocol.PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	fc.srv = httptest.NewServer(mux)
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeCoordinator) handleRegister(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.nextID++
	fc.registered++
	workerID := "worker-" + string(rune('a'+fc.nextID-1))
	fc.known[workerID] = true
	json.NewEncoder(w).Encode(protocol.RegisterResponse{
		WorkerID:         workerID,
		Tier:             protocol.TierCPU,
		AssignedServices: []string{"rag-service"},
		Config:           protocol.AgentConfig{HeartbeatIntervalSeconds: 1},
	})
}

func (fc *fakeCoordinator) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	json.NewDecoder(r.Body).Decode(&req)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.known[req.WorkerID] {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: protocol.ErrUnknownWorker})
		return
	}
	fc.heartbeats++
	json.NewEncoder(w).Encode(protocol.HeartbeatResponse{AssignedServices: []string{"rag-service"}})
}

func (fc *fakeCoordinator) forgetAll() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.known = make(map[string]bool)
}

func (fc *fakeCoordinator) counts() (registered, heartbeats int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.registered, fc.heartbeats
}

func TestAgentRegistersAndHeartbeats(t *testing.T) {
	fc := newFakeCoordinator(t)
	a := New(Config{
		CoordinatorURL:    fc.srv.URL,
		Endpoint:          "127.0.0.1:9000",
		TypeHint:          "cpu",
		HeartbeatInterval: 50 * time.Millisecond,
	}, NewLauncher(nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, hb := fc.counts(); hb >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	registered, heartbeats := fc.counts()
	if registered != 1 {
		t.Fatalf("agent registered %d times, want 1", registered)
	}
	if heartbeats < 2 {
		t.Fatalf("agent sent %d heartbeats, want at least 2", heartbeats)
	}
}

func TestAgentReregistersOnUnknownWorker(t *testing.T) {
	fc := newFakeCoordinator(t)
	a := New(Config{
		CoordinatorURL:    fc.srv.URL,
		Endpoint:          "127.0.0.1:9000",
		TypeHint:          "cpu",
		HeartbeatInterval: 50 * time.Millisecond,
	}, NewLauncher(nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	waitFor := func(cond func() bool, msg string) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if cond() {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
		<-done
		t.Fatal(msg)
	}

	waitFor(func() bool { r, _ := fc.counts(); return r == 1 }, "agent never registered")
	firstID := a.WorkerID()

	// Coordinator "restarts": all registrations are gone. The agent must
	// come back with a fresh registration, not retry the dead worker_id.
	fc.forgetAll()
	waitFor(func() bool { r, _ := fc.counts(); return r >= 2 }, "agent never re-registered after reset")

	cancel()
	<-done

	if a.WorkerID() == "" || a.WorkerID() == firstID {
		t.Fatalf("expected a fresh worker_id, got %q (was %q)", a.WorkerID(), firstID)
	}
}
