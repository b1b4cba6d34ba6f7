package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/st7ma784/CMACatalyst-sub011/shared/logger"
	"github.com/st7ma784/CMACatalyst-sub011/shared/metrics"
	"github.com/st7ma784/CMACatalyst-sub011/shared/protocol"
)

// Router proxies end-user requests straight to workers from the local
// snapshot, keeping the coordinator off the hot path.
type Router struct {
	cache           *Cache
	transport       http.RoundTripper
	upstreamTimeout time.Duration

	rr sync.Map // service_id -> *atomic.Uint64
}

func NewRouter(cache *Cache, upstreamTimeout time.Duration) *Router {
	if upstreamTimeout <= 0 {
		upstreamTimeout = 15 * time.Second
	}
	return &Router{
		cache: cache,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: 5 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: upstreamTimeout,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
		},
		upstreamTimeout: upstreamTimeout,
	}
}

func (rt *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.HandleFunc(protocol.PathEdge+"/{service}", rt.Handle)
	r.HandleFunc(protocol.PathEdge+"/{service}/*", rt.Handle)
	return r
}

// Handle routes one request: pick a healthy worker for the service class
// round-robin, forward, and retry once against a different worker when the
// first attempt fails before anything was written to the client.
func (rt *Router) Handle(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "service")
	start := time.Now()

	workers := rt.cache.WorkersFor(r.Context(), serviceID)
	if len(workers) == 0 {
		// Coverage gap signal: the coordinator closes it on the next
		// registration or heartbeat cycle, not the proxy.
		logger.Warn("no worker available", "service", serviceID, "snapshot_age", rt.cache.Age())
		metrics.RecordRoute(serviceID, "no_worker", time.Since(start))
		writeProxyError(w, http.StatusBadGateway, protocol.ErrNoWorkerAvailable)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeProxyError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	r.Body.Close()

	offset := rt.next(serviceID, len(workers))
	attempts := 1
	if len(workers) > 1 {
		attempts = 2
	}

	for i := 0; i < attempts; i++ {
		worker := workers[(offset+i)%len(workers)]
		ok, wrote := rt.forward(w, r, worker, body)
		if ok {
			metrics.RecordRoute(serviceID, "ok", time.Since(start))
			return
		}
		if wrote {
			// Response already partially written; nothing safe left to do.
			metrics.RecordRoute(serviceID, "aborted", time.Since(start))
			return
		}
		logger.Warn("upstream attempt failed", "service", serviceID, "worker_id", worker.WorkerID)
		if i+1 < attempts {
			metrics.UpstreamRetriesTotal.Inc()
		}
	}

	metrics.RecordRoute(serviceID, "timeout", time.Since(start))
	writeProxyError(w, http.StatusGatewayTimeout, protocol.ErrUpstreamTimeout)
}

// forward proxies the request to a single worker. Reports whether the
// attempt succeeded and whether any bytes reached the client.
func (rt *Router) forward(w http.ResponseWriter, r *http.Request, worker protocol.WorkerInfo, body []byte) (ok, wrote bool) {
	target, err := workerURL(worker.Endpoint)
	if err != nil {
		logger.Error("bad worker endpoint", "worker_id", worker.WorkerID, "endpoint", worker.Endpoint, "error", err)
		return false, false
	}

	ctx, cancel := context.WithTimeout(r.Context(), rt.upstreamTimeout)
	defer cancel()

	req := r.Clone(ctx)
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.URL.Path = "/" + chi.URLParam(r, "*")

	failed := false
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = rt.transport
	proxy.ErrorHandler = func(http.ResponseWriter, *http.Request, error) {
		failed = true
	}

	tw := &trackingWriter{ResponseWriter: w}
	proxy.ServeHTTP(tw, req)
	return !failed, tw.wrote
}

// next advances the per-service round-robin counter so consecutive requests
// spread across the eligible workers.
func (rt *Router) next(serviceID string, n int) int {
	v, _ := rt.rr.LoadOrStore(serviceID, new(atomic.Uint64))
	return int((v.(*atomic.Uint64).Add(1) - 1) % uint64(n))
}

// workerURL accepts host:port endpoints as well as full tunnel URLs.
func workerURL(endpoint string) (*url.URL, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	return url.Parse(endpoint)
}

type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) WriteHeader(status int) {
	t.wrote = true
	t.ResponseWriter.WriteHeader(status)
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(p)
}

func writeProxyError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: code})
}
