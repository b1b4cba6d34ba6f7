package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Coordinator metrics
	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_registrations_total",
			Help: "Total number of worker registrations",
		},
		[]string{"tier", "status"},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_heartbeats_total",
			Help: "Total number of heartbeats received",
		},
		[]string{"result"},
	)

	WorkersRegistered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coord_workers",
			Help: "Registered workers by tier and liveness status",
		},
		[]string{"tier", "status"},
	)

	ServiceCoverage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coord_service_coverage",
			Help: "Healthy workers currently assigned to each service",
		},
		[]string{"service_id"},
	)

	EvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coord_evictions_total",
			Help: "Total number of dead workers evicted from the registry",
		},
	)

	// Edge proxy metrics
	RouteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_route_requests_total",
			Help: "Total number of routed requests",
		},
		[]string{"service_id", "status"},
	)

	RouteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edge_route_duration_seconds",
			Help:    "Duration of proxied requests",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"service_id"},
	)

	UpstreamRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_upstream_retries_total",
			Help: "Total number of retries against a different worker",
		},
	)

	CacheRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_cache_refresh_total",
			Help: "Total number of worker list refresh attempts",
		},
		[]string{"status"},
	)

	CacheWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_cache_workers",
			Help: "Healthy workers in the local snapshot",
		},
	)

	CacheAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_cache_age_seconds",
			Help: "Age of the local worker snapshot",
		},
	)
)

// Init registers all metrics with Prometheus
func Init() {
	prometheus.MustRegister(RegistrationsTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(WorkersRegistered)
	prometheus.MustRegister(ServiceCoverage)
	prometheus.MustRegister(EvictionsTotal)

	prometheus.MustRegister(RouteRequestsTotal)
	prometheus.MustRegister(RouteDuration)
	prometheus.MustRegister(UpstreamRetriesTotal)
	prometheus.MustRegister(CacheRefreshTotal)
	prometheus.MustRegister(CacheWorkers)
	prometheus.MustRegister(CacheAgeSeconds)
}

// Handler returns an HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRoute is a helper to record routing metrics
func RecordRoute(serviceID, status string, duration time.Duration) {
	RouteRequestsTotal.WithLabelValues(serviceID, status).Inc()
	RouteDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}
