// Package metrics exposes Prometheus collectors for the conversion service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                  *prometheus.CounterVec
	providerAttemptsTotal      *prometheus.CounterVec
	providerSwitchesTotal      prometheus.Counter
	cacheLookupsTotal          *prometheus.CounterVec
	poolInUse                  prometheus.Gauge
	activeWorkers              prometheus.Gauge
	queueDepth                 prometheus.Gauge
	sweepRemovedTotal          prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiograb_jobs_total",
				Help: "Jobs that reached a final state, labeled by state.",
			},
			[]string{"state"},
		)

		providerAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiograb_provider_attempts_total",
				Help: "Provider attempts, labeled by route, operation and outcome.",
			},
			[]string{"route", "operation", "outcome"},
		)

		providerSwitchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "audiograb_provider_switches_total",
				Help: "Times the fallback client advanced to the next credential.",
			},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiograb_cache_lookups_total",
				Help: "Cache lookups, labeled by namespace and result.",
			},
			[]string{"namespace", "result"},
		)

		poolInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "audiograb_store_pool_in_use",
				Help: "Store handles currently checked out of the resource pool.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "audiograb_active_workers",
				Help: "Workers currently running a job pipeline.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "audiograb_queue_depth",
				Help: "Job ids waiting for a worker.",
			},
		)

		sweepRemovedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "audiograb_expired_jobs_removed_total",
				Help: "Jobs removed by the expiration scheduler.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

func ObserveJob(state string) {
	Init()
	jobsTotal.WithLabelValues(state).Inc()
}

func ObserveProviderAttempt(route, operation, outcome string) {
	Init()
	providerAttemptsTotal.WithLabelValues(route, operation, outcome).Inc()
}

func ObserveProviderSwitch() {
	Init()
	providerSwitchesTotal.Inc()
}

// ObserveCacheLookup records a hit or miss for a cache namespace.
func ObserveCacheLookup(namespace string, hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(namespace, result).Inc()
}

func SetPoolInUse(n int) {
	Init()
	poolInUse.Set(float64(n))
}

func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

func ObserveSweepRemoved(n int) {
	Init()
	sweepRemovedTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
