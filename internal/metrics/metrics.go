package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the store method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records store match calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records opportunistic store writes.
	CacheOperationStore CacheOperation = "store"
	// CacheOperationPopulate records install-time bulk population.
	CacheOperationPopulate CacheOperation = "populate"
)

// CacheResult captures the result of a store operation.
type CacheResult string

const (
	CacheResultHit    CacheResult = "hit"
	CacheResultMiss   CacheResult = "miss"
	CacheResultStored CacheResult = "stored"
	CacheResultError  CacheResult = "error"
)

// FetchSource says where an intercepted request's response came from.
type FetchSource string

const (
	FetchSourceCache   FetchSource = "cache"
	FetchSourceNetwork FetchSource = "network"
	// FetchSourceNone marks requests that resolved to no response.
	FetchSourceNone FetchSource = "none"
)

// Recorder publishes Prometheus metrics for agent activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	lifecycleEvents *prometheus.CounterVec
	storesDeleted   prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinectl",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Intercepted requests by classification and response source.",
	}, []string{"kind", "source"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offlinectl",
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "Latency distribution for intercepted requests.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"kind", "source"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinectl",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache store operations executed by the agent.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offlinectl",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"operation", "result"})

	lifecycleEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinectl",
		Subsystem: "lifecycle",
		Name:      "events_total",
		Help:      "Install and activate phases by result.",
	}, []string{"phase", "result"})

	storesDeleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "offlinectl",
		Name:      "stores_deleted_total",
		Help:      "Stale cache stores purged during activation.",
	})

	reg.MustRegister(fetchRequests, fetchLatency, cacheOperations, cacheLatency, lifecycleEvents, storesDeleted)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		fetchRequests:   fetchRequests,
		fetchLatency:    fetchLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		lifecycleEvents: lifecycleEvents,
		storesDeleted:   storesDeleted,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records how an intercepted request was answered.
func (r *Recorder) ObserveFetch(kind string, source FetchSource, duration time.Duration) {
	if r == nil {
		return
	}
	kindLabel := normalizeLabel(kind)
	sourceLabel := normalizeLabel(string(source))
	r.fetchRequests.WithLabelValues(kindLabel, sourceLabel).Inc()
	r.fetchLatency.WithLabelValues(kindLabel, sourceLabel).Observe(duration.Seconds())
}

// ObserveCache records the result of a store operation.
func (r *Recorder) ObserveCache(operation CacheOperation, result CacheResult, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(string(result))
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveLifecycle counts install and activate attempts.
func (r *Recorder) ObserveLifecycle(phase string, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.lifecycleEvents.WithLabelValues(normalizeLabel(phase), result).Inc()
}

// ObserveStoresDeleted adds n purged stores.
func (r *Recorder) ObserveStoresDeleted(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.storesDeleted.Add(float64(n))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
