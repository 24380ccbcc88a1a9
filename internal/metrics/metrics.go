package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records query cache lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records query cache store attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	CacheLookupHit   CacheLookupOutcome = "hit"
	CacheLookupStale CacheLookupOutcome = "stale"
	CacheLookupMiss  CacheLookupOutcome = "miss"
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	CacheStoreStored CacheStoreOutcome = "stored"
	CacheStoreError  CacheStoreOutcome = "error"
)

// InvalidationMode distinguishes the router's delivery paths.
type InvalidationMode string

const (
	InvalidationImmediate InvalidationMode = "immediate"
	InvalidationDebounced InvalidationMode = "debounced"
	InvalidationPrefix    InvalidationMode = "prefix"
)

// Recorder publishes Prometheus metrics for scheduler and router activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	queryReads  *prometheus.CounterVec
	readLatency *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	pollingDecisions *prometheus.CounterVec
	refetches        *prometheus.CounterVec
	refetchLatency   *prometheus.HistogramVec

	invalidations  *prometheus.CounterVec
	realtimeHealth prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	queryReads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querysync",
		Subsystem: "query",
		Name:      "reads_total",
		Help:      "Total query reads served over HTTP.",
	}, []string{"family", "outcome", "status_code", "from_cache"})

	readLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "querysync",
		Subsystem: "query",
		Name:      "read_duration_seconds",
		Help:      "Latency distribution for completed query reads.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"family", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querysync",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Query cache operations executed by the scheduler and read path.",
	}, []string{"family", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "querysync",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for query cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"family", "operation", "result"})

	pollingDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querysync",
		Subsystem: "polling",
		Name:      "decisions_total",
		Help:      "Interval decisions produced by the selector per tracked query.",
	}, []string{"family", "decision"})

	refetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querysync",
		Subsystem: "polling",
		Name:      "refetches_total",
		Help:      "Upstream refetches triggered by the scheduler.",
	}, []string{"family", "outcome"})

	refetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "querysync",
		Subsystem: "polling",
		Name:      "refetch_duration_seconds",
		Help:      "Latency distribution for upstream refetches.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"family", "outcome"})

	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querysync",
		Subsystem: "invalidation",
		Name:      "requests_total",
		Help:      "Invalidation requests routed to the query cache.",
	}, []string{"scope", "mode"})

	realtimeHealth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "querysync",
		Subsystem: "realtime",
		Name:      "healthy",
		Help:      "Whether the realtime channel currently passes the health probe.",
	})

	reg.MustRegister(queryReads, readLatency, cacheOperations, cacheLatency,
		pollingDecisions, refetches, refetchLatency, invalidations, realtimeHealth)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		queryReads:       queryReads,
		readLatency:      readLatency,
		cacheOperations:  cacheOperations,
		cacheLatency:     cacheLatency,
		pollingDecisions: pollingDecisions,
		refetches:        refetches,
		refetchLatency:   refetchLatency,
		invalidations:    invalidations,
		realtimeHealth:   realtimeHealth,
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

// ObserveQueryRead records the outcome and latency for a completed read.
func (r *Recorder) ObserveQueryRead(family, outcome string, statusCode int, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	familyLabel := normalizeLabel(family)
	outcomeLabel := normalizeLabel(outcome)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	r.queryReads.WithLabelValues(familyLabel, outcomeLabel, statusLabel, cacheLabel).Inc()
	r.readLatency.WithLabelValues(familyLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(family string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(normalizeLabel(family), CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(family string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(normalizeLabel(family), CacheOperationStore, resultLabel, duration)
}

func (r *Recorder) observeCache(family string, operation CacheOperation, result string, duration time.Duration) {
	r.cacheOperations.WithLabelValues(family, string(operation), result).Inc()
	r.cacheLatency.WithLabelValues(family, string(operation), result).Observe(duration.Seconds())
}

// ObservePollingDecision counts one selector decision for a tracked family.
func (r *Recorder) ObservePollingDecision(family, decision string) {
	if r == nil {
		return
	}
	r.pollingDecisions.WithLabelValues(normalizeLabel(family), normalizeLabel(decision)).Inc()
}

// ObserveRefetch records an upstream refetch and its latency.
func (r *Recorder) ObserveRefetch(family, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	familyLabel := normalizeLabel(family)
	outcomeLabel := normalizeLabel(outcome)
	r.refetches.WithLabelValues(familyLabel, outcomeLabel).Inc()
	r.refetchLatency.WithLabelValues(familyLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveInvalidation counts one routed invalidation.
func (r *Recorder) ObserveInvalidation(scope string, mode InvalidationMode) {
	if r == nil {
		return
	}
	modeLabel := string(mode)
	if modeLabel == "" {
		modeLabel = string(InvalidationImmediate)
	}
	r.invalidations.WithLabelValues(normalizeLabel(scope), modeLabel).Inc()
}

// SetRealtimeHealthy publishes the estimator's latest verdict.
func (r *Recorder) SetRealtimeHealthy(healthy bool) {
	if r == nil {
		return
	}
	if healthy {
		r.realtimeHealth.Set(1)
		return
	}
	r.realtimeHealth.Set(0)
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
