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

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "controlplane",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "controlplane",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.56s
		},
		[]string{"method", "path"},
	)

	schedulerPlacements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "scheduler",
			Name:      "placements_total",
			Help:      "Total number of scheduling attempts.",
		},
		[]string{"outcome"},
	)

	commandDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "commandbus",
			Name:      "deliveries_total",
			Help:      "Total number of command deliveries by path.",
		},
		[]string{"path", "outcome"},
	)

	billingRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "billing",
			Name:      "cycles_total",
			Help:      "Total number of per-VM billing cycle outcomes.",
		},
		[]string{"outcome"},
	)

	billedAmount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "billing",
			Name:      "billed_usdc_total",
			Help:      "Cumulative billed usage, in USDC.",
		},
	)

	settlementBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "settlement",
			Name:      "batches_total",
			Help:      "Total number of settlement batch submissions.",
		},
		[]string{"outcome"},
	)

	proxySessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "controlplane",
			Subsystem: "proxy",
			Name:      "active_sessions",
			Help:      "Currently open proxied sessions.",
		},
		[]string{"kind"},
	)

	obligationDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "controlplane",
			Subsystem: "obligations",
			Name:      "dispatches_total",
			Help:      "Total number of obligation handler dispatches.",
		},
		[]string{"type", "result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		schedulerPlacements,
		commandDeliveries,
		billingRuns,
		billedAmount,
		settlementBatches,
		proxySessions,
		obligationDispatches,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordPlacement records one scheduling attempt outcome ("placed",
// "exhausted", "error").
func RecordPlacement(outcome string) {
	schedulerPlacements.WithLabelValues(outcome).Inc()
}

// RecordCommandDelivery records a command delivery attempt over a path
// ("push" or "pull").
func RecordCommandDelivery(path string, ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	commandDeliveries.WithLabelValues(path, outcome).Inc()
}

// RecordBillingCycle records the outcome of one per-VM billing pass
// ("billed", "skipped", "paused", "insufficient", "error").
func RecordBillingCycle(outcome string, amount float64) {
	billingRuns.WithLabelValues(outcome).Inc()
	if amount > 0 {
		billedAmount.Add(amount)
	}
}

// RecordSettlementBatch records a settlement batch submission outcome
// ("confirmed", "reverted", "retryable").
func RecordSettlementBatch(outcome string) {
	settlementBatches.WithLabelValues(outcome).Inc()
}

// ProxySessionOpened/Closed track active proxied sessions by kind: WebSocket
// sessions ("terminal", "sftp") and in-flight subdomain HTTP requests
// ("http").
func ProxySessionOpened(kind string) { proxySessions.WithLabelValues(kind).Inc() }
func ProxySessionClosed(kind string) { proxySessions.WithLabelValues(kind).Dec() }

// RecordObligationDispatch records a single obligation handler result
// ("completed", "retry", "failed").
func RecordObligationDispatch(typ, result string) {
	obligationDispatches.WithLabelValues(typ, result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// canonicalPath collapses high-cardinality path segments (ids) so metric
// labels stay bounded.
func canonicalPath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if looksLikeID(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

func looksLikeID(seg string) bool {
	if len(seg) < 16 {
		return false
	}
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'f':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return true
}
