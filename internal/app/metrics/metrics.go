// Package metrics exposes the coordinator's Prometheus collectors: generic
// HTTP instrumentation plus the settlement-specific counters a business
// dashboard cares about (gates verified, rail operation transitions,
// dead-lettered webhook deliveries).
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
			Namespace: "settld",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settld",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settld",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to 2.56s
		},
		[]string{"method", "path"},
	)

	GatesSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settld",
			Subsystem: "x402",
			Name:      "gates_verified_total",
			Help:      "Total number of x402 gates verified, by verification status.",
		},
		[]string{"status"},
	)

	RailOpTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settld",
			Subsystem: "rails",
			Name:      "operation_transitions_total",
			Help:      "Total number of money-rail operation state transitions.",
		},
		[]string{"to_state"},
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settld",
			Subsystem: "billing",
			Name:      "dead_letters_total",
			Help:      "Total number of webhook deliveries dead-lettered.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		GatesSettled,
		RailOpTransitions,
		DeadLettersTotal,
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path-parameter segments so per-request cardinality
// stays bounded (e.g. "/agents/agt_123/wallet" -> "/agents/:id/wallet").
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	idLike := func(s string) bool {
		return strings.ContainsAny(s, "_") && s != "wallet" && s != "ledger" && s != "authorize" && s != "credit" && s != "revoke" && s != "events"
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if idLike(p) {
			out = append(out, ":id")
			continue
		}
		out = append(out, p)
	}
	return "/" + strings.Join(out, "/")
}
