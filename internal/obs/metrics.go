package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service reports ready, 0 otherwise.",
	})
)

// Domain metrics: twin lifecycle and gateway forwarding.
var (
	provisionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twin_provision_total",
			Help: "Twin provisioning attempts by outcome.",
		},
		[]string{"outcome"},
	)

	policyDenialsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "policy_denials_total",
		Help: "Requests denied by quota evaluation.",
	})

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_upstream_duration_seconds",
			Help:    "Latency of forwarded twin calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
		provisionTotal, policyDenialsTotal, upstreamDuration,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveProvision records a provisioning attempt outcome ("ok" or "degraded").
func ObserveProvision(outcome string) {
	provisionTotal.WithLabelValues(outcome).Inc()
}

// ObservePolicyDenial counts a quota denial.
func ObservePolicyDenial() {
	policyDenialsTotal.Inc()
}

// ObserveUpstream records a forwarded call with its duration ("ok" or "error").
func ObserveUpstream(outcome string, d time.Duration) {
	upstreamDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers so metric labels stay low-cardinality.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case parts[0] == "user" && len(parts) >= 2 && parts[1] == "twins":
		switch {
		case len(parts) == 2:
			return "/user/twins"
		case len(parts) == 3:
			return "/user/twins/:id"
		case len(parts) == 4 && (parts[3] == "start" || parts[3] == "stop"):
			return "/user/twins/:id/" + parts[3]
		case len(parts) == 5 && parts[3] == "action":
			return "/user/twins/:id/action/:endpoint"
		}
	case parts[0] == "user" && len(parts) == 4 && parts[1] == "models" && parts[3] == "subscribe":
		return "/user/models/:id/subscribe"
	case parts[0] == "owner" && len(parts) == 4 && parts[1] == "models":
		return "/owner/models/:id/" + parts[3]
	}
	return path
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
