package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics for the service's own API surface
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Upstream proxy metrics
	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total number of requests forwarded to the upstream",
		},
		[]string{"method", "status"},
	)

	upstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Upstream request duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method"},
	)

	upstreamRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_retries_total",
			Help: "Total number of requests retried after an authentication refresh",
		},
	)

	// Authentication metrics
	authRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_total",
			Help: "Total number of authentication refresh attempts",
		},
		[]string{"mode", "outcome"},
	)

	sessionRestoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_session_restores_total",
			Help: "Total number of session restore attempts from the store",
		},
		[]string{"outcome"},
	)

	otpPollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auth_otp_polls_total",
			Help: "Total number of mailbox polls while waiting for a passcode",
		},
	)

	csrfInjectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csrf_injections_total",
			Help: "Total number of CSRF form injection attempts",
		},
		[]string{"outcome"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath keeps proxied paths from exploding label cardinality: the
// catch-all forwards arbitrary upstream paths, so anything outside /api is
// collapsed into a single label.
func normalizePath(path string) string {
	if len(path) >= 4 && path[:4] == "/api" {
		if len(path) > 100 {
			return "/api/..."
		}
		return path
	}
	if path == "/" || path == "/health" || path == "/ready" || path == "/metrics" {
		return path
	}
	return "/proxy/..."
}

// --- Metric helpers ---

// RecordUpstreamRequest records one forwarded upstream call.
func RecordUpstreamRequest(method string, status int, duration time.Duration) {
	upstreamRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	upstreamRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordUpstreamRetry records a post-refresh retry.
func RecordUpstreamRetry() {
	upstreamRetriesTotal.Inc()
}

// RecordAuthRefresh records a refresh attempt. Mode is "restore" or "login".
func RecordAuthRefresh(mode string, success bool) {
	authRefreshTotal.WithLabelValues(mode, outcome(success)).Inc()
}

// RecordSessionRestore records a store restore attempt.
func RecordSessionRestore(success bool) {
	sessionRestoresTotal.WithLabelValues(outcome(success)).Inc()
}

// RecordOTPPoll records one mailbox poll.
func RecordOTPPoll() {
	otpPollsTotal.Inc()
}

// RecordCSRFInjection records an injection attempt. Outcome is "merged",
// "fallback" or "skipped".
func RecordCSRFInjection(result string) {
	csrfInjectionsTotal.WithLabelValues(result).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
