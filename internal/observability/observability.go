package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total requests by endpoint, method, and status.",
		},
		[]string{"endpoint", "method", "status"},
	)

	gateOpenCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_open_total",
			Help: "Gate open attempts by outcome status.",
		},
		[]string{"status"},
	)

	gateOpenDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gate_open_duration_seconds",
			Help:    "End-to-end gate open dispatch latency.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(requestCounter, gateOpenCounter, gateOpenDuration)
}

func Handler() http.Handler { return promhttp.Handler() }

// RecordGateOpen counts one dispatch outcome.
func RecordGateOpen(status string, elapsed time.Duration) {
	gateOpenCounter.WithLabelValues(status).Inc()
	gateOpenDuration.Observe(elapsed.Seconds())
}

// Middleware counts requests per endpoint. /metrics itself is skipped.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		requestCounter.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rw.status)).Inc()
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
