// Package metrics provides Prometheus metrics for the arcvault server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arcvault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arcvault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arcvault_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	tokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arcvault_token_refreshes_total",
			Help: "Total refresh-token exchanges",
		},
		[]string{"result"},
	)

	// Storage metrics
	storageOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arcvault_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"op", "status"},
	)

	storageOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arcvault_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arcvault_upload_bytes_total",
			Help: "Total bytes uploaded through the mutation gateway",
		},
	)

	// Policy metrics
	accessDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arcvault_access_denied_total",
			Help: "Total requests denied by the access policy",
		},
		[]string{"op"},
	)
)

// RecordAuthAttempt records a login attempt.
func RecordAuthAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordTokenRefresh records a refresh-token exchange.
func RecordTokenRefresh(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	tokenRefreshesTotal.WithLabelValues(result).Inc()
}

// RecordStorageOp records a storage backend call and its duration.
func RecordStorageOp(op string, err error, start time.Time) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	storageOpsTotal.WithLabelValues(op, status).Inc()
	storageOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// RecordUploadBytes records bytes accepted by the mutation gateway.
func RecordUploadBytes(n int64) {
	if n > 0 {
		uploadBytesTotal.Add(float64(n))
	}
}

// RecordAccessDenied records a policy denial.
func RecordAccessDenied(op string) {
	accessDeniedTotal.WithLabelValues(op).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments HTTP handlers with request count and duration.
// The path label uses the matched route pattern, not the raw URL, to
// bound cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}
