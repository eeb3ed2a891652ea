// Package metrics provides Prometheus metrics for the file server.
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
	// HTTP request metrics. Paths are deliberately not a label: every file
	// would become its own series.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirserve_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dirserve_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120, 600},
		},
		[]string{"method"},
	)

	// Transfer metrics
	bytesTransferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dirserve_transfer_bytes_total",
			Help: "Total file bytes written to clients",
		},
	)

	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirserve_transfers_total",
			Help: "Total number of file transfers by plan and outcome",
		},
		[]string{"plan", "outcome"},
	)

	transfersInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirserve_transfers_in_flight",
			Help: "Number of file transfers currently streaming",
		},
	)

	// Listing metrics
	listingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dirserve_listing_duration_seconds",
			Help:    "Time to enumerate and render a directory listing",
			Buckets: prometheus.DefBuckets,
		},
	)

	listingEntries = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dirserve_listing_entries",
			Help:    "Number of entries per directory listing",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	// Cache metrics
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirserve_cache_lookups_total",
			Help: "Small-file cache lookups",
		},
		[]string{"result"},
	)

	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirserve_cache_bytes",
			Help: "Bytes currently held by the small-file cache",
		},
	)

	// Security metrics
	traversalBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dirserve_traversal_blocked_total",
			Help: "Requests whose path resolved outside the served root",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// TransferStarted marks a transfer as in flight.
func TransferStarted() {
	transfersInFlight.Inc()
}

// TransferFinished records a completed or aborted transfer.
func TransferFinished(plan string, bytes int64, err error) {
	transfersInFlight.Dec()
	bytesTransferred.Add(float64(bytes))
	outcome := "success"
	if err != nil {
		outcome = "aborted"
	}
	transfersTotal.WithLabelValues(plan, outcome).Inc()
}

// RecordListing records a directory listing.
func RecordListing(duration time.Duration, entries int) {
	listingDuration.Observe(duration.Seconds())
	listingEntries.Observe(float64(entries))
}

// RecordCacheLookup records a small-file cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookups.WithLabelValues(result).Inc()
}

// SetCacheBytes sets the current cache footprint.
func SetCacheBytes(n int64) {
	cacheBytes.Set(float64(n))
}

// RecordTraversalBlocked counts a request that tried to leave the root.
func RecordTraversalBlocked() {
	traversalBlocked.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, rw.statusCode, time.Since(start))
	})
}
