// Package metrics defines custom Prometheus metrics for BleepFile.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepfile_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepfile_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepfile_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepfile_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// File service metrics.
var (
	// OperationsTotal counts file service operations by name and status.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepfile_operations_total",
			Help: "File service operations by type",
		},
		[]string{"operation", "status"},
	)

	// ListPagesTotal counts listing pages served, by scope (shares or entries).
	ListPagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bleepfile_list_pages_total",
			Help: "Listing pages served",
		},
		[]string{"scope"},
	)

	// ListItemsReturned observes the number of items in each listing page.
	ListItemsReturned = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bleepfile_list_items_returned",
			Help:    "Items returned per listing page",
			Buckets: []float64{0, 1, 10, 100, 1000, 5000},
		},
		[]string{"scope"},
	)

	// SharesTotal is a gauge tracking the number of shares.
	SharesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bleepfile_shares_total",
			Help: "Total shares",
		},
	)

	// BytesReceivedTotal counts total bytes received in request bodies.
	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepfile_bytes_received_total",
			Help: "Total bytes received (request bodies)",
		},
	)

	// BytesSentTotal counts total bytes sent in response bodies.
	BytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bleepfile_bytes_sent_total",
			Help: "Total bytes sent (response bodies)",
		},
	)
)

// Listing scopes.
const (
	ScopeShares  = "shares"
	ScopeEntries = "entries"
)

// Register registers all Prometheus collectors with the default registry.
// It is safe to call multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			OperationsTotal,
			ListPagesTotal,
			ListItemsReturned,
			SharesTotal,
			BytesReceivedTotal,
			BytesSentTotal,
		)
		// Make both listing scopes visible before the first listing.
		ListPagesTotal.WithLabelValues(ScopeShares)
		ListPagesTotal.WithLabelValues(ScopeEntries)
	})
}

// ObserveListPage records one served listing page of n items.
func ObserveListPage(scope string, n int) {
	ListPagesTotal.WithLabelValues(scope).Inc()
	ListItemsReturned.WithLabelValues(scope).Observe(float64(n))
}

// NormalizePath maps request paths to templates suitable for metric labels,
// avoiding a label per share or file name.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/metrics":
		return path
	case "/", "":
		return "/"
	}
	first, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	switch {
	case first == "docs":
		return "/docs"
	case first == "openapi", strings.HasPrefix(first, "openapi."), strings.HasPrefix(first, "openapi-3.0."):
		return "/openapi"
	}

	trimmed := strings.Trim(path, "/")
	if !strings.Contains(trimmed, "/") {
		return "/{share}"
	}
	return "/{share}/{path}"
}
