package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bleepstore/bleepfile/internal/auth"
	fserr "github.com/bleepstore/bleepfile/internal/errors"
	"github.com/bleepstore/bleepfile/internal/logging"
	"github.com/bleepstore/bleepfile/internal/metrics"
	"github.com/bleepstore/bleepfile/internal/uid"
	"github.com/bleepstore/bleepfile/internal/xmlutil"
)

// serverName is the value of the Server response header.
const serverName = "BleepFile"

// commonHeaders is HTTP middleware that injects the protocol headers present
// on every response: x-ms-request-id, x-ms-version, Date and Server.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set(xmlutil.RequestIDHeader, uid.RequestID())
		h.Set("x-ms-version", auth.DefaultVersion)
		h.Set("Date", xmlutil.FormatTimeHTTP(time.Now()))
		h.Set("Server", serverName)
		next.ServeHTTP(w, r)
	})
}

// responseRecorder wraps http.ResponseWriter to capture the HTTP status code
// and the number of bytes written.
type responseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	if rr, ok := w.(*responseRecorder); ok {
		return rr
	}
	return &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader captures the status code and delegates to the wrapped ResponseWriter.
func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

// Write captures the number of bytes written and delegates to the wrapped ResponseWriter.
func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.statusCode = http.StatusOK
		rr.wroteHeader = true
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytesWritten += n
	return n, err
}

// Flush implements the http.Flusher interface if the underlying ResponseWriter supports it.
func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// metricsMiddleware records Prometheus metrics for each request:
// request count, duration, request size, and response size.
// The /metrics endpoint is excluded from self-instrumentation.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := newResponseRecorder(w)
		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		normalizedPath := metrics.NormalizePath(r.URL.Path)
		method := r.Method
		status := strconv.Itoa(rec.statusCode)

		metrics.HTTPRequestsTotal.WithLabelValues(method, normalizedPath, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, normalizedPath).Observe(duration)

		if r.ContentLength > 0 {
			metrics.HTTPRequestSize.WithLabelValues(method, normalizedPath).Observe(float64(r.ContentLength))
			metrics.BytesReceivedTotal.Add(float64(r.ContentLength))
		}
		if rec.bytesWritten > 0 {
			metrics.HTTPResponseSize.WithLabelValues(method, normalizedPath).Observe(float64(rec.bytesWritten))
			metrics.BytesSentTotal.Add(float64(rec.bytesWritten))
		}
	})
}

// requestLogger attaches a request-scoped logger to the context and logs
// each completed request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := w.Header().Get(xmlutil.RequestIDHeader)
		logger := logging.FromContext(r.Context()).With("request_id", requestID)
		r = r.WithContext(logging.WithLogger(r.Context(), logger))

		rec := newResponseRecorder(w)
		next.ServeHTTP(rec, r)

		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.statusCode,
			"duration", time.Since(start),
		)
	})
}

// transferEncodingCheck rejects requests with a Transfer-Encoding other than
// chunked.
func transferEncodingCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		te := r.Header.Get("Transfer-Encoding")
		if te != "" && !strings.EqualFold(strings.TrimSpace(te), "chunked") {
			xmlutil.WriteErrorResponse(w, r, fserr.ErrInvalidHeaderValue.WithExtra("HeaderName", "Transfer-Encoding"))
			return
		}
		// net/http strips the header but keeps non-chunked codings here.
		for _, enc := range r.TransferEncoding {
			if !strings.EqualFold(enc, "chunked") {
				xmlutil.WriteErrorResponse(w, r, fserr.ErrInvalidHeaderValue.WithExtra("HeaderName", "Transfer-Encoding"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// readOnlyGuard rejects every request other than GET and HEAD. It fronts a
// server running as a secondary endpoint.
func readOnlyGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			xmlutil.WriteErrorResponse(w, r, fserr.ErrWriteOperationNotSupportedOnSecondary)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// metaHeaderPrefix is the canonical form of "x-ms-meta-" as produced by
// textproto.CanonicalMIMEHeaderKey.
const metaHeaderPrefix = "X-Ms-Meta-"

// metadataHeaderWriter rewrites X-Ms-Meta-* response header keys to
// lowercase before they are flushed, so metadata names reach clients in the
// case they were stored in.
type metadataHeaderWriter struct {
	http.ResponseWriter
	headerRewritten bool
}

func (mw *metadataHeaderWriter) rewriteMetaHeaders() {
	if mw.headerRewritten {
		return
	}
	mw.headerRewritten = true

	h := mw.ResponseWriter.Header()
	for key, values := range h {
		if strings.HasPrefix(key, metaHeaderPrefix) {
			lowerKey := strings.ToLower(key)
			delete(h, key)
			h[lowerKey] = values
		}
	}
}

func (mw *metadataHeaderWriter) WriteHeader(code int) {
	mw.rewriteMetaHeaders()
	mw.ResponseWriter.WriteHeader(code)
}

func (mw *metadataHeaderWriter) Write(b []byte) (int, error) {
	mw.rewriteMetaHeaders()
	return mw.ResponseWriter.Write(b)
}

func (mw *metadataHeaderWriter) Flush() {
	if f, ok := mw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// metadataHeaderMiddleware lowercases x-ms-meta-* response header names.
func metadataHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&metadataHeaderWriter{ResponseWriter: w}, r)
	})
}
