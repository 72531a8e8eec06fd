package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/okian/scouting/pkg/metrics"
)

// Error codes written in errorResponse bodies.
const (
	codeNotFound      = "not_found"
	codeNoData        = "no_data"
	codeBadRequest    = "bad_request"
	codeLimitExceeded = "limit_exceeded"
	codeUnavailable   = "unavailable"
	codeInternal      = "internal_error"
)

// MetricsMiddleware wraps HTTP handlers to record Prometheus metrics.
// Failed requests are labelled with the error code of their response body.
func MetricsMiddleware(next http.HandlerFunc, endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		durationMs := float64(time.Since(start).Milliseconds())
		statusCodeStr := strconv.Itoa(wrapped.statusCode)

		metrics.RecordHTTPRequest(endpoint, r.Method, statusCodeStr)
		metrics.RecordHTTPRequestDuration(endpoint, r.Method, statusCodeStr, durationMs)

		if wrapped.statusCode >= http.StatusBadRequest {
			errorType := wrapped.errorCode
			if errorType == "" {
				errorType = codeForStatus(wrapped.statusCode)
			}
			metrics.RecordErrorByEndpoint(endpoint, r.Method, errorType)
			metrics.RecordErrorByType(errorType, errorSeverity(errorType))
			metrics.RecordErrorLatency("http", errorType, durationMs)
		}
	}
}

// codeForStatus names a failure that was not written through writeError.
func codeForStatus(status int) string {
	switch {
	case status == http.StatusServiceUnavailable:
		return codeUnavailable
	case status >= http.StatusInternalServerError:
		return codeInternal
	case status == http.StatusNotFound:
		return codeNotFound
	default:
		return codeBadRequest
	}
}

// errorSeverity ranks an error code: our own faults are high, a missing
// backend is medium, and anything the client can fix is low.
func errorSeverity(code string) string {
	switch code {
	case codeInternal:
		return "high"
	case codeUnavailable:
		return "medium"
	default:
		return "low"
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	errorCode  string
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("failed to write response: %w", err)
	}
	return n, nil
}
