package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"subuser_broker/internal/logging"
	"subuser_broker/internal/utils"
)

// statusRecorder captures the status code written by the handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// RequestLogging assigns every request an id, echoes it in X-Request-ID and
// logs the request once it completes. access may be nil.
func RequestLogging(logger *utils.Logger, access *logging.AccessLog) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := uuid.NewString()

			w.Header().Set(RequestIDHeader, requestID)
			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			logger.Info("Request handled",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", duration,
			)
			access.Log(logging.AccessEntry{
				Timestamp:  start,
				RequestID:  requestID,
				Method:     r.Method,
				Path:       r.URL.Path,
				Status:     rec.status,
				DurationMS: duration.Milliseconds(),
				RemoteAddr: r.RemoteAddr,
			})
		})
	}
}
