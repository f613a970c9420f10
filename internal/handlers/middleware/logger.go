package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

type accessLogger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Remembers what handler wrote, for access log and metrics
type responseRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rr *responseRecorder) Write(p []byte) (int, error) {
	n, err := rr.ResponseWriter.Write(p)
	rr.size += n
	return n, err
}

func (rr *responseRecorder) WriteHeader(statusCode int) {
	rr.ResponseWriter.WriteHeader(statusCode)
	rr.status = statusCode
}

// Access log of every request
// Request id from the client is kept, otherwise new one is generated and returned in response
func LoggerMiddleware(l accessLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			rr := newResponseRecorder(w)
			next.ServeHTTP(rr, r)

			log := l.Info
			if rr.status >= http.StatusInternalServerError {
				log = l.Error
			}
			log(
				"HTTP request served",
				"request_id", requestID,
				"ip", clientIP(r),
				"method", r.Method,
				"uri", r.RequestURI,
				"status", rr.status,
				"size", rr.size,
				"duration", time.Since(start),
			)
		})
	}
}
