package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nkiryanov/medhub/internal/metrics"
)

// Metrics records request count and duration under route label
// Route is a pattern, not raw path, to keep label cardinality bounded
func Metrics(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			metrics.HTTPRequestsInFlight.Inc()
			defer metrics.HTTPRequestsInFlight.Dec()

			rr := newResponseRecorder(w)
			next.ServeHTTP(rr, r)

			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rr.status)).Inc()
		})
	}
}
