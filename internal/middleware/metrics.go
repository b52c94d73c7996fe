package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/openparl/flaggate/internal/metrics"
)

// HTTPMetrics returns middleware that records request count and latency per
// method, route pattern, and status code. The route label uses the matched
// mux pattern rather than the raw path, keeping label cardinality bounded.
func HTTPMetrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(wrapped, r)
			duration := time.Since(start)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			status := strconv.Itoa(wrapped.statusCode)

			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(duration.Seconds())
		})
	}
}
