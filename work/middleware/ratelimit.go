package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"twitch-xc-proxy/work/logger"
	"twitch-xc-proxy/work/metrics"
)

// RateLimit limits every client IP to requestsPerMinute requests in a
// sliding one minute window. Rejected requests get 429 with Retry-After.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return rateLimit(requestsPerMinute, time.Minute)
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RateLimited.Inc()
			logger.Warn("{middleware/ratelimit - RateLimit} Rate limit exceeded for %s on %s", r.RemoteAddr, redactPath(r.URL.Path))
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
		}),
	)
}
