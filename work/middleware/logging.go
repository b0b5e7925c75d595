package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"twitch-xc-proxy/work/logger"
	"twitch-xc-proxy/work/metrics"
)

// RequestIDHeader carries the per request id back to the client
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID returns the id RequestLogger attached to ctx
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// statusRecorder remembers the status code and body size. Flush is kept
// so proxied video still streams through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// RequestLogger tags each request with a uuid, logs it once it completes
// and counts it per route template. Credentials in paths are masked.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(routeTemplate(r), strconv.Itoa(status)).Inc()

		line := "{middleware/logging - RequestLogger} [%s] %s %s %d %dB %s"
		args := []any{id, r.Method, redactPath(r.URL.Path), status, rec.bytes, time.Since(start).Round(time.Millisecond)}
		if status >= 500 {
			logger.Warn(line, args...)
		} else {
			logger.Debug(line, args...)
		}
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// redactPath hides the username and password segments of /live and /movie paths
func redactPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) < 4 || parts[0] != "" {
		return path
	}
	switch parts[1] {
	case "live", "movie":
		parts[2] = "***"
		parts[3] = "***"
		return strings.Join(parts, "/")
	}
	return path
}
