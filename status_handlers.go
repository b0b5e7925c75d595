package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"twitch-xc-proxy/work/auth"
	"twitch-xc-proxy/work/logger"
	"twitch-xc-proxy/work/proxy"
)

// startTime records process start for uptime reporting
var startTime = time.Now()

// catalogHealth is the part of the catalog the health check reads
type catalogHealth interface {
	Healthy(ctx context.Context) error
	GetStats(ctx context.Context) (map[string]interface{}, error)
}

// HealthResponse is the /healthz body
type HealthResponse struct {
	Status         string                 `json:"status"`
	Version        string                 `json:"version"`
	Uptime         string                 `json:"uptime"`
	LogLevel       string                 `json:"logLevel"`
	ActiveSessions int                    `json:"activeSessions"`
	SessionSlots   int                    `json:"sessionSlots"`
	FreeSlots      int                    `json:"freeSlots"`
	Catalog        map[string]interface{} `json:"catalog,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// SessionsResponse is the /api/sessions body
type SessionsResponse struct {
	Count    int                 `json:"count"`
	Sessions []proxy.SessionInfo `json:"sessions"`
}

// setupStatusRoutes adds the operational endpoints: prometheus metrics, the
// catalog health check and the read-only session list.
func setupStatusRoutes(router *mux.Router, sp *proxy.StreamProxy, gate *auth.Gate, catalog catalogHealth) {
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", handleHealth(sp, gate, catalog)).Methods(http.MethodGet)
	router.HandleFunc("/api/sessions", handleSessions(sp, gate)).Methods(http.MethodGet)
}

// handleHealth pings the catalog and reports pool usage. An unreachable
// catalog answers 503 so orchestrators can restart the container. Catalog
// row counts are only included for master-secret callers.
func handleHealth(sp *proxy.StreamProxy, gate *auth.Gate, catalog catalogHealth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:         "ok",
			Version:        Version,
			Uptime:         formatDuration(time.Since(startTime)),
			LogLevel:       logger.GetLogLevel(),
			ActiveSessions: sp.Sessions.Len(),
			SessionSlots:   sp.WorkerPool.Cap(),
			FreeSlots:      sp.WorkerPool.Free(),
		}

		status := http.StatusOK
		if err := catalog.Healthy(r.Context()); err != nil {
			logger.Error("{main/status_handlers - handleHealth} Catalog ping failed: %v", err)
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			status = http.StatusServiceUnavailable
		} else if password := r.URL.Query().Get("password"); password != "" && gate.AuthenticateMaster(r.Context(), password) {
			if stats, err := catalog.GetStats(r.Context()); err != nil {
				logger.Warn("{main/status_handlers - handleHealth} Failed to read catalog stats: %v", err)
			} else {
				resp.Catalog = stats
			}
		}

		writeStatusJSON(w, status, resp)
	}
}

// handleSessions lists active byte-proxy sessions for master-secret callers
func handleSessions(sp *proxy.StreamProxy, gate *auth.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !gate.AuthenticateMaster(r.Context(), r.URL.Query().Get("password")) {
			http.Error(w, "Invalid password", http.StatusUnauthorized)
			return
		}
		sessions := sp.Sessions.Snapshot()
		writeStatusJSON(w, http.StatusOK, SessionsResponse{Count: len(sessions), Sessions: sessions})
	}
}

func writeStatusJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{main/status_handlers - writeStatusJSON} Failed to encode response: %v", err)
	}
}

// formatDuration converts time.Duration to human-readable format
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
