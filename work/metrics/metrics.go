package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProxySessionsActive tracks live streams currently piped through this server.
var ProxySessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ttv_xc_proxy_sessions_active",
	Help: "Number of live byte-proxy sessions in progress",
})

// BytesProxied counts bytes delivered to clients in proxy mode, per channel login.
var BytesProxied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ttv_xc_bytes_proxied_total",
	Help: "Total bytes written to clients by the live proxy",
}, []string{"channel"})

// LiveRequests counts live deliveries by mode and outcome
// (redirect, stream, terminated, not_found, upstream_error, overloaded).
var LiveRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ttv_xc_live_requests_total",
	Help: "Live delivery requests by mode and outcome",
}, []string{"mode", "outcome"})

// VodStageRequests counts VOD playlist (stage 1) and segment (stage 2) requests by outcome.
var VodStageRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ttv_xc_vod_stage_requests_total",
	Help: "VOD rewriter and segment redirector requests by stage and outcome",
}, []string{"stage", "outcome"})

// ResolverCalls counts upstream resolutions by content kind and outcome.
var ResolverCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ttv_xc_resolver_calls_total",
	Help: "Upstream media resolutions by kind and outcome",
}, []string{"kind", "outcome"})

// AuthFailures counts rejected credentials by reason.
var AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ttv_xc_auth_failures_total",
	Help: "Rejected credential checks by reason",
}, []string{"reason"})

// StreamErrors counts upstream errors met while streaming, per channel and error type.
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ttv_xc_stream_errors_total",
	Help: "Number of stream errors",
}, []string{"channel", "error_type"})

// HTTPRequests counts served requests by route template and status code.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ttv_xc_http_requests_total",
	Help: "HTTP requests by route template and status code",
}, []string{"route", "code"})

// RateLimited counts requests rejected by the per-IP limiter.
var RateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ttv_xc_rate_limited_total",
	Help: "Requests rejected by the inbound rate limiter",
})
