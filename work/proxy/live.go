package proxy

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/panjf2000/ants/v2"

	"twitch-xc-proxy/work/config"
	"twitch-xc-proxy/work/logger"
	"twitch-xc-proxy/work/metrics"
	"twitch-xc-proxy/work/resolver"
	"twitch-xc-proxy/work/utils"
)

// ServeLive answers a live request for a catalog stream id.
//
// In direct mode the client is redirected to the freshly resolved playlist.
// In proxy mode the live byte channel is relayed in fixed-size chunks, each
// flushed before the next is read. Errors returned before any byte was
// written leave the response untouched so the caller can map them to a
// status; ErrProxyTerminated means the client left mid-stream.
//
// Parameters:
//   - w: response writer, must implement http.Flusher for proxy mode
//   - r: incoming request, its context bounds the upstream session
//   - streamID: internal live stream id
//
// Returns:
//   - error: ErrNotFound, ErrAtCapacity, *UpstreamError, ErrProxyTerminated or a catalog error
func (sp *StreamProxy) ServeLive(w http.ResponseWriter, r *http.Request, streamID int64) error {
	ctx := r.Context()

	stream, err := sp.Catalog.LiveStreamByID(ctx, streamID)
	if err != nil {
		return fmt.Errorf("catalog lookup for live stream %d: %w", streamID, err)
	}
	if stream == nil {
		logger.Warn("{proxy/live - ServeLive} Live stream %d not in catalog", streamID)
		metrics.LiveRequests.WithLabelValues("unknown", "not_found").Inc()
		return fmt.Errorf("%w: live stream %d", ErrNotFound, streamID)
	}

	mode := sp.liveMode(ctx)
	login := stream.LoginName
	if !ValidLogin(login) {
		logger.Warn("{proxy/live - ServeLive} Live stream %d has an invalid login %q", streamID, login)
		metrics.LiveRequests.WithLabelValues(mode.String(), "invalid").Inc()
		return fmt.Errorf("%w: invalid login for live stream %d", ErrNotFound, streamID)
	}

	res := sp.Factory()
	defer res.Close()

	desc, err := res.ResolveLive(ctx, login)
	if errors.Is(err, resolver.ErrNotAvailable) {
		logger.Info("{proxy/live - ServeLive} Channel %s is offline", login)
		metrics.LiveRequests.WithLabelValues(mode.String(), "offline").Inc()
		return fmt.Errorf("%w: %s is offline", ErrNotFound, login)
	}
	if err != nil {
		logger.Error("{proxy/live - ServeLive} Failed to resolve live stream for %s: %v", login, err)
		metrics.LiveRequests.WithLabelValues(mode.String(), "upstream_error").Inc()
		return &UpstreamError{Stage: StageLive, ID: login, Err: err}
	}

	if mode == config.Direct {
		logger.Debug("{proxy/live - ServeLive} Redirecting %s to %s (%s)", login, utils.LogURL(sp.Config.ObfuscateUrls, desc.PlaylistURL), desc.Quality)
		metrics.LiveRequests.WithLabelValues(mode.String(), "redirect").Inc()
		http.Redirect(w, r, desc.PlaylistURL, http.StatusFound)
		return nil
	}

	return sp.proxyLive(w, r, res, stream.ID, login, desc)
}

// proxyLive runs the byte relay inside the session pool and blocks until it
// ends. The response writer is only touched by the pool worker while this
// goroutine waits.
func (sp *StreamProxy) proxyLive(w http.ResponseWriter, r *http.Request, res resolver.Resolver, streamID int64, login string, desc *resolver.MediaDescriptor) error {
	result := make(chan error, 1)

	err := sp.WorkerPool.Submit(func() {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("{proxy/live - proxyLive} Proxy session for %s panicked: %v", login, p)
				metrics.LiveRequests.WithLabelValues(config.Proxy.String(), "panic").Inc()
				result <- fmt.Errorf("proxy session for %s: panic: %v", login, p)
			}
		}()
		result <- sp.relayLive(w, r, res, streamID, login, desc)
	})
	if errors.Is(err, ants.ErrPoolOverload) {
		logger.Warn("{proxy/live - proxyLive} Rejecting %s, all %d proxy sessions in use", login, sp.WorkerPool.Cap())
		metrics.LiveRequests.WithLabelValues(config.Proxy.String(), "at_capacity").Inc()
		return ErrAtCapacity
	}
	if err != nil {
		return fmt.Errorf("submit proxy session: %w", err)
	}

	return <-result
}

func (sp *StreamProxy) relayLive(w http.ResponseWriter, r *http.Request, res resolver.Resolver, streamID int64, login string, desc *resolver.MediaDescriptor) error {
	ctx := r.Context()

	src, err := res.OpenStream(ctx, desc.PlaylistURL)
	if err != nil {
		logger.Error("{proxy/live - relayLive} Failed to open stream for %s: %v", login, err)
		metrics.LiveRequests.WithLabelValues(config.Proxy.String(), "upstream_error").Inc()
		return &UpstreamError{Stage: StageLive, ID: login, Err: err}
	}
	defer src.Close()

	session := sp.Sessions.Start(login, streamID, r.RemoteAddr)
	defer sp.Sessions.End(session)

	logger.Info("{proxy/live - relayLive} Session %s: proxying %s (%s) to %s", session.ID, login, desc.Quality, r.RemoteAddr)

	written, err := sp.pump(w, r, src, login, session)
	switch {
	case err == nil:
		metrics.LiveRequests.WithLabelValues(config.Proxy.String(), "completed").Inc()
		logger.Info("{proxy/live - relayLive} Session %s: upstream ended for %s after %d bytes", session.ID, login, written)
		return nil
	case errors.Is(err, ErrProxyTerminated):
		metrics.LiveRequests.WithLabelValues(config.Proxy.String(), "client_left").Inc()
		logger.Debug("{proxy/live - relayLive} Session %s: client left %s after %d bytes", session.ID, login, written)
		return ErrProxyTerminated
	case written == 0:
		metrics.LiveRequests.WithLabelValues(config.Proxy.String(), "upstream_error").Inc()
		logger.Error("{proxy/live - relayLive} Session %s: stream for %s failed before any data: %v", session.ID, login, err)
		return &UpstreamError{Stage: StageLive, ID: login, Err: err}
	default:
		metrics.LiveRequests.WithLabelValues(config.Proxy.String(), "upstream_error").Inc()
		metrics.StreamErrors.WithLabelValues(login, "relay").Inc()
		logger.Warn("{proxy/live - relayLive} Session %s: stream for %s ended after %d bytes: %v", session.ID, login, written, err)
		return nil
	}
}

// writeStreamHeaders sends the live response head
func writeStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}
