package proxy

import (
	"context"
	"errors"
	"fmt"

	"twitch-xc-proxy/work/logger"
	"twitch-xc-proxy/work/metrics"
	"twitch-xc-proxy/work/parser"
	"twitch-xc-proxy/work/resolver"
)

// VodPlaylist is a rewritten media playlist ready to be served
type VodPlaylist struct {
	Body     string
	Segments int
}

// ServeVodPlaylist resolves a VOD and rewrites its media playlist so every
// segment points back at the segment redirector.
//
// Parameters:
//   - ctx: request context
//   - vodID: upstream VOD id
//
// Returns:
//   - *VodPlaylist: rewritten document and segment count
//   - error: ErrNotFound for invalid or unavailable VODs, *UpstreamError otherwise
func (sp *StreamProxy) ServeVodPlaylist(ctx context.Context, vodID string) (*VodPlaylist, error) {
	if !ValidVodID(vodID) {
		logger.Warn("{proxy/vod - ServeVodPlaylist} [%s] Rejecting invalid vod id %q", StageStage1, vodID)
		metrics.VodStageRequests.WithLabelValues(StageStage1, "invalid").Inc()
		return nil, fmt.Errorf("%w: invalid vod id", ErrNotFound)
	}

	res := sp.Factory()
	defer res.Close()

	doc, playlistURL, err := sp.freshVodPlaylist(ctx, res, StageStage1, vodID)
	if err != nil {
		return nil, err
	}

	body, count := parser.RewritePlaylist(doc, vodID)
	logger.Info("{proxy/vod - ServeVodPlaylist} [%s] vod %s: rewrote %d segments", StageStage1, vodID, count)
	logger.Debug("{proxy/vod - ServeVodPlaylist} [%s] vod %s: source playlist %s", StageStage1, vodID, sp.logURL(playlistURL))
	metrics.VodStageRequests.WithLabelValues(StageStage1, "ok").Inc()

	return &VodPlaylist{Body: body, Segments: count}, nil
}

// freshVodPlaylist resolves vodID and downloads its media playlist through res
func (sp *StreamProxy) freshVodPlaylist(ctx context.Context, res resolver.Resolver, stage, vodID string) (doc, playlistURL string, err error) {
	desc, err := res.ResolveVod(ctx, vodID)
	if errors.Is(err, resolver.ErrNotAvailable) {
		logger.Warn("{proxy/vod - freshVodPlaylist} [%s] vod %s is not available", stage, vodID)
		metrics.VodStageRequests.WithLabelValues(stage, "unavailable").Inc()
		return "", "", fmt.Errorf("%w: vod %s unavailable", ErrNotFound, vodID)
	}
	if err != nil {
		logger.Error("{proxy/vod - freshVodPlaylist} [%s] vod %s: resolve failed: %v", stage, vodID, err)
		metrics.VodStageRequests.WithLabelValues(stage, "upstream_error").Inc()
		return "", "", &UpstreamError{Stage: stage, ID: vodID, Err: err}
	}

	doc, err = res.FetchPlaylist(ctx, desc.PlaylistURL)
	if err != nil {
		logger.Error("{proxy/vod - freshVodPlaylist} [%s] vod %s: playlist fetch failed: %v", stage, vodID, err)
		metrics.VodStageRequests.WithLabelValues(stage, "upstream_error").Inc()
		return "", "", &UpstreamError{Stage: stage, ID: vodID, Err: err}
	}
	return doc, desc.PlaylistURL, nil
}
