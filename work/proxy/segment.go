package proxy

import (
	"context"
	"fmt"

	"twitch-xc-proxy/work/logger"
	"twitch-xc-proxy/work/metrics"
	"twitch-xc-proxy/work/parser"
	"twitch-xc-proxy/work/utils"
)

// ResolveSegment re-resolves a VOD and finds the current absolute URL of
// the segment a rewritten playlist pointed at. CDN hosts and signatures
// rotate between resolutions, so matching uses the segment path only.
//
// Parameters:
//   - ctx: request context
//   - vodID: upstream VOD id from the route
//   - segmentPath: escaped segment path from the route
//
// Returns:
//   - string: absolute segment URL to redirect to
//   - error: ErrSegmentNotFound when the path is invalid or no locator matches, ErrNotFound or *UpstreamError otherwise
func (sp *StreamProxy) ResolveSegment(ctx context.Context, vodID, segmentPath string) (string, error) {
	if !ValidVodID(vodID) {
		logger.Warn("{proxy/segment - ResolveSegment} [%s] Rejecting invalid vod id %q", StageStage2, vodID)
		metrics.VodStageRequests.WithLabelValues(StageStage2, "invalid").Inc()
		return "", fmt.Errorf("%w: invalid vod id", ErrNotFound)
	}
	if !ValidSegmentPath(segmentPath) {
		logger.Warn("{proxy/segment - ResolveSegment} [%s] vod %s: rejecting invalid segment path %q", StageStage2, vodID, segmentPath)
		metrics.VodStageRequests.WithLabelValues(StageStage2, "invalid").Inc()
		return "", fmt.Errorf("%w: invalid segment path", ErrSegmentNotFound)
	}

	res := sp.Factory()
	defer res.Close()

	doc, playlistURL, err := sp.freshVodPlaylist(ctx, res, StageStage2, vodID)
	if err != nil {
		return "", err
	}

	target, ok := parser.FindSegment(doc, playlistURL, segmentPath)
	if !ok {
		logger.Error("{proxy/segment - ResolveSegment} [%s] vod %s: segment %s not found in fresh playlist", StageStage2, vodID, segmentPath)
		metrics.VodStageRequests.WithLabelValues(StageStage2, "segment_not_found").Inc()
		return "", fmt.Errorf("%w: vod %s segment %s", ErrSegmentNotFound, vodID, segmentPath)
	}

	logger.Debug("{proxy/segment - ResolveSegment} [%s] vod %s: %s -> %s", StageStage2, vodID, segmentPath, sp.logURL(target))
	metrics.VodStageRequests.WithLabelValues(StageStage2, "redirect").Inc()
	return target, nil
}

func (sp *StreamProxy) logURL(u string) string {
	return utils.LogURL(sp.Config.ObfuscateUrls, u)
}
