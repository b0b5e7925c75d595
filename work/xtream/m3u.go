package xtream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"twitch-xc-proxy/work/logger"
)

// ErrM3UDisabled means the m3u_enabled setting is off
var ErrM3UDisabled = errors.New("m3u playlist is disabled")

// Playlist renders the M3U playlist for master-secret clients. Every stream
// points at /play_live_m3u with the caller's password so players can replay it.
//
// Parameters:
//   - ctx: request context
//   - password: master secret the caller authenticated with
//
// Returns:
//   - string: playlist text
//   - error: ErrHostURLMissing, ErrM3UDisabled or catalog failures
func (s *Service) Playlist(ctx context.Context, password string) (string, error) {
	host, err := s.HostURL()
	if err != nil {
		return "", err
	}

	settings, err := s.Settings(ctx)
	if err != nil {
		return "", fmt.Errorf("load settings: %w", err)
	}
	if !settings.M3UEnabled {
		logger.Warn("{xtream/m3u - Playlist} M3U playlist requested while the feature is disabled")
		return "", ErrM3UDisabled
	}

	streams, err := s.Catalog.ListLiveStreams(ctx, false)
	if err != nil {
		return "", err
	}

	pw := url.QueryEscape(password)
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U url-tvg=\"%s/epg.xml?password=%s\"\n", host, pw)
	for _, ls := range streams {
		name := displayName(ls)
		fmt.Fprintf(&b, "#EXTINF:-1 tvg-id=\"%s\" tvg-name=\"%s\" tvg-logo=\"\" group-title=\"%s\",%s\n",
			epgChannelID(ls), name, LiveCategoryName, name)
		fmt.Fprintf(&b, "%s/play_live_m3u/%d?password=%s\n", host, ls.ID, pw)
	}

	logger.Info("{xtream/m3u - Playlist} M3U playlist generated with %d channels", len(streams))
	return b.String(), nil
}
