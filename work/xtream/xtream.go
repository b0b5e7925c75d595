// Package xtream translates the catalog into the Xtream-Codes player API,
// M3U playlists and XMLTV guides IPTV clients understand. It never talks to
// the upstream platform; availability always comes from the catalog.
package xtream

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"

	"twitch-xc-proxy/work/cache"
	"twitch-xc-proxy/work/config"
	"twitch-xc-proxy/work/database"
	"twitch-xc-proxy/work/logger"
)

// ErrHostURLMissing means the externally visible base URL is not configured
var ErrHostURLMissing = errors.New("host url is not configured")

// HostURLMissingMessage is the response body sent while ErrHostURLMissing holds
const HostURLMissingMessage = "HOST_URL environment variable is not set on the server."

// LiveCategoryName is the only live category exposed to clients
const LiveCategoryName = "Twitch Live"

// Catalog is the read side of the catalog store the compatibility layer uses
type Catalog interface {
	ListLiveStreams(ctx context.Context, onlyLive bool) ([]database.LiveStream, error)
	VodCategories(ctx context.Context) ([]string, error)
	ListVodStreams(ctx context.Context, category string) ([]database.VodStream, error)
	VodByUpstreamID(ctx context.Context, vodID string) (*database.VodStream, error)
	LoadSettings(ctx context.Context) (*database.Settings, error)
}

// Service renders player API answers, playlists and guides
type Service struct {
	Config  *config.Config
	Catalog Catalog
	EPG     *cache.EPGCache
	now     func() time.Time
}

// New creates a Service. epg may be nil to disable guide caching.
func New(cfg *config.Config, catalog Catalog, epg *cache.EPGCache) *Service {
	return &Service{
		Config:  cfg,
		Catalog: catalog,
		EPG:     epg,
		now:     time.Now,
	}
}

// HostURL returns the configured base URL or ErrHostURLMissing
func (s *Service) HostURL() (string, error) {
	host := strings.TrimRight(s.Config.HostURL, "/")
	if host == "" {
		logger.Error("{xtream/xtream - HostURL} HOST_URL is not set, compatibility endpoints are disabled")
		return "", ErrHostURLMissing
	}
	return host, nil
}

// Settings returns the feature flags and live mode
func (s *Service) Settings(ctx context.Context) (*database.Settings, error) {
	return s.Catalog.LoadSettings(ctx)
}

// liveMode resolves the delivery mode the same way the live unit does
func (s *Service) liveMode(settings *database.Settings) config.DeliveryMode {
	if settings == nil || settings.LiveStreamMode == "" {
		return s.Config.DefaultLiveMode
	}
	mode, err := config.ParseDeliveryMode(settings.LiveStreamMode)
	if err != nil {
		return s.Config.DefaultLiveMode
	}
	return mode
}

// serverInfo derives the server_info block from the host URL.
// url is the bare host name; port falls back to 80, or 443 for https.
func serverInfo(hostURL string, now time.Time) ServerInfo {
	info := ServerInfo{
		Port:           "80",
		ServerProtocol: "http",
		RTMPPort:       "1935",
		Timezone:       "UTC",
		TimestampNow:   now.Unix(),
		EPGURL:         "/xmltv.php",
	}

	u, err := url.Parse(hostURL)
	if err != nil || u.Host == "" {
		info.URL = strings.TrimPrefix(strings.TrimPrefix(hostURL, "http://"), "https://")
		if host, port, err := net.SplitHostPort(info.URL); err == nil {
			info.URL, info.Port = host, port
		}
		return info
	}

	if u.Scheme == "https" {
		info.HTTPS = 1
		info.Port = "443"
	}
	info.URL = u.Hostname()
	if port := u.Port(); port != "" {
		info.Port = port
	}
	return info
}
