// Package twitch resolves Twitch channel logins and VOD ids into signed HLS
// playlists through the GQL playback access token and usher endpoints.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"twitch-xc-proxy/work/client"
	"twitch-xc-proxy/work/config"
	"twitch-xc-proxy/work/logger"
	"twitch-xc-proxy/work/metrics"
	"twitch-xc-proxy/work/parser"
	"twitch-xc-proxy/work/resolver"
	"twitch-xc-proxy/work/restream"
	"twitch-xc-proxy/work/utils"
)

const (
	maxPlaylistBytes = 8 << 20
	maxGQLBytes      = 1 << 20

	playbackTokenQuery = `query PlaybackAccessToken_Template($login: String!, $isLive: Boolean!, $vodID: ID!, $isVod: Boolean!, $playerType: String!) { ` +
		`streamPlaybackAccessToken(channelName: $login, params: {platform: "web", playerBackend: "mediaplayer", playerType: $playerType}) @include(if: $isLive) { value signature __typename } ` +
		`videoPlaybackAccessToken(id: $vodID, params: {platform: "web", playerBackend: "mediaplayer", playerType: $playerType}) @include(if: $isVod) { value signature __typename } }`
)

// Options configures every session a factory creates
type Options struct {
	ClientID  string
	GQLURL    string
	UsherURL  string
	UserAgent string
	Timeout   time.Duration
	Obfuscate bool
	Limiters  *resolver.Limiters
	Stream    restream.Options
}

// OptionsFromConfig maps application configuration onto session options
func OptionsFromConfig(cfg *config.Config, limiters *resolver.Limiters) Options {
	return Options{
		ClientID:  cfg.TwitchClientID,
		GQLURL:    cfg.TwitchGQLURL,
		UsherURL:  cfg.TwitchUsherURL,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.UpstreamTimeout,
		Obfuscate: cfg.ObfuscateUrls,
		Limiters:  limiters,
		Stream: restream.Options{
			RefreshInterval: cfg.LiveRefreshInterval,
			StallTimeout:    cfg.LiveStallTimeout,
			PlaylistTimeout: cfg.UpstreamTimeout,
			SkipAds:         true,
			Obfuscate:       cfg.ObfuscateUrls,
		},
	}
}

// NewFactory returns a resolver.Factory producing a brand new Session per call
func NewFactory(opts Options) resolver.Factory {
	return func() resolver.Resolver {
		return NewSession(opts)
	}
}

// Session is one negotiation with Twitch. It owns a private HTTP client,
// cookie jar and device id.
type Session struct {
	opts     Options
	http     *client.HeaderSettingClient
	deviceID string
	login    string
}

// NewSession creates a session with its own connection pool and device id
func NewSession(opts Options) *Session {
	if opts.ClientID == "" {
		opts.ClientID = config.DefaultTwitchClientID
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Session{
		opts: opts,
		http: client.NewSessionClient(client.Options{
			UserAgent: opts.UserAgent,
			Origin:    "https://www.twitch.tv",
			Referer:   "https://www.twitch.tv/",
			Timeout:   opts.Timeout,
		}),
		deviceID: randomToken(),
	}
}

// DeviceID returns the per-session device identifier sent to GQL
func (s *Session) DeviceID() string {
	return s.deviceID
}

type accessToken struct {
	Value     string `json:"value"`
	Signature string `json:"signature"`
}

type gqlRequest struct {
	OperationName string         `json:"operationName"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
}

type gqlResponse struct {
	Data struct {
		StreamPlaybackAccessToken *accessToken `json:"streamPlaybackAccessToken"`
		VideoPlaybackAccessToken  *accessToken `json:"videoPlaybackAccessToken"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// ResolveLive returns the best rendition of a live channel.
// resolver.ErrNotAvailable means the channel is offline or unknown.
func (s *Session) ResolveLive(ctx context.Context, login string) (*resolver.MediaDescriptor, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		return nil, resolver.ErrNotAvailable
	}
	s.login = login
	s.opts.Limiters.Take("live:" + login)

	desc, err := s.resolve(ctx, true, login)
	s.record("live", err)
	return desc, err
}

// ResolveVod returns the best rendition of an archived broadcast
func (s *Session) ResolveVod(ctx context.Context, vodID string) (*resolver.MediaDescriptor, error) {
	vodID = strings.TrimSpace(vodID)
	if vodID == "" {
		return nil, resolver.ErrNotAvailable
	}
	s.opts.Limiters.Take("vod:" + vodID)

	desc, err := s.resolve(ctx, false, vodID)
	s.record("vod", err)
	return desc, err
}

func (s *Session) record(kind string, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, resolver.ErrNotAvailable):
		outcome = "unavailable"
	case err != nil:
		outcome = "error"
	}
	metrics.ResolverCalls.WithLabelValues(kind, outcome).Inc()
}

func (s *Session) resolve(ctx context.Context, live bool, id string) (*resolver.MediaDescriptor, error) {
	token, err := s.playbackToken(ctx, live, id)
	if err != nil {
		return nil, err
	}

	masterURL := s.usherURL(live, id, token)
	logger.Debug("{resolver/twitch - resolve} Fetching master playlist: %s", utils.LogURL(s.opts.Obfuscate, masterURL))

	resp, err := s.get(ctx, masterURL)
	if err != nil {
		var statusErr *client.StatusError
		if errors.As(err, &statusErr) && (statusErr.Code == http.StatusNotFound || statusErr.Code == http.StatusForbidden) {
			return nil, resolver.ErrNotAvailable
		}
		return nil, fmt.Errorf("usher request failed: %w", err)
	}
	defer resp.Body.Close()

	variants, err := parser.ParseMasterPlaylist(io.LimitReader(resp.Body, maxPlaylistBytes), masterURL)
	if err != nil {
		return nil, fmt.Errorf("master playlist: %w", err)
	}
	best, ok := parser.SelectBest(variants)
	if !ok {
		return nil, resolver.ErrNotAvailable
	}

	logger.Debug("{resolver/twitch - resolve} Selected %s out of %d variants for %s", best.Quality(), len(variants), id)
	return &resolver.MediaDescriptor{PlaylistURL: best.URL, Quality: best.Quality()}, nil
}

/**
 * playbackToken requests a signed playback access token from GQL.
 *
 * @param ctx Request context
 * @param live true for a channel login, false for a VOD id
 * @param id Channel login or VOD id
 * @return Token, or resolver.ErrNotAvailable when GQL returns none
 */
func (s *Session) playbackToken(ctx context.Context, live bool, id string) (*accessToken, error) {
	vars := map[string]any{
		"isLive":     live,
		"isVod":      !live,
		"login":      "",
		"vodID":      "",
		"playerType": "site",
	}
	if live {
		vars["login"] = id
	} else {
		vars["vodID"] = id
	}

	payload, err := json.Marshal(gqlRequest{
		OperationName: "PlaybackAccessToken_Template",
		Query:         playbackTokenQuery,
		Variables:     vars,
	})
	if err != nil {
		return nil, fmt.Errorf("encode gql request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.opts.GQLURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create gql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Client-ID", s.opts.ClientID)
	req.Header.Set("Device-ID", s.deviceID)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gql request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gql request failed: %w", &client.StatusError{Code: resp.StatusCode, URL: s.opts.GQLURL})
	}

	var out gqlResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxGQLBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode gql response: %w", err)
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("gql error: %s", out.Errors[0].Message)
	}

	token := out.Data.StreamPlaybackAccessToken
	if !live {
		token = out.Data.VideoPlaybackAccessToken
	}
	if token == nil || token.Value == "" || token.Signature == "" {
		return nil, resolver.ErrNotAvailable
	}
	return token, nil
}

func (s *Session) usherURL(live bool, id string, token *accessToken) string {
	q := url.Values{}
	var path string
	if live {
		path = "/api/channel/hls/" + url.PathEscape(id) + ".m3u8"
		q.Set("sig", token.Signature)
		q.Set("token", token.Value)
		q.Set("allow_source", "true")
		q.Set("allow_audio_only", "true")
		q.Set("fast_bread", "true")
		q.Set("p", strconv.Itoa(rand.IntN(9000000)+1000000))
		q.Set("player", "twitchweb")
		q.Set("playlist_include_framerate", "true")
	} else {
		path = "/vod/" + url.PathEscape(id) + ".m3u8"
		q.Set("nauth", token.Value)
		q.Set("nauthsig", token.Signature)
		q.Set("allow_source", "true")
		q.Set("player", "twitchweb")
	}
	return s.opts.UsherURL + path + "?" + q.Encode()
}

func (s *Session) get(ctx context.Context, rawURL string) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	resp, err := s.http.Get(reqCtx, rawURL)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// FetchPlaylist downloads a playlist document through the session
func (s *Session) FetchPlaylist(ctx context.Context, playlistURL string) (string, error) {
	resp, err := s.get(ctx, playlistURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
	if err != nil {
		return "", fmt.Errorf("read playlist: %w", err)
	}
	return string(body), nil
}

// OpenStream starts re-streaming a live media playlist as one continuous
// transport stream over the session's client.
func (s *Session) OpenStream(ctx context.Context, playlistURL string) (io.ReadCloser, error) {
	if _, err := url.ParseRequestURI(playlistURL); err != nil {
		return nil, fmt.Errorf("invalid playlist url: %w", err)
	}
	opts := s.opts.Stream
	if opts.Label == "" {
		opts.Label = s.login
	}
	return restream.NewReader(ctx, s.http, playlistURL, opts), nil
}

// Close releases the session's pooled connections
func (s *Session) Close() {
	s.http.CloseIdleConnections()
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// randomToken returns 32 lowercase hex characters
func randomToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
