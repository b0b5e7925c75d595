package xtream

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"twitch-xc-proxy/work/config"
	"twitch-xc-proxy/work/database"
	"twitch-xc-proxy/work/logger"
)

// liveCategoryID is the id of the single live category
const liveCategoryID = "1"

// UserInfo builds the get_user_info answer for an authenticated caller
func (s *Service) UserInfo(username, password string) (*AuthResponse, error) {
	host, err := s.HostURL()
	if err != nil {
		return nil, err
	}
	now := s.now()
	return &AuthResponse{
		UserInfo: UserInfo{
			Username:       username,
			Password:       password,
			Auth:           1,
			Status:         "Active",
			IsTrial:        "0",
			MaxConnections: "1",
			CreatedAt:      now.Unix(),
		},
		ServerInfo: serverInfo(host, now),
	}, nil
}

// InvalidCredentials is the get_user_info answer for rejected callers
func InvalidCredentials() AuthFailure {
	var f AuthFailure
	f.UserInfo.Auth = 0
	f.UserInfo.Status = "Invalid Credentials"
	return f
}

// Action answers an authenticated player_api action. Unknown actions yield
// an ActionError body rather than an error.
//
// Parameters:
//   - ctx: request context
//   - action: player_api action name
//   - params: merged query and form values
//
// Returns:
//   - any: JSON-ready body
//   - error: catalog failures only
func (s *Service) Action(ctx context.Context, action string, params url.Values) (any, error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	switch action {
	case "get_live_categories":
		return s.LiveCategories(), nil
	case "get_live_streams":
		return s.LiveStreams(ctx, s.liveMode(settings), params.Get("category_id"))
	case "get_vod_categories", "get_vod_streams", "get_vod_info":
		if !settings.VODEnabled {
			logger.Debug("{xtream/player_api - Action} VOD disabled, answering %s with an empty list", action)
			return []any{}, nil
		}
		switch action {
		case "get_vod_categories":
			return s.VodCategories(ctx)
		case "get_vod_streams":
			return s.VodStreams(ctx, params.Get("category_id"))
		default:
			return s.VodInfo(ctx, params.Get("vod_id"))
		}
	case "get_series_categories", "get_series":
		return []any{}, nil
	default:
		logger.Warn("{xtream/player_api - Action} Unknown action %q", action)
		return ActionError{Error: "Unknown action"}, nil
	}
}

// LiveCategories lists the single live category
func (s *Service) LiveCategories() []Category {
	return []Category{{CategoryID: liveCategoryID, CategoryName: LiveCategoryName, ParentID: 0}}
}

/**
 * LiveStreams lists every catalog channel, online first.
 *
 * @param ctx Request context
 * @param mode Live delivery mode, decides the advertised container
 * @param categoryID Optional filter, anything but "", "*" or "1" yields nothing
 * @return Stream entries
 */
func (s *Service) LiveStreams(ctx context.Context, mode config.DeliveryMode, categoryID string) ([]LiveStream, error) {
	out := make([]LiveStream, 0)
	if categoryID != "" && categoryID != "*" && categoryID != liveCategoryID {
		return out, nil
	}

	streams, err := s.Catalog.ListLiveStreams(ctx, false)
	if err != nil {
		return nil, err
	}

	ext := "ts"
	if mode == config.Direct {
		ext = "m3u8"
	}
	added := strconv.FormatInt(s.now().Unix(), 10)

	for i, ls := range streams {
		out = append(out, LiveStream{
			Num:                i + 1,
			Name:               displayName(ls),
			StreamType:         "live",
			StreamID:           ls.ID,
			StreamIcon:         "",
			EPGChannelID:       epgChannelID(ls),
			Added:              added,
			CategoryID:         liveCategoryID,
			CustomSID:          "",
			TVArchive:          0,
			DirectSource:       "",
			ContainerExtension: ext,
		})
	}
	logger.Debug("{xtream/player_api - LiveStreams} Listing %d live streams (%s)", len(out), ext)
	return out, nil
}

// VodCategories numbers the distinct VOD categories by name order
func (s *Service) VodCategories(ctx context.Context) ([]Category, error) {
	names, err := s.Catalog.VodCategories(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Category, 0, len(names))
	for i, name := range names {
		out = append(out, Category{CategoryID: strconv.Itoa(i + 1), CategoryName: name, ParentID: 0})
	}
	return out, nil
}

// categoryIndex maps category names to their numeric ids
func (s *Service) categoryIndex(ctx context.Context) (byName map[string]string, byID map[string]string, err error) {
	names, err := s.Catalog.VodCategories(ctx)
	if err != nil {
		return nil, nil, err
	}
	byName = make(map[string]string, len(names))
	byID = make(map[string]string, len(names))
	for i, name := range names {
		id := strconv.Itoa(i + 1)
		byName[name] = id
		byID[id] = name
	}
	return byName, byID, nil
}

// VodStreams lists VODs newest first; "", "*" or an unknown id means every
// category
func (s *Service) VodStreams(ctx context.Context, categoryID string) ([]VodStream, error) {
	byName, byID, err := s.categoryIndex(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]VodStream, 0)
	category := ""
	if categoryID != "" && categoryID != "*" {
		if name, ok := byID[categoryID]; ok {
			category = name
		} else {
			logger.Debug("{xtream/player_api - VodStreams} Unknown category %q, listing every VOD", categoryID)
		}
	}

	vods, err := s.Catalog.ListVodStreams(ctx, category)
	if err != nil {
		return nil, err
	}

	for i, vs := range vods {
		var icon *string
		if vs.ThumbnailURL != "" {
			thumb := vs.ThumbnailURL
			icon = &thumb
		}
		out = append(out, VodStream{
			Num:                i + 1,
			Name:               vs.Title,
			StreamType:         "movie",
			StreamID:           vs.VodID,
			StreamIcon:         icon,
			Added:              s.addedAt(vs.CreatedAt),
			CategoryID:         byName[vs.Category],
			ContainerExtension: "m3u8",
			CustomSID:          "",
			DirectSource:       "",
		})
	}
	return out, nil
}

// VodInfo describes a single VOD, or the empty shape when it is unknown
func (s *Service) VodInfo(ctx context.Context, vodID string) (any, error) {
	vodID = strings.TrimSpace(vodID)
	if vodID == "" {
		return emptyVodInfo{Info: []any{}, MovieData: []any{}}, nil
	}

	vs, err := s.Catalog.VodByUpstreamID(ctx, vodID)
	if err != nil {
		return nil, err
	}
	if vs == nil {
		return emptyVodInfo{Info: []any{}, MovieData: []any{}}, nil
	}

	byName, _, err := s.categoryIndex(ctx)
	if err != nil {
		return nil, err
	}

	plot := vs.Title
	if vs.ChannelLogin != "" {
		plot = fmt.Sprintf("%s (broadcast by %s)", vs.Title, vs.ChannelLogin)
	}

	return VodInfo{
		Info: VodDetails{
			Name:        vs.Title,
			MovieImage:  vs.ThumbnailURL,
			Plot:        plot,
			Genre:       vs.Category,
			ReleaseDate: vs.CreatedAt,
		},
		MovieData: VodMovieData{
			StreamID:           vs.VodID,
			Name:               vs.Title,
			Added:              s.addedAt(vs.CreatedAt),
			CategoryID:         byName[vs.Category],
			ContainerExtension: "m3u8",
		},
	}, nil
}

var createdAtLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// addedAt converts a stored timestamp to unix seconds, falling back to now
func (s *Service) addedAt(createdAt string) string {
	createdAt = strings.TrimSpace(createdAt)
	for _, layout := range createdAtLayouts {
		if t, err := time.Parse(layout, createdAt); err == nil {
			return strconv.FormatInt(t.Unix(), 10)
		}
	}
	return strconv.FormatInt(s.now().Unix(), 10)
}

func displayName(ls database.LiveStream) string {
	if ls.DisplayName != "" {
		return ls.DisplayName
	}
	return ls.LoginName
}

func epgChannelID(ls database.LiveStream) string {
	if ls.EPGChannelID != "" {
		return ls.EPGChannelID
	}
	return ls.LoginName
}
