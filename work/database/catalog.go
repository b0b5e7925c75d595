package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LiveStream is one row of the poller-maintained live_streams table
type LiveStream struct {
	ID           int64
	LoginName    string
	DisplayName  string
	IsLive       bool
	Category     string
	EPGChannelID string
	StreamTitle  string
	StreamGame   string
}

// VodStream is one row of the vod_streams table
type VodStream struct {
	ID           int64
	VodID        string
	ChannelLogin string
	Title        string
	CreatedAt    string
	Category     string
	ThumbnailURL string
}

const liveColumns = `id, login_name, display_name, is_live, category, epg_channel_id, stream_title, stream_game`

const vodColumns = `id, vod_id, channel_login, title, created_at, category, thumbnail_url`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLiveStream(row rowScanner) (*LiveStream, error) {
	var (
		ls               LiveStream
		epg, title, game sql.NullString
	)
	if err := row.Scan(&ls.ID, &ls.LoginName, &ls.DisplayName, &ls.IsLive, &ls.Category, &epg, &title, &game); err != nil {
		return nil, err
	}
	ls.EPGChannelID = epg.String
	ls.StreamTitle = title.String
	ls.StreamGame = game.String
	return &ls, nil
}

func scanVodStream(row rowScanner) (*VodStream, error) {
	var (
		vs    VodStream
		thumb sql.NullString
	)
	if err := row.Scan(&vs.ID, &vs.VodID, &vs.ChannelLogin, &vs.Title, &vs.CreatedAt, &vs.Category, &thumb); err != nil {
		return nil, err
	}
	vs.ThumbnailURL = thumb.String
	return &vs, nil
}

// LiveStreamByID retrieves a live stream by its catalog id, nil when unknown
func (db *DB) LiveStreamByID(ctx context.Context, id int64) (*LiveStream, error) {
	row := db.QueryRowContext(ctx, `SELECT `+liveColumns+` FROM live_streams WHERE id = ?`, id)
	ls, err := scanLiveStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get live stream %d: %w", id, err)
	}
	return ls, nil
}

// ListLiveStreams returns live streams ordered with online channels first.
// onlyLive restricts the result to channels the poller saw as live.
func (db *DB) ListLiveStreams(ctx context.Context, onlyLive bool) ([]LiveStream, error) {
	query := `SELECT ` + liveColumns + ` FROM live_streams`
	if onlyLive {
		query += ` WHERE is_live = 1`
	}
	query += ` ORDER BY is_live DESC, login_name ASC`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query live streams: %w", err)
	}
	defer rows.Close()

	var streams []LiveStream
	for rows.Next() {
		ls, err := scanLiveStream(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan live stream: %w", err)
		}
		streams = append(streams, *ls)
	}
	return streams, rows.Err()
}

// VodCategories returns the distinct VOD categories sorted by name
func (db *DB) VodCategories(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT category FROM vod_streams ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("failed to query vod categories: %w", err)
	}
	defer rows.Close()

	var categories []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan vod category: %w", err)
		}
		categories = append(categories, name)
	}
	return categories, rows.Err()
}

// ListVodStreams returns VODs newest first. An empty category means all.
func (db *DB) ListVodStreams(ctx context.Context, category string) ([]VodStream, error) {
	query := `SELECT ` + vodColumns + ` FROM vod_streams`
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vod streams: %w", err)
	}
	defer rows.Close()

	var vods []VodStream
	for rows.Next() {
		vs, err := scanVodStream(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vod stream: %w", err)
		}
		vods = append(vods, *vs)
	}
	return vods, rows.Err()
}

// VodByUpstreamID retrieves the first VOD row carrying the Twitch video id, nil when unknown
func (db *DB) VodByUpstreamID(ctx context.Context, vodID string) (*VodStream, error) {
	row := db.QueryRowContext(ctx, `SELECT `+vodColumns+` FROM vod_streams WHERE vod_id = ? ORDER BY id LIMIT 1`, vodID)
	vs, err := scanVodStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vod %s: %w", vodID, err)
	}
	return vs, nil
}

// UserPasswordHash returns the stored hash for username. found is false for unknown users.
func (db *DB) UserPasswordHash(ctx context.Context, username string) (hash string, found bool, err error) {
	err = db.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE username = ?`, username).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get credentials for %s: %w", username, err)
	}
	return hash, true, nil
}

// MasterPasswordHash returns the single secret used by M3U and EPG links
func (db *DB) MasterPasswordHash(ctx context.Context) (hash string, found bool, err error) {
	value, found, err := db.Setting(ctx, "password_hash")
	if err != nil || !found {
		return "", false, err
	}
	return value, true, nil
}
