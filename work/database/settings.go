package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Settings are the keys of the settings table this service honours.
// Raw strings are kept so the caller decides how to treat bad values.
type Settings struct {
	LiveStreamMode string
	M3UEnabled     bool
	VODEnabled     bool
	LogLevel       string
}

// Setting fetches a single value from the settings table
func (db *DB) Setting(ctx context.Context, key string) (value string, found bool, err error) {
	err = db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, true, nil
}

// LoadSettings reads all relevant settings in one query. Absent flags
// default to enabled, as a fresh install exposes everything.
func (db *DB) LoadSettings(ctx context.Context) (*Settings, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT key, value FROM settings WHERE key IN ('live_stream_mode', 'm3u_enabled', 'vod_enabled', 'log_level')")
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	defer rows.Close()

	s := &Settings{M3UEnabled: true, VODEnabled: true}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		switch key {
		case "live_stream_mode":
			s.LiveStreamMode = value
		case "m3u_enabled":
			s.M3UEnabled = parseFlag(value, true)
		case "vod_enabled":
			s.VODEnabled = parseFlag(value, true)
		case "log_level":
			s.LogLevel = value
		}
	}
	return s, rows.Err()
}

// parseFlag accepts the spellings the settings page has stored over time
func parseFlag(value string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "on", "yes":
		return true
	case "0", "false", "off", "no":
		return false
	default:
		return def
	}
}
