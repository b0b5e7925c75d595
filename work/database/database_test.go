package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.db")

	db, err := Open(path, Options{})
	require.NoError(t, err)
	defer db.Close()

	stmts := []string{
		`INSERT INTO users (username, password_hash) VALUES ('alice', 'hash-a')`,
		`INSERT INTO settings (key, value) VALUES ('password_hash', 'master-hash')`,
		`UPDATE settings SET value = 'direct' WHERE key = 'live_stream_mode'`,
		`UPDATE settings SET value = 'false' WHERE key = 'm3u_enabled'`,
		`INSERT INTO live_streams (login_name, display_name, is_live, epg_channel_id, stream_title, stream_game)
			VALUES ('zeta', 'Zeta', 1, 'zeta.tv', 'Late show', 'Chess')`,
		`INSERT INTO live_streams (login_name, display_name, is_live) VALUES ('alpha', 'Alpha', 0)`,
		`INSERT INTO live_streams (login_name, display_name, is_live, epg_channel_id) VALUES ('beta', 'Beta', 1, 'beta.tv')`,
		`INSERT INTO vod_streams (vod_id, channel_login, title, created_at, category, thumbnail_url)
			VALUES ('111', 'zeta', 'Old', '2024-01-01T00:00:00Z', 'Chess', NULL)`,
		`INSERT INTO vod_streams (vod_id, channel_login, title, created_at, category, thumbnail_url)
			VALUES ('222', 'beta', 'New', '2024-03-01T00:00:00Z', 'Art', 'http://img/222.jpg')`,
	}
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	return path
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := seedCatalog(t)

	db, err := Open(path, Options{})
	require.NoError(t, err)
	defer db.Close()

	var applied int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 1, applied)
}

func TestCatalogQueries(t *testing.T) {
	ctx := context.Background()
	db, err := Open(seedCatalog(t), Options{ReadOnly: true})
	require.NoError(t, err)
	defer db.Close()

	t.Run("live ordering puts online channels first", func(t *testing.T) {
		streams, err := db.ListLiveStreams(ctx, false)
		require.NoError(t, err)
		require.Len(t, streams, 3)
		assert.Equal(t, []string{"beta", "zeta", "alpha"},
			[]string{streams[0].LoginName, streams[1].LoginName, streams[2].LoginName})

		online, err := db.ListLiveStreams(ctx, true)
		require.NoError(t, err)
		assert.Len(t, online, 2)
	})

	t.Run("live lookup by id", func(t *testing.T) {
		streams, err := db.ListLiveStreams(ctx, true)
		require.NoError(t, err)

		ls, err := db.LiveStreamByID(ctx, streams[1].ID)
		require.NoError(t, err)
		require.NotNil(t, ls)
		assert.Equal(t, "zeta", ls.LoginName)
		assert.Equal(t, "Late show", ls.StreamTitle)
		assert.True(t, ls.IsLive)

		missing, err := db.LiveStreamByID(ctx, 9999)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("vods newest first and by category", func(t *testing.T) {
		vods, err := db.ListVodStreams(ctx, "")
		require.NoError(t, err)
		require.Len(t, vods, 2)
		assert.Equal(t, "222", vods[0].VodID)
		assert.Equal(t, "", vods[1].ThumbnailURL)

		chess, err := db.ListVodStreams(ctx, "Chess")
		require.NoError(t, err)
		require.Len(t, chess, 1)
		assert.Equal(t, "111", chess[0].VodID)

		cats, err := db.VodCategories(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Art", "Chess"}, cats)

		vod, err := db.VodByUpstreamID(ctx, "222")
		require.NoError(t, err)
		require.NotNil(t, vod)
		assert.Equal(t, "New", vod.Title)
	})

	t.Run("credentials", func(t *testing.T) {
		hash, found, err := db.UserPasswordHash(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "hash-a", hash)

		_, found, err = db.UserPasswordHash(ctx, "mallory")
		require.NoError(t, err)
		assert.False(t, found)

		master, found, err := db.MasterPasswordHash(ctx)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "master-hash", master)
	})

	t.Run("settings", func(t *testing.T) {
		s, err := db.LoadSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, "direct", s.LiveStreamMode)
		assert.False(t, s.M3UEnabled)
		assert.True(t, s.VODEnabled)
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := db.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats["live_streams_count"])
		assert.Equal(t, 2, stats["live_now_count"])
		require.NoError(t, db.Healthy(ctx))
	})
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	db, err := Open(seedCatalog(t), Options{ReadOnly: true})
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, db.ReadOnly())
	_, err = db.Exec(`DELETE FROM live_streams`)
	assert.Error(t, err)
}

func TestReadOnlyMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent.db"), Options{ReadOnly: true})
	assert.Error(t, err)
}

func TestParseFlag(t *testing.T) {
	assert.True(t, parseFlag("ON", false))
	assert.False(t, parseFlag("0", true))
	assert.True(t, parseFlag("maybe", true))
}
