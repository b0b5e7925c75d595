package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesDurationsAndMode(t *testing.T) {
	path := writeConfig(t, `{
		"hostURL": "http://tv.example:8080/",
		"defaultLiveMode": "direct",
		"chunkSize": 8192,
		"liveRefreshInterval": "500ms",
		"epgCacheTTL": "5m",
		"catalogReadOnly": false
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://tv.example:8080", cfg.HostURL)
	assert.Equal(t, Direct, cfg.DefaultLiveMode)
	assert.Equal(t, 8192, cfg.ChunkSize)
	assert.Equal(t, 500*time.Millisecond, cfg.LiveRefreshInterval)
	assert.Equal(t, 5*time.Minute, cfg.EPGCacheTTL)
	assert.False(t, cfg.CatalogReadOnly)

	// untouched keys fall back to defaults
	assert.Equal(t, 30*time.Second, cfg.LiveStallTimeout)
	assert.Equal(t, DefaultTwitchClientID, cfg.TwitchClientID)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `{"upstreamTimeout": "soon"}`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "upstreamTimeout")
}

func TestLoadRejectsBadMode(t *testing.T) {
	path := writeConfig(t, `{"defaultLiveMode": "teleport"}`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "defaultLiveMode")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `{"hostURL": "http://file.example", "databasePath": "/tmp/a.db"}`)
	t.Setenv("HOST_URL", "https://env.example")
	t.Setenv("DB_PATH", "/tmp/b.db")
	t.Setenv("LIVE_STREAM_MODE", "direct")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example", cfg.HostURL)
	assert.Equal(t, "/tmp/b.db", cfg.DatabasePath)
	assert.Equal(t, Direct, cfg.DefaultLiveMode)
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	SetConfigPath(filepath.Join(t.TempDir(), "missing.json"))
	t.Cleanup(func() { SetConfigPath(DefaultConfigPath) })

	cfg := LoadConfig()
	assert.Equal(t, Proxy, cfg.DefaultLiveMode)
	assert.Equal(t, 4096, cfg.ChunkSize)
	assert.Same(t, cfg, LoadConfig(), "second call returns the cached instance")

	ClearConfigCache()
	assert.NotSame(t, cfg, LoadConfig())
}

func TestDeliveryModeText(t *testing.T) {
	for _, in := range []string{"proxy", "PROXY", " direct ", "redirect"} {
		_, err := ParseDeliveryMode(in)
		assert.NoError(t, err, in)
	}
	_, err := ParseDeliveryMode("hls")
	assert.Error(t, err)

	var holder struct {
		Mode DeliveryMode `json:"mode"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"mode":"direct"}`), &holder))
	assert.Equal(t, Direct, holder.Mode)

	out, err := json.Marshal(holder)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mode":"direct"}`, string(out))
}
