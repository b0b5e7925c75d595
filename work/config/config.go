package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration values for the Twitch Xtream proxy.
type Config struct {
	ListenAddr            string        `json:"listenAddr"`            // Address the HTTP server binds to
	HostURL               string        `json:"hostURL"`               // Externally visible base URL used in playlists and player_api
	DatabasePath          string        `json:"databasePath"`          // SQLite catalog file
	CatalogReadOnly       bool          `json:"catalogReadOnly"`       // Open the catalog read-only (no migrations)
	DefaultLiveMode       DeliveryMode  `json:"defaultLiveMode"`       // Used when the live_stream_mode setting is absent or invalid
	ChunkSize             int           `json:"chunkSize"`             // Bytes per proxied chunk
	MaxProxySessions      int           `json:"maxProxySessions"`      // Concurrent byte-proxy sessions before 503
	LiveRefreshInterval   time.Duration `json:"liveRefreshInterval"`   // Live media playlist poll interval
	LiveStallTimeout      time.Duration `json:"liveStallTimeout"`      // End a live stream after this long without new segments
	UpstreamTimeout       time.Duration `json:"upstreamTimeout"`       // Per request timeout for GQL, usher and playlist fetches
	ResolverRatePerSecond int           `json:"resolverRatePerSecond"` // Outbound resolutions per second per upstream identifier
	EPGCacheTTL           time.Duration `json:"epgCacheTTL"`           // How long a rendered XMLTV document is reused
	RequestsPerMinute     int           `json:"requestsPerMinute"`     // Inbound request limit per client IP
	ObfuscateUrls         bool          `json:"obfuscateUrls"`         // Obfuscate URLs in logs for security
	LogLevel              string        `json:"logLevel"`              // DEBUG, INFO, WARN or ERROR
	TwitchClientID        string        `json:"twitchClientID"`        // Client-ID sent to the GQL endpoint
	TwitchGQLURL          string        `json:"twitchGQLURL"`          // GQL endpoint
	TwitchUsherURL        string        `json:"twitchUsherURL"`        // Usher (playlist) endpoint
	UserAgent             string        `json:"userAgent"`             // HTTP User-Agent header for upstream requests
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling configuration.
// String duration fields (e.g., "30s") are parsed into time.Duration values.
type ConfigFile struct {
	ListenAddr            string `json:"listenAddr"`
	HostURL               string `json:"hostURL"`
	DatabasePath          string `json:"databasePath"`
	CatalogReadOnly       *bool  `json:"catalogReadOnly"`
	DefaultLiveMode       string `json:"defaultLiveMode"`
	ChunkSize             int    `json:"chunkSize"`
	MaxProxySessions      int    `json:"maxProxySessions"`
	LiveRefreshInterval   string `json:"liveRefreshInterval"`
	LiveStallTimeout      string `json:"liveStallTimeout"`
	UpstreamTimeout       string `json:"upstreamTimeout"`
	ResolverRatePerSecond int    `json:"resolverRatePerSecond"`
	EPGCacheTTL           string `json:"epgCacheTTL"`
	RequestsPerMinute     int    `json:"requestsPerMinute"`
	ObfuscateUrls         bool   `json:"obfuscateUrls"`
	LogLevel              string `json:"logLevel"`
	TwitchClientID        string `json:"twitchClientID"`
	TwitchGQLURL          string `json:"twitchGQLURL"`
	TwitchUsherURL        string `json:"twitchUsherURL"`
	UserAgent             string `json:"userAgent"`
}

const (
	DefaultConfigPath     = "/settings/config.json"
	DefaultTwitchClientID = "kimne78kx3ncx6brgo4mv6wki5h1ko"
)

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
	configPath  = DefaultConfigPath
)

// SetConfigPath changes the file LoadConfig reads and drops any cached instance.
func SetConfigPath(path string) {
	configMutex.Lock()
	defer configMutex.Unlock()
	configPath = path
	configCache = nil
}

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Loads `.env` if present, then the JSON file, then environment overrides.
//   - Falls back to default config if the file is missing or invalid.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		cfg = getDefaultConfig()
		applyEnv(cfg)
		validateAndSetDefaults(cfg)
	}

	configCache = cfg
	return cfg
}

// Load reads one config file, applies environment overrides and defaults.
// It does not touch the cached instance.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	cfg, err := convertFromFile(&configFile)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	validateAndSetDefaults(cfg)
	return cfg, nil
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := getDefaultConfig()
	cfg.ListenAddr = cf.ListenAddr
	cfg.HostURL = cf.HostURL
	cfg.DatabasePath = cf.DatabasePath
	cfg.ChunkSize = cf.ChunkSize
	cfg.MaxProxySessions = cf.MaxProxySessions
	cfg.ResolverRatePerSecond = cf.ResolverRatePerSecond
	cfg.RequestsPerMinute = cf.RequestsPerMinute
	cfg.ObfuscateUrls = cf.ObfuscateUrls
	cfg.LogLevel = cf.LogLevel
	cfg.TwitchClientID = cf.TwitchClientID
	cfg.TwitchGQLURL = cf.TwitchGQLURL
	cfg.TwitchUsherURL = cf.TwitchUsherURL
	cfg.UserAgent = cf.UserAgent
	if cf.CatalogReadOnly != nil {
		cfg.CatalogReadOnly = *cf.CatalogReadOnly
	}

	if cf.DefaultLiveMode != "" {
		mode, err := ParseDeliveryMode(cf.DefaultLiveMode)
		if err != nil {
			return nil, fmt.Errorf("invalid defaultLiveMode: %w", err)
		}
		cfg.DefaultLiveMode = mode
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"liveRefreshInterval", cf.LiveRefreshInterval, &cfg.LiveRefreshInterval},
		{"liveStallTimeout", cf.LiveStallTimeout, &cfg.LiveStallTimeout},
		{"upstreamTimeout", cf.UpstreamTimeout, &cfg.UpstreamTimeout},
		{"epgCacheTTL", cf.EPGCacheTTL, &cfg.EPGCacheTTL},
	}
	for _, d := range durations {
		if d.value == "" {
			*d.dst = 0
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

// applyEnv lets the container environment win over the file. HOST_URL keeps
// the name the catalog side of the deployment already uses.
func applyEnv(cfg *Config) {
	if v := os.Getenv("HOST_URL"); v != "" {
		cfg.HostURL = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LIVE_STREAM_MODE"); v != "" {
		if mode, err := ParseDeliveryMode(v); err == nil {
			cfg.DefaultLiveMode = mode
		} else {
			log.Printf("Ignoring LIVE_STREAM_MODE: %v", err)
		}
	}
	if v := os.Getenv("MAX_PROXY_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxProxySessions = n
		}
	}
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		ListenAddr:            ":8080",
		DatabasePath:          "/data/channels.db",
		CatalogReadOnly:       true,
		DefaultLiveMode:       Proxy,
		ChunkSize:             4096,
		MaxProxySessions:      100,
		LiveRefreshInterval:   2 * time.Second,
		LiveStallTimeout:      30 * time.Second,
		UpstreamTimeout:       15 * time.Second,
		ResolverRatePerSecond: 10,
		EPGCacheTTL:           time.Minute,
		RequestsPerMinute:     600,
		LogLevel:              "INFO",
		TwitchClientID:        DefaultTwitchClientID,
		TwitchGQLURL:          "https://gql.twitch.tv/gql",
		TwitchUsherURL:        "https://usher.ttvnw.net",
		UserAgent:             "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(cfg *Config) {
	def := getDefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = def.DatabasePath
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.MaxProxySessions <= 0 {
		cfg.MaxProxySessions = def.MaxProxySessions
	}
	if cfg.LiveRefreshInterval <= 0 {
		cfg.LiveRefreshInterval = def.LiveRefreshInterval
	}
	if cfg.LiveStallTimeout <= 0 {
		cfg.LiveStallTimeout = def.LiveStallTimeout
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = def.UpstreamTimeout
	}
	if cfg.ResolverRatePerSecond <= 0 {
		cfg.ResolverRatePerSecond = def.ResolverRatePerSecond
	}
	if cfg.EPGCacheTTL <= 0 {
		cfg.EPGCacheTTL = def.EPGCacheTTL
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.TwitchClientID == "" {
		cfg.TwitchClientID = def.TwitchClientID
	}
	if cfg.TwitchGQLURL == "" {
		cfg.TwitchGQLURL = def.TwitchGQLURL
	}
	if cfg.TwitchUsherURL == "" {
		cfg.TwitchUsherURL = def.TwitchUsherURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	cfg.HostURL = strings.TrimRight(cfg.HostURL, "/")
	cfg.TwitchUsherURL = strings.TrimRight(cfg.TwitchUsherURL, "/")
}

// Default returns the built-in configuration, tests start from it.
func Default() *Config {
	cfg := getDefaultConfig()
	validateAndSetDefaults(cfg)
	return cfg
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
