package proxy

import (
	"context"

	"github.com/panjf2000/ants/v2"

	"twitch-xc-proxy/work/buffer"
	"twitch-xc-proxy/work/config"
	"twitch-xc-proxy/work/database"
	"twitch-xc-proxy/work/logger"
	"twitch-xc-proxy/work/resolver"
)

// Catalog is the part of the catalog store the delivery paths read
type Catalog interface {
	LiveStreamByID(ctx context.Context, id int64) (*database.LiveStream, error)
	LoadSettings(ctx context.Context) (*database.Settings, error)
}

// StreamProxy delivers live streams, rewritten VOD playlists and VOD segment
// redirects. Every request gets a fresh resolver from Factory; nothing
// upstream related outlives the request that created it.
type StreamProxy struct {
	Config     *config.Config    // application configuration
	Catalog    Catalog           // stream id to upstream id lookups and settings
	Factory    resolver.Factory  // builds one resolver session per request
	WorkerPool *ants.Pool        // bounds concurrent byte-proxy sessions
	ChunkPool  *buffer.ChunkPool // relay buffers of Config.ChunkSize bytes
	Sessions   *SessionRegistry  // active byte-proxy sessions
}

// New wires a StreamProxy. workerPool bounds proxy sessions and must be
// non-blocking so overload surfaces as ErrAtCapacity.
func New(cfg *config.Config, catalog Catalog, factory resolver.Factory, workerPool *ants.Pool) *StreamProxy {
	logger.Debug("{proxy/proxy - New} Initializing StreamProxy (chunk size %d, session slots %d)", cfg.ChunkSize, workerPool.Cap())
	return &StreamProxy{
		Config:     cfg,
		Catalog:    catalog,
		Factory:    factory,
		WorkerPool: workerPool,
		ChunkPool:  buffer.NewChunkPool(cfg.ChunkSize),
		Sessions:   NewSessionRegistry(),
	}
}

// NewWorkerPool creates the session pool the way New expects it
func NewWorkerPool(size int) (*ants.Pool, error) {
	if size <= 0 {
		size = 100
	}
	return ants.NewPool(size, ants.WithNonblocking(true))
}

// liveMode reads live_stream_mode on every request so a settings change
// applies without restart.
func (sp *StreamProxy) liveMode(ctx context.Context) config.DeliveryMode {
	settings, err := sp.Catalog.LoadSettings(ctx)
	if err != nil {
		logger.Warn("{proxy/proxy - liveMode} Failed to load settings, using default mode %s: %v", sp.Config.DefaultLiveMode, err)
		return sp.Config.DefaultLiveMode
	}
	if settings.LiveStreamMode == "" {
		return sp.Config.DefaultLiveMode
	}
	mode, err := config.ParseDeliveryMode(settings.LiveStreamMode)
	if err != nil {
		logger.Warn("{proxy/proxy - liveMode} Unknown live_stream_mode %q, using %s", settings.LiveStreamMode, sp.Config.DefaultLiveMode)
		return sp.Config.DefaultLiveMode
	}
	return mode
}
