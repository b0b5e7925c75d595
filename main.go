package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"twitch-xc-proxy/work/auth"
	"twitch-xc-proxy/work/cache"
	"twitch-xc-proxy/work/config"
	"twitch-xc-proxy/work/database"
	"twitch-xc-proxy/work/handlers"
	"twitch-xc-proxy/work/logger"
	"twitch-xc-proxy/work/middleware"
	"twitch-xc-proxy/work/proxy"
	"twitch-xc-proxy/work/resolver"
	"twitch-xc-proxy/work/resolver/twitch"
	"twitch-xc-proxy/work/xtream"
)

var (
	Version = "v0.1.0" // default version
)

const (
	shutdownTimeout      = 10 * time.Second
	limiterSweepInterval = time.Minute
	limiterIdleTimeout   = 10 * time.Minute
)

// our main app worker
func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to the JSON config file")
	initDB := flag.Bool("init-db", false, "create or migrate the catalog schema and exit")
	flag.Parse()

	// load our config
	config.SetConfigPath(*configPath)
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)

	if *initDB {
		db, err := database.Open(cfg.DatabasePath, database.Options{ReadOnly: false})
		if err != nil {
			logger.Error("{main - main} Failed to initialize catalog: %v", err)
			os.Exit(1)
		}
		db.Close()
		logger.Info("{main - main} Catalog schema ready at %s", cfg.DatabasePath)
		return
	}

	db, err := database.Open(cfg.DatabasePath, database.Options{ReadOnly: cfg.CatalogReadOnly})
	if err != nil {
		logger.Error("{main - main} Failed to open catalog: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the settings table wins over the config file for the log level
	if settings, err := db.LoadSettings(ctx); err != nil {
		logger.Warn("{main - main} Failed to read settings: %v", err)
	} else if settings.LogLevel != "" {
		logger.SetLogLevel(settings.LogLevel)
	}

	// Initialize worker pool
	workerPool, err := proxy.NewWorkerPool(cfg.MaxProxySessions)
	if err != nil {
		logger.Error("{main - main} Failed to create worker pool: %v", err)
		os.Exit(1)
	}
	defer workerPool.Release()

	limiters := resolver.NewLimiters(cfg.ResolverRatePerSecond)
	factory := twitch.NewFactory(twitch.OptionsFromConfig(cfg, limiters))

	proxyInstance := proxy.New(cfg, db, factory, workerPool)
	compat := xtream.New(cfg, db, cache.NewEPGCache(cfg.EPGCacheTTL))
	gate := auth.NewGate(db)

	// Setup HTTP routes
	router := mux.NewRouter().UseEncodedPath()
	router.Use(middleware.RequestLogger)
	handlers.New(proxyInstance, compat, gate).Register(router)
	setupStatusRoutes(router, proxyInstance, gate, db)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           middleware.RateLimit(cfg.RequestsPerMinute)(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// show info
	logger.Info("Starting Twitch XC Proxy %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen Address: %s", cfg.ListenAddr)
	logger.Info("  - Host URL: %s", cfg.HostURL)
	logger.Info("  - Catalog: %s (read-only: %v)", cfg.DatabasePath, cfg.CatalogReadOnly)
	logger.Info("  - Default Live Mode: %s", cfg.DefaultLiveMode)
	logger.Info("  - Chunk Size: %d bytes", cfg.ChunkSize)
	logger.Info("  - Max. Proxy Sessions: %d", cfg.MaxProxySessions)
	logger.Info("  - Live Refresh / Stall: %s / %s", cfg.LiveRefreshInterval, cfg.LiveStallTimeout)
	logger.Info("  - Resolver Rate: %d/s per id", cfg.ResolverRatePerSecond)
	logger.Info("  - EPG Cache TTL: %s", cfg.EPGCacheTTL)
	logger.Info("  - Requests per Minute: %d", cfg.RequestsPerMinute)
	logger.Info("  - Log Level: %s", logger.GetLogLevel())
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)
	if cfg.HostURL == "" {
		logger.Warn("{main - main} HOST_URL is not set, player_api, M3U and EPG endpoints will answer 500")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		limiters.RunSweeper(gctx, limiterSweepInterval, limiterIdleTimeout)
		return nil
	})

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("{main - main} Shutting down, waiting up to %s for open requests", shutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			// long running streams keep their connections; cut them
			logger.Warn("{main - main} Graceful shutdown incomplete: %v", err)
			return srv.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("{main - main} Server failed: %v", err)
		os.Exit(1)
	}
	logger.Info("{main - main} Server stopped")
}
