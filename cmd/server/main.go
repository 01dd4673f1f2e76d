// Command server runs the proxy fleet monitor.
//
// # Usage
//
//	server --database postgres://localhost/proxymon --port 8080
//
// # Configuration
//
// The server can be configured via:
// - A YAML config file (--config)
// - Command-line flags
// - Environment variables (PROXYMON_*)
//
// Flags override the config file; environment variables fill in
// flags that were left empty.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/HsiaoL1/monitor-sub000/internal/api"
	"github.com/HsiaoL1/monitor-sub000/internal/auditlog"
	"github.com/HsiaoL1/monitor-sub000/internal/cache"
	"github.com/HsiaoL1/monitor-sub000/internal/config"
	"github.com/HsiaoL1/monitor-sub000/internal/devicemgr"
	"github.com/HsiaoL1/monitor-sub000/internal/prober"
	"github.com/HsiaoL1/monitor-sub000/internal/replacer"
	"github.com/HsiaoL1/monitor-sub000/internal/scanner"
	"github.com/HsiaoL1/monitor-sub000/internal/status"
	"github.com/HsiaoL1/monitor-sub000/internal/store"
	"github.com/HsiaoL1/monitor-sub000/internal/task"
	"github.com/HsiaoL1/monitor-sub000/internal/worker"
)

func main() {
	var (
		configPath     = flag.String("config", "", "Path to YAML config file")
		port           = flag.Int("port", 0, "HTTP server port")
		dbURL          = flag.String("database", "", "Database URL (postgres://...)")
		redisURL       = flag.String("redis", "", "Redis URL for response caching (optional)")
		logDir         = flag.String("log-dir", "", "Directory for replacement log files")
		deviceAPI      = flag.String("device-api", "", "Device-management API base URL")
		deviceAPIToken = flag.String("device-api-token", "", "Device-management API bearer token")
		debug          = flag.Bool("debug", false, "Enable debug logging")
		version        = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("proxymon-server v0.1.0")
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Load config file, layer flags and env vars on top, then fill the
	// remaining gaps with defaults.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	applyOverrides(cfg, *port, *dbURL, *redisURL, *logDir, *deviceAPI, *deviceAPIToken)
	cfg.ApplyDefaults()

	if cfg.Database.URL == "" {
		cfg.Database.URL = "postgres://localhost:5432/proxymon?sslmode=disable"
	}

	// Connect to database
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := store.NewStoreFromURL(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		logger.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Response cache is optional
	var respCache *cache.Cache
	if cfg.Redis.URL != "" {
		respCache, err = cache.New(cfg.Redis.URL, logger)
		if err != nil {
			logger.Warn("redis unavailable, continuing without response cache", "error", err)
			respCache = nil
		} else {
			logger.Info("connected to redis")
		}
	}

	// Audit log store
	audit, err := auditlog.NewStore(cfg.Audit.LogDir)
	if err != nil {
		logger.Error("failed to open replacement log directory", "dir", cfg.Audit.LogDir, "error", err)
		os.Exit(1)
	}

	// Wire up the monitoring pipeline
	probe := prober.New(logger)
	statusCache := status.NewCache()
	scan := scanner.New(probe, statusCache, logger)
	tasks := task.NewManager(db, scan, logger)

	deviceClient := devicemgr.NewClient(devicemgr.Config{
		BaseURL:   cfg.DeviceAPI.URL,
		AuthToken: cfg.DeviceAPI.Token,
		Timeout:   cfg.DeviceAPI.Timeout.Std(),
	}, logger)

	selector := replacer.NewSelector(db, probe, logger)
	rep := replacer.New(db, deviceClient, audit, probe, logger)

	autoReplace := worker.New(db, scan, selector, rep, audit, cfg.AutoReplace.Interval.Std(), logger)
	if cfg.AutoReplace.StartOnBoot {
		started, msg := autoReplace.Start()
		logger.Info("auto-replace worker boot start", "started", started, "message", msg)
	}

	// Create API server
	apiServer := api.NewServer(api.Deps{
		Store:         db,
		Status:        statusCache,
		Scanner:       scan,
		Tasks:         tasks,
		Selector:      selector,
		Replacer:      rep,
		Worker:        autoReplace,
		Audit:         audit,
		ResponseCache: respCache,
		APITokenHash:  cfg.Server.APITokenHash,
	}, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server
	go func() {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	autoReplace.Stop()

	logger.Info("shutdown complete")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return &config.Config{}, nil
	}
	return config.Load(path)
}

// applyOverrides layers flags over the config file, then PROXYMON_* env
// vars under any value still unset.
func applyOverrides(cfg *config.Config, port int, dbURL, redisURL, logDir, deviceAPI, deviceAPIToken string) {
	if port != 0 {
		cfg.Server.Port = port
	}
	if dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if logDir != "" {
		cfg.Audit.LogDir = logDir
	}
	if deviceAPI != "" {
		cfg.DeviceAPI.URL = deviceAPI
	}
	if deviceAPIToken != "" {
		cfg.DeviceAPI.Token = deviceAPIToken
	}

	if cfg.Server.Port == 0 {
		if n, err := strconv.Atoi(os.Getenv("PROXYMON_PORT")); err == nil && n > 0 {
			cfg.Server.Port = n
		}
	}
	if cfg.Audit.LogDir == "" {
		cfg.Audit.LogDir = os.Getenv("PROXYMON_LOG_DIR")
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("PROXYMON_DATABASE_URL")
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = os.Getenv("PROXYMON_REDIS_URL")
	}
	if cfg.DeviceAPI.URL == "" {
		cfg.DeviceAPI.URL = os.Getenv("PROXYMON_DEVICE_API_URL")
	}
	if cfg.DeviceAPI.Token == "" {
		cfg.DeviceAPI.Token = os.Getenv("PROXYMON_DEVICE_API_TOKEN")
	}
	if cfg.Server.APITokenHash == "" {
		cfg.Server.APITokenHash = os.Getenv("PROXYMON_API_TOKEN_HASH")
	}
}
