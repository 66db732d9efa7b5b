package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/supermd/syncd/config"
	"github.com/supermd/syncd/pkg/api"
	"github.com/supermd/syncd/pkg/api/handlers"
	"github.com/supermd/syncd/pkg/logger"
	"github.com/supermd/syncd/pkg/memory"
	"github.com/supermd/syncd/pkg/metrics"
	"github.com/supermd/syncd/pkg/relay"
	"github.com/supermd/syncd/pkg/storage"
	"github.com/supermd/syncd/pkg/storage/badger"
	memstore "github.com/supermd/syncd/pkg/storage/memory"
	"github.com/supermd/syncd/pkg/summarizer"
	"github.com/supermd/syncd/pkg/telemetry/tracing"
	"github.com/supermd/syncd/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	appName    = flag.String("app-name", "", "Override app name")
	serverPort = flag.Int("port", 0, "Override server port")
	logLevel   = flag.String("log-level", "", "Override log level")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetDefault(log)

	log.Info("Starting syncd",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Tracing
	tracingShutdown, err := tracing.Init(ctx, cfg.Tracing, version.Version)
	if err != nil {
		log.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Storage backend
	var store storage.Storage
	switch cfg.Storage.Type {
	case "badger":
		store, err = badger.NewBadgerStorage(&badger.Config{
			Path:             cfg.Storage.Badger.Path,
			SyncWrites:       cfg.Storage.Badger.SyncWrites,
			ValueLogFileSize: cfg.Storage.Badger.ValueLogFileSize,
			InMemory:         cfg.Storage.Badger.InMemory,
		})
		if err != nil {
			log.Error("Failed to create Badger storage", "error", err)
			os.Exit(1)
		}
		log.Info("Initialized Badger storage", "path", cfg.Storage.Badger.Path)
	case "memory":
		store = memstore.NewMemoryStorage()
		log.Info("Initialized memory storage")
	default:
		store = memstore.NewMemoryStorage()
		log.Warn("Unknown storage type, using memory storage", "type", cfg.Storage.Type)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Error closing storage", "error", err)
		}
	}()

	// Metrics
	metricsManager := metrics.NewManager(metrics.Config{
		Enabled:             cfg.Metrics.Enabled,
		Port:                cfg.Metrics.Port,
		Path:                cfg.Metrics.Path,
		TrimDurationBuckets: metrics.DefaultConfig().TrimDurationBuckets,
		HTTPDurationBuckets: metrics.DefaultConfig().HTTPDurationBuckets,
	})
	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	// Relay: persister keeps converged text durable and seeds cold rooms.
	persister := relay.NewPersister(log, store, cfg.Relay.PersistDebounce)

	hubOpts := []relay.Option{
		relay.WithObserver(persister),
		relay.WithSeeder(persister),
	}
	if metricsManager.Enabled() {
		hubOpts = append(hubOpts, relay.WithMetrics(metricsManager))
	}
	if cfg.Relay.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Relay.Redis.Addr,
			Password: cfg.Relay.Redis.Password,
			DB:       cfg.Relay.Redis.DB,
		})
		defer client.Close()
		hubOpts = append(hubOpts, relay.WithBus(
			relay.NewRedisBus(client, cfg.Relay.Redis.ChannelPrefix, cfg.Relay.SendBuffer)))
		log.Info("Redis fan-out enabled", "addr", cfg.Relay.Redis.Addr)
	}

	hub := relay.NewHub(log, relay.Config{
		MaxRoomClients: cfg.Relay.MaxRoomClients,
		SendBuffer:     cfg.Relay.SendBuffer,
		ProcessID:      uuid.NewString(),
	}, hubOpts...)

	// Memory compaction
	memOpts := []memory.ServiceOption{}
	if metricsManager.Enabled() {
		memOpts = append(memOpts, memory.WithMetrics(metricsManager))
	}
	if cfg.Memory.Summarizer.APIKey != "" {
		summ, err := summarizer.NewAnthropic(log, summarizer.Config{
			APIKey:       cfg.Memory.Summarizer.APIKey,
			Model:        cfg.Memory.Summarizer.Model,
			TargetLength: cfg.Memory.Summarizer.TargetLength,
		})
		if err != nil {
			log.Error("Failed to create summarizer", "error", err)
			os.Exit(1)
		}
		memOpts = append(memOpts, memory.WithSummarizer(summ))
		log.Info("LLM summarizer enabled", "model", cfg.Memory.Summarizer.Model)
	} else {
		log.Warn("No summarizer API key configured; memory trims are lossy")
	}
	memService := memory.NewService(log, store, memory.Config{
		MaxTokens:        cfg.Memory.MaxTokens,
		MinBatch:         cfg.Memory.MinBatch,
		MaxTrimPasses:    cfg.Memory.MaxTrimPasses,
		SummarizeTimeout: cfg.Memory.Summarizer.Timeout,
	}, memOpts...)

	// HTTP API
	apiHandlers := &api.Handlers{
		Sync: handlers.NewSyncHandler(log, hub, handlers.SyncConfig{
			AllowedOrigins: cfg.Relay.AllowedOrigins,
			MaxConnections: cfg.Relay.MaxConnections,
			PingInterval:   cfg.Relay.PingInterval,
			PongTimeout:    cfg.Relay.PongTimeout,
		}),
		Memory: handlers.NewMemoryHandler(log, memService),
		Health: handlers.NewHealthHandler(version.Version, storeProbe(store)),
	}
	if metricsManager.Enabled() {
		apiHandlers.Metrics = metricsManager
	}
	httpServer := api.NewHTTPServer(cfg, log, apiHandlers)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	// Hot-reload the log level on config file changes.
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath)
		if err != nil {
			log.Warn("Config watcher unavailable", "error", err)
		} else {
			watcher.OnChange(func(updated *config.Config) {
				log.SetLevel(logger.ParseLevel(updated.Log.Level))
				log.Info("Log level reloaded", "level", updated.Log.Level)
			})
			go func() {
				if err := watcher.Watch(ctx); err != nil {
					log.Warn("Config watcher stopped", "error", err)
				}
			}()
			defer watcher.Close()
		}
	}

	log.Info("syncd is running",
		"http_port", cfg.Server.Port,
		"metrics_port", cfg.Metrics.Port,
		"storage", cfg.Storage.Type,
	)

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErrChan:
		log.Error("HTTP server error", "error", err)
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", "error", err)
	}

	// Closing the hub tears down every room, which flushes dirty
	// documents through the persister.
	hub.Close()

	if err := tracingShutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down tracing", "error", err)
	}

	log.Info("syncd stopped gracefully")
}

// storeProbe reports backend reachability for the readiness endpoint. A
// missing probe document still proves the store answers.
func storeProbe(store storage.Storage) func() bool {
	return func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := store.LoadDocumentText(ctx, "readyz-probe")
		if err == nil {
			return true
		}
		var notFound *storage.NotFoundError
		return errors.As(err, &notFound)
	}
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("syncd - Collaborative Document Sync Relay\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
}

func printHelp() {
	fmt.Printf("syncd - Realtime collaborative document sync relay with agent memory\n\n")
	fmt.Printf("Usage: syncd [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  syncd                                     # Run with default config\n")
	fmt.Printf("  syncd -config syncd.yaml                  # Use specific config file\n")
	fmt.Printf("  syncd -port 9090 -log-level debug         # Override specific options\n")
	fmt.Printf("  syncd -version                            # Print version info\n")
}
