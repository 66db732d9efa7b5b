package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "syncd",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:    30 * time.Second,
				WriteTimeout:   30 * time.Second,
				IdleTimeout:    120 * time.Second,
				MaxHeaderBytes: 1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-ID", "X-User-ID"},
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Relay: RelayConfig{
			MaxConnections:  1000,
			MaxRoomClients:  64,
			PingInterval:    30 * time.Second,
			PongTimeout:     10 * time.Second,
			SendBuffer:      64,
			PersistDebounce: 2 * time.Second,
			Redis: RedisConfig{
				Enabled:       false,
				Addr:          "localhost:6379",
				ChannelPrefix: "syncd:room:",
			},
		},
		Memory: MemoryConfig{
			MaxTokens:     1600,
			MinBatch:      4,
			MaxTrimPasses: 16,
			Summarizer: SummarizerConfig{
				Model:        "claude-3-5-haiku-latest",
				Timeout:      30 * time.Second,
				TargetLength: 250,
			},
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path:       "./data/syncd",
				SyncWrites: false,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9091,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "syncd",
			SampleRatio: 1.0,
			Insecure:    true,
		},
	}
}
