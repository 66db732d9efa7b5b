// Package config provides configuration management for syncd.
package config

import (
	"encoding/json"
	"time"
)

// Config is the global configuration for syncd.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Relay is the document relay configuration.
	Relay RelayConfig `mapstructure:"relay"`

	// Memory is the conversational memory configuration.
	Memory MemoryConfig `mapstructure:"memory"`

	// Storage is the persistence configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`
	Debug       bool   `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Host string     `mapstructure:"host"`
	Port int        `mapstructure:"port" validate:"required,min=1,max=65535"`
	HTTP HTTPConfig `mapstructure:"http"`
	CORS CORSConfig `mapstructure:"cors"`
}

// HTTPConfig holds HTTP server timeouts.
type HTTPConfig struct {
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
	Output string `mapstructure:"output"`
}

// RelayConfig holds the document relay settings.
type RelayConfig struct {
	// AllowedOrigins restricts websocket upgrades (empty allows same host).
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// MaxConnections caps concurrent websocket connections.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// MaxRoomClients caps members per document room (0 = unlimited).
	MaxRoomClients int `mapstructure:"max_room_clients" validate:"min=0"`

	// PingInterval and PongTimeout drive websocket keepalive.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`

	// SendBuffer is the per-client outbound frame buffer.
	SendBuffer int `mapstructure:"send_buffer" validate:"min=0"`

	// PersistDebounce delays document saves after the last update.
	PersistDebounce time.Duration `mapstructure:"persist_debounce"`

	// Redis externalizes room fan-out across relay processes.
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis pub/sub settings for multi-process fan-out.
type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db" validate:"min=0"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// MemoryConfig holds the compaction settings for conversational memory.
type MemoryConfig struct {
	// MaxTokens is the context ceiling for (summary + entries).
	MaxTokens int `mapstructure:"max_tokens" validate:"min=1"`

	// MinBatch is the smallest number of entries folded per trim pass.
	MinBatch int `mapstructure:"min_batch" validate:"min=1"`

	// MaxTrimPasses bounds the trim loop as a safety net.
	MaxTrimPasses int `mapstructure:"max_trim_passes" validate:"min=1"`

	// Summarizer configures the optional LLM summarizer.
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
}

// SummarizerConfig holds LLM summarizer settings. An empty APIKey disables
// summarization; trim then falls back to lossy deletion.
type SummarizerConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	TargetLength int           `mapstructure:"target_length" validate:"min=0"`
}

// StorageConfig holds the persistence configuration.
type StorageConfig struct {
	Type   string       `mapstructure:"type" validate:"oneof=badger memory"`
	Badger BadgerConfig `mapstructure:"badger"`
}

// BadgerConfig holds Badger-specific settings.
type BadgerConfig struct {
	Path             string `mapstructure:"path"`
	SyncWrites       bool   `mapstructure:"sync_writes"`
	ValueLogFileSize int64  `mapstructure:"value_log_file_size"`
	InMemory         bool   `mapstructure:"in_memory"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port" validate:"min=0,max=65535"`
	Path    string `mapstructure:"path"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"min=0,max=1"`
	Insecure    bool    `mapstructure:"insecure"`
}

// String renders the config for debug logging with secrets redacted.
func (c *Config) String() string {
	redacted := *c
	if redacted.Memory.Summarizer.APIKey != "" {
		redacted.Memory.Summarizer.APIKey = "[redacted]"
	}
	if redacted.Relay.Redis.Password != "" {
		redacted.Relay.Redis.Password = "[redacted]"
	}
	data, err := json.Marshal(redacted)
	if err != nil {
		return "<unprintable config>"
	}
	return string(data)
}
