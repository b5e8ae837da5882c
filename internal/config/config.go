package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable
const EnvPrefix = "PULSE"

// ConfigFileEnv names the variable pointing at an optional YAML file
const ConfigFileEnv = "PULSE_CONFIG_FILE"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Pipeline  PipelineConfig  `yaml:"pipeline" envconfig:"PIPELINE"`
	Signal    SignalConfig    `yaml:"signal" envconfig:"SIGNAL"`
	Cache     CacheConfig     `yaml:"cache" envconfig:"CACHE"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string          `yaml:"host" envconfig:"LISTEN_HOST"`
	Port            int             `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains per-client rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// WebSocketConfig contains settings for the job watch stream
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PollInterval    time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
	WriteWait       time.Duration `yaml:"write_wait" envconfig:"WRITE_WAIT"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level     string `yaml:"level" envconfig:"LEVEL"`
	Format    string `yaml:"format" envconfig:"FORMAT"`
	Output    string `yaml:"output" envconfig:"OUTPUT"`
	FilePath  string `yaml:"file_path" envconfig:"FILE_PATH"`
	AddSource bool   `yaml:"add_source" envconfig:"ADD_SOURCE"`
}

// StoreConfig selects the durable backend and tunes the fast one
type StoreConfig struct {
	Driver        string        `yaml:"driver" envconfig:"DRIVER"`
	DSN           string        `yaml:"dsn" envconfig:"DSN"`
	FastTTL       time.Duration `yaml:"fast_ttl" envconfig:"FAST_TTL"`
	ReadTimeout   time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	MemoryEntries int           `yaml:"memory_entries" envconfig:"MEMORY_ENTRIES"`
	KeyPrefix     string        `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
}

// PipelineConfig contains the stage table and execution limits
type PipelineConfig struct {
	// Stages lists "name:weight" pairs in execution order
	Stages              []string                 `yaml:"stages" envconfig:"STAGES"`
	DefaultStageTimeout time.Duration            `yaml:"default_stage_timeout" envconfig:"DEFAULT_STAGE_TIMEOUT"`
	StageTimeouts       map[string]time.Duration `yaml:"stage_timeouts" envconfig:"STAGE_TIMEOUTS"`
	PublishInterval     time.Duration            `yaml:"publish_interval" envconfig:"PUBLISH_INTERVAL"`
	FinalizeTimeout     time.Duration            `yaml:"finalize_timeout" envconfig:"FINALIZE_TIMEOUT"`
	ShutdownTimeout     time.Duration            `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	AnalystConcurrency  int                      `yaml:"analyst_concurrency" envconfig:"ANALYST_CONCURRENCY"`
	SimulatedDelay      time.Duration            `yaml:"simulated_delay" envconfig:"SIMULATED_DELAY"`

	// OrphanAfter is how stale an unfinished record must be before it is
	// marked failed; zero derives it from the stage and finalize timeouts
	OrphanAfter time.Duration `yaml:"orphan_after" envconfig:"ORPHAN_AFTER"`
	// RecoverInterval spaces the background sweep for abandoned records;
	// zero runs recovery at startup only
	RecoverInterval time.Duration `yaml:"recover_interval" envconfig:"RECOVER_INTERVAL"`
}

// SignalConfig holds the market-heat inputs used when a job brings none.
// Defaults maps category to indicator values; use subject "*" keys under
// Subjects for per-subject overrides.
type SignalConfig struct {
	Defaults map[string]map[string]float64            `yaml:"defaults" ignored:"true"`
	Subjects map[string]map[string]map[string]float64 `yaml:"subjects" ignored:"true"`
}

// CacheConfig selects the auxiliary cache backend
type CacheConfig struct {
	Backend    string                   `yaml:"backend" envconfig:"BACKEND"`
	Path       string                   `yaml:"path" envconfig:"DB_PATH"`
	MaxEntries int                      `yaml:"max_entries" envconfig:"MAX_ENTRIES"`
	TTLs       map[string]time.Duration `yaml:"ttls" envconfig:"TTLS"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	ServiceName   string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment   string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	EnableMetrics bool    `yaml:"enable_metrics" envconfig:"ENABLE_METRICS"`
	EnableTracing bool    `yaml:"enable_tracing" envconfig:"ENABLE_TRACING"`
	TraceExporter string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	SampleRatio   float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// Load builds the configuration from defaults, then the YAML file named by
// PULSE_CONFIG_FILE if set, then environment variables. Environment wins.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(ConfigFileEnv))
}

// LoadFile is Load with an explicit YAML path; an empty path skips the file
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Fields without a variable set keep their current value
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks that every section holds usable values
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server read and write timeouts must be positive")
	}
	if c.Server.RateLimit.Enabled && (c.Server.RateLimit.RPS <= 0 || c.Server.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit rps and burst must be positive when enabled")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Output) {
	case "stdout", "stderr", "console":
	case "file", "both":
		if c.Logging.FilePath == "" {
			return fmt.Errorf("logging.file_path is required for output %q", c.Logging.Output)
		}
	default:
		return fmt.Errorf("unknown log output %q", c.Logging.Output)
	}

	switch c.Store.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}

	if len(c.Pipeline.Stages) == 0 {
		return fmt.Errorf("pipeline.stages must list at least one stage")
	}
	for _, s := range c.Pipeline.Stages {
		if err := checkStageEntry(s); err != nil {
			return err
		}
	}

	if c.Pipeline.OrphanAfter < 0 || c.Pipeline.RecoverInterval < 0 {
		return fmt.Errorf("pipeline.orphan_after and pipeline.recover_interval must not be negative")
	}

	switch c.Cache.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	for category := range c.Signal.Defaults {
		if !knownCategory(category) {
			return fmt.Errorf("signal.defaults has unknown category %q", category)
		}
	}
	for category := range c.Signal.Subjects {
		if !knownCategory(category) {
			return fmt.Errorf("signal.subjects has unknown category %q", category)
		}
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}

func checkStageEntry(s string) error {
	name, weight, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("stage entry %q must be name:weight", s)
	}
	if _, err := strconv.ParseFloat(strings.TrimSpace(weight), 64); err != nil {
		return fmt.Errorf("stage entry %q has a bad weight: %w", s, err)
	}
	return nil
}

func knownCategory(c string) bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// Address returns the listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"http://localhost:8080"},
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     20,
				Burst:   40,
			},
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PollInterval:    500 * time.Millisecond,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "logs/stockpulse.log",
		},
		Store: StoreConfig{
			Driver:        "sqlite3",
			DSN:           "data/stockpulse.db",
			FastTTL:       24 * time.Hour,
			ReadTimeout:   2 * time.Second,
			MemoryEntries: 4096,
			KeyPrefix:     "job:progress:",
		},
		Pipeline: PipelineConfig{
			Stages:              []string{"validate:0.1", "analyze:0.3", "debate:0.4", "risk:0.2"},
			DefaultStageTimeout: 30 * time.Minute,
			StageTimeouts:       map[string]time.Duration{},
			PublishInterval:     time.Second,
			FinalizeTimeout:     30 * time.Second,
			ShutdownTimeout:     30 * time.Second,
			RecoverInterval:     5 * time.Minute,
			AnalystConcurrency:  4,
			SimulatedDelay:      2 * time.Second,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			Path:       "data/aux_cache.db",
			MaxEntries: 10000,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "stockpulse",
			Environment:   "development",
			EnableMetrics: true,
			TraceExporter: "none",
			SampleRatio:   1,
		},
	}
}
