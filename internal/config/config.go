// Package config loads the engine configuration from a YAML file.
// The configuration is loaded once at startup and passed explicitly to
// every component; nothing reads it from ambient state afterwards.
package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/pagesnap/engine/internal/yamlutil"
	"github.com/pagesnap/engine/pkg/types"
)

// Log level constants
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log format constants
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
	LogFormatText    = "text"
)

// Default readiness marker: meta tag injected by the client-side loader once
// rendering has produced final content.
const defaultReadinessSelector = "meta[data-gen-source='meta-loader']"

// Config is the complete engine configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Storage StorageConfig `yaml:"storage"`
	Render  RenderConfig  `yaml:"render"`
	Cache   CacheConfig   `yaml:"cache"`
	Batch   BatchConfig   `yaml:"batch"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	Listen  string         `yaml:"listen"`
	Timeout types.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig configures the durable tier (S3-compatible object store).
type StorageConfig struct {
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint,omitempty"`   // custom endpoint (LocalStack, MinIO)
	PathStyle bool   `yaml:"path_style,omitempty"` // path-style addressing for custom endpoints
}

type RenderConfig struct {
	Workers           int            `yaml:"workers"`
	LoadTimeout       types.Duration `yaml:"load_timeout"`
	ReadinessTimeout  types.Duration `yaml:"readiness_timeout"`
	ReadinessSelector string         `yaml:"readiness_selector"`
}

// CacheConfig holds the tier lifetimes. The expected ordering is
// success_ttl >> failure_ttl >> lock_ttl, but each value is independent.
type CacheConfig struct {
	SuccessTTL   types.Duration `yaml:"success_ttl"`
	FailureTTL   types.Duration `yaml:"failure_ttl"`
	LockTTL      types.Duration `yaml:"lock_ttl"`
	WaitTimeout  types.Duration `yaml:"wait_timeout"`
	PollInterval types.Duration `yaml:"poll_interval"`
}

type BatchConfig struct {
	Workers        int            `yaml:"workers"`
	SitemapTimeout types.Duration `yaml:"sitemap_timeout"`
}

type LogConfig struct {
	Level   string           `yaml:"level"`
	Console ConsoleLogConfig `yaml:"console"`
	File    FileLogConfig    `yaml:"file"`
}

type ConsoleLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"`
	Level   string `yaml:"level,omitempty"`
}

type FileLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Format   string         `yaml:"format"`
	Level    string         `yaml:"level,omitempty"`
	Rotation RotationConfig `yaml:"rotation"`
}

type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`
	MaxAge     int  `yaml:"max_age"`
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Load reads, parses and validates the configuration file at path.
func Load(path string, logger *zap.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yamlutil.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.emitWarnings(logger)

	return &cfg, nil
}

// applyDefaults applies default values to configuration
func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":3081"
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = types.Duration(30 * time.Second)
	}

	if c.Render.Workers == 0 {
		c.Render.Workers = 10
	}
	if c.Render.LoadTimeout == 0 {
		c.Render.LoadTimeout = types.Duration(5 * time.Second)
	}
	if c.Render.ReadinessTimeout == 0 {
		c.Render.ReadinessTimeout = types.Duration(2 * time.Second)
	}
	if c.Render.ReadinessSelector == "" {
		c.Render.ReadinessSelector = defaultReadinessSelector
	}

	if c.Cache.SuccessTTL == 0 {
		c.Cache.SuccessTTL = types.Duration(24 * time.Hour)
	}
	if c.Cache.FailureTTL == 0 {
		c.Cache.FailureTTL = types.Duration(5 * time.Minute)
	}
	if c.Cache.LockTTL == 0 {
		// Lock must outlive a full two-stage render plus store writes
		c.Cache.LockTTL = types.Duration(30 * time.Second)
	}
	if c.Cache.WaitTimeout == 0 {
		c.Cache.WaitTimeout = types.Duration(10 * time.Second)
	}
	if c.Cache.PollInterval == 0 {
		c.Cache.PollInterval = types.Duration(200 * time.Millisecond)
	}

	if c.Batch.Workers == 0 {
		c.Batch.Workers = 4
	}
	if c.Batch.SitemapTimeout == 0 {
		c.Batch.SitemapTimeout = types.Duration(30 * time.Second)
	}

	// If both log outputs are disabled (zero values), enable console by default
	if !c.Log.Console.Enabled && !c.Log.File.Enabled {
		c.Log.Console.Enabled = true
	}
	if c.Log.Console.Format == "" {
		c.Log.Console.Format = LogFormatConsole
	}
	if c.Log.File.Format == "" {
		c.Log.File.Format = LogFormatText
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "pagesnap"
	}
}

func (c *Config) validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}
	if c.Render.Workers < 1 {
		return fmt.Errorf("render.workers must be positive, got %d", c.Render.Workers)
	}
	if c.Render.LoadTimeout <= 0 {
		return fmt.Errorf("render.load_timeout must be positive")
	}
	if c.Render.ReadinessTimeout <= 0 {
		return fmt.Errorf("render.readiness_timeout must be positive")
	}
	if c.Batch.Workers < 1 {
		return fmt.Errorf("batch.workers must be positive, got %d", c.Batch.Workers)
	}
	if c.Cache.PollInterval <= 0 {
		return fmt.Errorf("cache.poll_interval must be positive")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	return nil
}

// emitWarnings logs runtime warnings for configurations that are valid but
// likely unintended.
func (c *Config) emitWarnings(logger *zap.Logger) {
	if logger == nil {
		return
	}

	if c.Cache.FailureTTL >= c.Cache.SuccessTTL {
		logger.Warn("cache.failure_ttl >= cache.success_ttl (failed renders will be suppressed as long as successes are cached)",
			zap.Duration("failure_ttl", c.Cache.FailureTTL.ToDuration()),
			zap.Duration("success_ttl", c.Cache.SuccessTTL.ToDuration()))
	}
	if c.Cache.LockTTL.ToDuration() < c.Render.LoadTimeout.ToDuration()+c.Render.ReadinessTimeout.ToDuration() {
		logger.Warn("cache.lock_ttl is shorter than a worst-case render (lock may expire mid-render)",
			zap.Duration("lock_ttl", c.Cache.LockTTL.ToDuration()),
			zap.Duration("worst_case_render", c.Render.LoadTimeout.ToDuration()+c.Render.ReadinessTimeout.ToDuration()))
	}
	if c.Cache.WaitTimeout.ToDuration() < c.Cache.PollInterval.ToDuration() {
		logger.Warn("cache.wait_timeout is shorter than cache.poll_interval (followers will never poll)")
	}
}
