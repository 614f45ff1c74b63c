// Package config provides configuration management for the mediaq fetch pipeline.
// It covers queue sizing and timing, retry and watchdog budgets, discovery rules,
// storage backends, logging and observability.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/forest6511/mediaq/pkg/ratelimit"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "MEDIAQ_"

const (
	MinConcurrency = 1
	MaxConcurrency = 10
)

// QueueConfig sizes the worker pool and sets per-item timing.
type QueueConfig struct {
	// Concurrency is the number of workers per phase, 1 to 10
	Concurrency int `json:"concurrency"`

	// ImageTimeout is the hard deadline for a single image transfer
	ImageTimeout time.Duration `json:"image_timeout"`

	// VideoTimeout is the hard deadline for a single video transfer
	VideoTimeout time.Duration `json:"video_timeout"`

	// StallTimeout cancels a transfer when no chunk arrives for this long
	StallTimeout time.Duration `json:"stall_timeout"`

	// HeartbeatWindow is the byte window of the activity pulse used when no length is known
	HeartbeatWindow int64 `json:"heartbeat_window"`

	// ChunkSize is the read buffer size of the chunk loop
	ChunkSize int `json:"chunk_size"`

	ImagePacing time.Duration `json:"image_pacing"`
	VideoPacing time.Duration `json:"video_pacing"`

	// FadeDelay is how long a finished worker slot stays visible
	FadeDelay time.Duration `json:"fade_delay"`

	// PhaseGap separates the image phase from the video phase
	PhaseGap time.Duration `json:"phase_gap"`

	// MaxRate caps aggregate bandwidth, e.g. "2MB/s". Empty means unlimited.
	MaxRate string `json:"max_rate,omitempty"`
}

// RetryConfig defines the per-transfer retry budget.
type RetryConfig struct {
	// Attempts is the total number of attempts, including the first
	Attempts int `json:"attempts"`

	// Delay is the fixed back-off between attempts
	Delay time.Duration `json:"delay"`
}

// WatchdogConfig defines the global stall detector.
type WatchdogConfig struct {
	Enabled        bool          `json:"enabled"`
	Interval       time.Duration `json:"interval"`
	StallThreshold time.Duration `json:"stall_threshold"`
	MaxRestarts    int           `json:"max_restarts"`
}

// DiscoveryConfig holds the page rules used to find media.
type DiscoveryConfig struct {
	GallerySelector string `json:"gallery_selector"`
	ImageHost       string `json:"image_host"`
	SkipWebP        bool   `json:"skip_webp"`
	IncludeVideos   bool   `json:"include_videos"`
	// AllowInsecure accepts http:// media URLs; only https is kept otherwise
	AllowInsecure   bool   `json:"allow_insecure,omitempty"`
	NamePrefix      string `json:"name_prefix"`
	UserAgent       string `json:"user_agent,omitempty"`
	// BaseURL resolves relative links when discovering from a saved HTML file
	BaseURL         string `json:"base_url,omitempty"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Type is one of filesystem, memory, s3, gcs, redis
	Type string `json:"type"`

	// Path is the output directory for the filesystem backend
	Path string `json:"path,omitempty"`

	// Options is passed to the backend's Init
	Options map[string]interface{} `json:"options,omitempty"`

	// MinFreeSpace is the free space the filesystem backend keeps in reserve
	MinFreeSpace int64 `json:"min_free_space"`

	Thumbnails    bool `json:"thumbnails"`
	ThumbnailSize int  `json:"thumbnail_size,omitempty"`
}

// LoggingConfig configures the global zerolog logger.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// ObservabilityConfig configures metrics, tracing and error reporting.
type ObservabilityConfig struct {
	MetricsAddr string `json:"metrics_addr,omitempty"`
	SentryDSN   string `json:"sentry_dsn,omitempty"`
	Environment string `json:"environment"`
}

// Config represents the complete configuration for mediaq.
type Config struct {
	// Version is the configuration schema version
	Version string `json:"version"`

	Queue         QueueConfig         `json:"queue"`
	Retry         RetryConfig         `json:"retry"`
	Watchdog      WatchdogConfig      `json:"watchdog"`
	Discovery     DiscoveryConfig     `json:"discovery"`
	Storage       StorageConfig       `json:"storage"`
	Logging       LoggingConfig       `json:"logging"`
	Observability ObservabilityConfig `json:"observability"`
}

// DefaultConfig returns a configuration with the stock timings.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		Queue: QueueConfig{
			Concurrency:     4,
			ImageTimeout:    15 * time.Second,
			VideoTimeout:    20 * time.Second,
			StallTimeout:    8 * time.Second,
			HeartbeatWindow: 512 * 1024,
			ChunkSize:       32 * 1024,
			ImagePacing:     250 * time.Millisecond,
			VideoPacing:     400 * time.Millisecond,
			FadeDelay:       300 * time.Millisecond,
			PhaseGap:        800 * time.Millisecond,
		},
		Retry: RetryConfig{
			Attempts: 3,
			Delay:    750 * time.Millisecond,
		},
		Watchdog: WatchdogConfig{
			Enabled:        true,
			Interval:       time.Second,
			StallThreshold: 30 * time.Second,
			MaxRestarts:    3,
		},
		Discovery: DiscoveryConfig{
			GallerySelector: `[class*="ModelVersionDetails_mainSection__"]`,
			ImageHost:       "image.civitai.com",
			SkipWebP:        true,
			IncludeVideos:   true,
			NamePrefix:      "civitai",
			UserAgent:       "mediaq/1.0",
		},
		Storage: StorageConfig{
			Type:          "filesystem",
			Path:          "downloads",
			MinFreeSpace:  100 * 1024 * 1024,
			ThumbnailSize: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Observability: ObservabilityConfig{
			Environment: "development",
		},
	}
}

// ConfigLoader handles loading and saving configuration.
type ConfigLoader struct {
	configPath string
}

// NewConfigLoader creates a new configuration loader.
func NewConfigLoader(configPath string) *ConfigLoader {
	return &ConfigLoader{
		configPath: configPath,
	}
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", "mediaq", "config.json"), nil
}

// Load loads configuration from file, falling back to defaults if the file doesn't exist.
func (cl *ConfigLoader) Load() (*Config, error) {
	if cl.configPath == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(cl.configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(cl.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", cl.configPath, err)
	}

	// Start from defaults so booleans absent from the file keep their stock values.
	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", cl.configPath, err)
	}

	cl.applyDefaults(config)

	return config, nil
}

// Save saves configuration to file.
func (cl *ConfigLoader) Save(config *Config) error {
	configDir := filepath.Dir(cl.configPath)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(cl.configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", cl.configPath, err)
	}

	return nil
}

func (cl *ConfigLoader) applyQueueDefaults(config, defaults *Config) {
	q, d := &config.Queue, defaults.Queue
	if q.Concurrency == 0 {
		q.Concurrency = d.Concurrency
	}
	if q.ImageTimeout == 0 {
		q.ImageTimeout = d.ImageTimeout
	}
	if q.VideoTimeout == 0 {
		q.VideoTimeout = d.VideoTimeout
	}
	if q.StallTimeout == 0 {
		q.StallTimeout = d.StallTimeout
	}
	if q.HeartbeatWindow == 0 {
		q.HeartbeatWindow = d.HeartbeatWindow
	}
	if q.ChunkSize == 0 {
		q.ChunkSize = d.ChunkSize
	}
}

func (cl *ConfigLoader) applyRetryDefaults(config, defaults *Config) {
	if config.Retry.Attempts == 0 {
		config.Retry.Attempts = defaults.Retry.Attempts
	}
}

func (cl *ConfigLoader) applyWatchdogDefaults(config, defaults *Config) {
	if config.Watchdog.Interval == 0 {
		config.Watchdog.Interval = defaults.Watchdog.Interval
	}
	if config.Watchdog.StallThreshold == 0 {
		config.Watchdog.StallThreshold = defaults.Watchdog.StallThreshold
	}
}

func (cl *ConfigLoader) applyStorageDefaults(config, defaults *Config) {
	if config.Storage.Type == "" {
		config.Storage.Type = defaults.Storage.Type
	}
	if config.Storage.Type == "filesystem" && config.Storage.Path == "" {
		config.Storage.Path = defaults.Storage.Path
	}
	if config.Storage.ThumbnailSize == 0 {
		config.Storage.ThumbnailSize = defaults.Storage.ThumbnailSize
	}
}

func (cl *ConfigLoader) applyDefaults(config *Config) {
	defaults := DefaultConfig()

	cl.applyQueueDefaults(config, defaults)
	cl.applyRetryDefaults(config, defaults)
	cl.applyWatchdogDefaults(config, defaults)
	cl.applyStorageDefaults(config, defaults)

	if config.Discovery.NamePrefix == "" {
		config.Discovery.NamePrefix = defaults.Discovery.NamePrefix
	}
	if config.Logging.Level == "" {
		config.Logging.Level = defaults.Logging.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = defaults.Logging.Format
	}
	if config.Version == "" {
		config.Version = defaults.Version
	}
}

// LoadEnvFiles loads .env files into the process environment without overriding
// variables that are already set. Missing files are ignored.
func LoadEnvFiles(files ...string) {
	if len(files) == 0 {
		files = []string{".env.local", ".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

// ApplyEnv overrides fields from MEDIAQ_* environment variables.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	ints := map[string]*int{
		"CONCURRENCY":    &c.Queue.Concurrency,
		"RETRY_ATTEMPTS": &c.Retry.Attempts,
		"MAX_RESTARTS":   &c.Watchdog.MaxRestarts,
	}
	for key, dst := range ints {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"IMAGE_TIMEOUT":   &c.Queue.ImageTimeout,
		"VIDEO_TIMEOUT":   &c.Queue.VideoTimeout,
		"STALL_TIMEOUT":   &c.Queue.StallTimeout,
		"RETRY_DELAY":     &c.Retry.Delay,
		"STALL_THRESHOLD": &c.Watchdog.StallThreshold,
	}
	for key, dst := range durations {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
	}

	strs := map[string]*string{
		"MAX_RATE":     &c.Queue.MaxRate,
		"STORAGE":      &c.Storage.Type,
		"OUT":          &c.Storage.Path,
		"NAME_PREFIX":  &c.Discovery.NamePrefix,
		"BASE_URL":     &c.Discovery.BaseURL,
		"LOG_LEVEL":    &c.Logging.Level,
		"LOG_FORMAT":   &c.Logging.Format,
		"METRICS_ADDR": &c.Observability.MetricsAddr,
		"SENTRY_DSN":   &c.Observability.SentryDSN,
		"ENV":          &c.Observability.Environment,
	}
	for key, dst := range strs {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	if v, ok := get("WATCHDOG"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sWATCHDOG: %w", EnvPrefix, err)
		}
		c.Watchdog.Enabled = enabled
	}

	return nil
}

// MaxRateBytes returns the parsed bandwidth cap in bytes per second.
func (c *Config) MaxRateBytes() (int64, error) {
	return ratelimit.ParseRate(c.Queue.MaxRate)
}

func (c *Config) validateQueue() error {
	q := c.Queue
	if q.Concurrency < MinConcurrency || q.Concurrency > MaxConcurrency {
		return fmt.Errorf("queue concurrency must be between %d and %d, got %d",
			MinConcurrency, MaxConcurrency, q.Concurrency)
	}
	if q.ImageTimeout <= 0 || q.VideoTimeout <= 0 {
		return fmt.Errorf("queue timeouts must be positive, got image=%v video=%v", q.ImageTimeout, q.VideoTimeout)
	}
	if q.StallTimeout <= 0 {
		return fmt.Errorf("queue stall_timeout must be positive, got %v", q.StallTimeout)
	}
	if q.HeartbeatWindow <= 0 {
		return fmt.Errorf("queue heartbeat_window must be positive, got %d", q.HeartbeatWindow)
	}
	if q.ChunkSize <= 0 {
		return fmt.Errorf("queue chunk_size must be positive, got %d", q.ChunkSize)
	}
	if q.ImagePacing < 0 || q.VideoPacing < 0 || q.FadeDelay < 0 || q.PhaseGap < 0 {
		return fmt.Errorf("queue delays must be non-negative")
	}
	if _, err := ratelimit.ParseRate(q.MaxRate); err != nil {
		return fmt.Errorf("queue max_rate: %w", err)
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", c.Retry.Attempts)
	}
	if c.Retry.Delay < 0 {
		return fmt.Errorf("retry delay must be non-negative, got %v", c.Retry.Delay)
	}
	return nil
}

func (c *Config) validateWatchdog() error {
	if !c.Watchdog.Enabled {
		return nil
	}
	if c.Watchdog.Interval <= 0 {
		return fmt.Errorf("watchdog interval must be positive, got %v", c.Watchdog.Interval)
	}
	if c.Watchdog.StallThreshold <= 0 {
		return fmt.Errorf("watchdog stall_threshold must be positive, got %v", c.Watchdog.StallThreshold)
	}
	if c.Watchdog.MaxRestarts < 0 {
		return fmt.Errorf("watchdog max_restarts must be non-negative, got %d", c.Watchdog.MaxRestarts)
	}
	return nil
}

func (c *Config) validateStorage() error {
	validTypes := map[string]bool{
		"filesystem": true,
		"memory":     true,
		"s3":         true,
		"gcs":        true,
		"redis":      true,
	}
	if !validTypes[c.Storage.Type] {
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}
	if c.Storage.MinFreeSpace < 0 {
		return fmt.Errorf("min free space must be non-negative, got %d", c.Storage.MinFreeSpace)
	}
	if c.Storage.Thumbnails && c.Storage.ThumbnailSize <= 0 {
		return fmt.Errorf("thumbnail size must be positive, got %d", c.Storage.ThumbnailSize)
	}
	return nil
}

func (c *Config) validateLogging() error {
	validLogLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}

// Validate validates the configuration for consistency and correctness.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateQueue,
		c.validateRetry,
		c.validateWatchdog,
		c.validateStorage,
		c.validateLogging,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	data, _ := json.Marshal(c)

	var clone Config

	_ = json.Unmarshal(data, &clone)

	return &clone
}
