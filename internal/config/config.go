package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"

	"github.com/unisearch/reqcache/pkg/types"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "REQCACHE_"

// Durable backends
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Configuration represents the complete library configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Cache   CacheConfig   `yaml:"cache" envPrefix:"CACHE_"`
	Durable DurableConfig `yaml:"durable" envPrefix:"DURABLE_"`
	Session SessionConfig `yaml:"session" envPrefix:"SESSION_"`
	HTTP    HTTPConfig    `yaml:"http" envPrefix:"HTTP_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	Health  HealthConfig  `yaml:"health" envPrefix:"HEALTH_"`
}

// GlobalConfig represents logging settings
type GlobalConfig struct {
	LogLevel      string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat     string `yaml:"log_format" env:"LOG_FORMAT"`
	LogFile       string `yaml:"log_file" env:"LOG_FILE"`
	LogMaxSizeMB  int64  `yaml:"log_max_size_mb" env:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `yaml:"log_max_backups" env:"LOG_MAX_BACKUPS"`
	LogCompress   bool   `yaml:"log_compress" env:"LOG_COMPRESS"`
}

// CacheConfig represents cache service settings
type CacheConfig struct {
	MemoryCapacity       int             `yaml:"memory_capacity" env:"MEMORY_CAPACITY"`
	DefaultTTL           time.Duration   `yaml:"default_ttl" env:"DEFAULT_TTL"`
	CompressionThreshold int             `yaml:"compression_threshold" env:"COMPRESSION_THRESHOLD"`
	CompressionLevel     int             `yaml:"compression_level" env:"COMPRESSION_LEVEL"`
	Namespace            string          `yaml:"namespace" env:"NAMESPACE"`
	SweepInterval        time.Duration   `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	PreloadConcurrency   int             `yaml:"preload_concurrency" env:"PRELOAD_CONCURRENCY"`
	Policies             types.PolicySet `yaml:"policies"`
}

// DurableConfig selects and configures the durable tier's store
type DurableConfig struct {
	Backend string      `yaml:"backend" env:"BACKEND"`
	Quota   string      `yaml:"quota" env:"QUOTA"`
	File    FileConfig  `yaml:"file" envPrefix:"FILE_"`
	Redis   RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
	S3      S3Config    `yaml:"s3" envPrefix:"S3_"`
}

// FileConfig represents file store settings
type FileConfig struct {
	Directory string `yaml:"directory" env:"DIRECTORY"`
}

// RedisConfig represents Redis store settings
type RedisConfig struct {
	Addr      string        `yaml:"addr" env:"ADDR"`
	DB        int           `yaml:"db" env:"DB"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// S3Config represents S3 store settings
type S3Config struct {
	Bucket          string        `yaml:"bucket" env:"BUCKET"`
	Prefix          string        `yaml:"prefix" env:"PREFIX"`
	Region          string        `yaml:"region" env:"REGION"`
	Endpoint        string        `yaml:"endpoint" env:"ENDPOINT"`
	AccessKeyID     string        `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string        `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	ForcePathStyle  bool          `yaml:"force_path_style" env:"FORCE_PATH_STYLE"`
	MaxRetries      int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// SessionConfig represents session tier settings
type SessionConfig struct {
	Quota string `yaml:"quota" env:"QUOTA"`
}

// HTTPConfig represents upstream client settings
type HTTPConfig struct {
	BaseURL             string               `yaml:"base_url" env:"BASE_URL"`
	Timeout             time.Duration        `yaml:"timeout" env:"TIMEOUT"`
	GetRetry            RetryConfig          `yaml:"get_retry" envPrefix:"GET_RETRY_"`
	MutationRetry       RetryConfig          `yaml:"mutation_retry" envPrefix:"MUTATION_RETRY_"`
	DedupGrace          time.Duration        `yaml:"dedup_grace" env:"DEDUP_GRACE"`
	SharedFetchTimeout  time.Duration        `yaml:"shared_fetch_timeout" env:"SHARED_FETCH_TIMEOUT"`
	InvalidateOnFailure bool                 `yaml:"invalidate_on_failure" env:"INVALIDATE_ON_FAILURE"`
	CircuitBreaker      CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled" env:"ENABLED"`
	Port         int               `yaml:"port" env:"PORT"`
	Path         string            `yaml:"path" env:"PATH"`
	Namespace    string            `yaml:"namespace" env:"NAMESPACE"`
	CustomLabels map[string]string `yaml:"custom_labels" env:"CUSTOM_LABELS"`
}

// HealthConfig represents component health tracking settings
type HealthConfig struct {
	ErrorThreshold       int           `yaml:"error_threshold" env:"ERROR_THRESHOLD"`
	UnavailableThreshold int           `yaml:"unavailable_threshold" env:"UNAVAILABLE_THRESHOLD"`
	CheckInterval        time.Duration `yaml:"check_interval" env:"CHECK_INTERVAL"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Cache: CacheConfig{
			MemoryCapacity:       100,
			DefaultTTL:           5 * time.Minute,
			CompressionThreshold: 1024,
			Namespace:            "cache:",
			SweepInterval:        time.Minute,
			PreloadConcurrency:   4,
			Policies: types.PolicySet{
				Default: types.Policy{TTL: 5 * time.Minute, Tier: types.TierMemory},
			},
		},
		Durable: DurableConfig{
			Backend: BackendFile,
			Quota:   "5MB",
			File: FileConfig{
				Directory: filepath.Join(os.TempDir(), "reqcache"),
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "reqcache:",
				Timeout:   2 * time.Second,
			},
			S3: S3Config{
				Region:         "us-east-1",
				Prefix:         "reqcache/",
				MaxRetries:     3,
				RequestTimeout: 10 * time.Second,
			},
		},
		Session: SessionConfig{
			Quota: "5MB",
		},
		HTTP: HTTPConfig{
			Timeout: 30 * time.Second,
			GetRetry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   1 * time.Second,
				MaxDelay:    30 * time.Second,
			},
			MutationRetry: RetryConfig{
				MaxAttempts: 2,
				BaseDelay:   1 * time.Second,
				MaxDelay:    30 * time.Second,
			},
			DedupGrace:         50 * time.Millisecond,
			SharedFetchTimeout: 2 * time.Minute,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				Timeout:          60 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "reqcache",
			CustomLabels: map[string]string{
				"service": "reqcache",
			},
		},
		Health: HealthConfig{
			ErrorThreshold:       3,
			UnavailableThreshold: 10,
			CheckInterval:        30 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv overrides fields from REQCACHE_* environment variables, for
// example REQCACHE_HTTP_BASE_URL or REQCACHE_DURABLE_REDIS_ADDR. Unset
// variables leave the current value alone.
func (c *Configuration) LoadFromEnv() error {
	return c.loadFromEnv(nil)
}

func (c *Configuration) loadFromEnv(environment map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(c, opts); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	switch c.Global.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}

	if c.Cache.MemoryCapacity <= 0 {
		return fmt.Errorf("cache.memory_capacity must be greater than 0")
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be greater than 0")
	}
	if c.Cache.PreloadConcurrency <= 0 {
		return fmt.Errorf("cache.preload_concurrency must be greater than 0")
	}
	if c.Cache.Namespace == "" {
		return fmt.Errorf("cache.namespace cannot be empty")
	}
	for prefix, policy := range c.Cache.Policies.Rules {
		if _, err := types.ParseTier(string(policy.Tier)); err != nil {
			return fmt.Errorf("cache.policies.rules[%s]: %w", prefix, err)
		}
	}
	if _, err := types.ParseTier(string(c.Cache.Policies.Default.Tier)); err != nil {
		return fmt.Errorf("cache.policies.default: %w", err)
	}

	switch c.Durable.Backend {
	case BackendFile:
		if c.Durable.File.Directory == "" {
			return fmt.Errorf("durable.file.directory is required for the file backend")
		}
	case BackendRedis:
		if c.Durable.Redis.Addr == "" {
			return fmt.Errorf("durable.redis.addr is required for the redis backend")
		}
	case BackendS3:
		if c.Durable.S3.Bucket == "" {
			return fmt.Errorf("durable.s3.bucket is required for the s3 backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unsupported durable backend: %s (must be one of: file, redis, s3, memory)",
			c.Durable.Backend)
	}

	if _, err := ParseSize(c.Durable.Quota); err != nil {
		return fmt.Errorf("durable.quota: %w", err)
	}
	if _, err := ParseSize(c.Session.Quota); err != nil {
		return fmt.Errorf("session.quota: %w", err)
	}

	if c.HTTP.GetRetry.MaxAttempts <= 0 || c.HTTP.MutationRetry.MaxAttempts <= 0 {
		return fmt.Errorf("http retry max_attempts must be greater than 0")
	}
	if c.HTTP.DedupGrace < 0 {
		return fmt.Errorf("http.dedup_grace cannot be negative")
	}
	if c.HTTP.SharedFetchTimeout < 0 {
		return fmt.Errorf("http.shared_fetch_timeout cannot be negative")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	if c.Health.ErrorThreshold < 0 || c.Health.UnavailableThreshold < c.Health.ErrorThreshold {
		return fmt.Errorf("health.unavailable_threshold must be at least health.error_threshold")
	}

	return nil
}

// ParseSize parses sizes such as "512", "64KB" or "1.5GB" into bytes. An
// empty string means no limit and parses as 0.
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.ToUpper(strings.TrimSpace(sizeStr))
	if sizeStr == "" {
		return 0, nil
	}

	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return val, nil
	}

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if !strings.HasSuffix(sizeStr, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))
		val, err := strconv.ParseFloat(numStr, 64)
		if err != nil || val < 0 {
			break
		}
		return int64(val * float64(unit.multiplier)), nil
	}

	return 0, fmt.Errorf("invalid size format: %s", sizeStr)
}
