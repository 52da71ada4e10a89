package imagegate

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	LogLevel      string          `yaml:"log_level"`
	ContentFilter bool            `yaml:"content_filter"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Batch         BatchConfig     `yaml:"batch"`
	Gateway       GatewayConfig   `yaml:"gateway"`
	Pricing       Pricing         `yaml:"pricing"`
	Storage       StorageConfig   `yaml:"storage"`
	Server        ServerConfig    `yaml:"server"`
}

// RateLimitConfig configures per-user admission.
type RateLimitConfig struct {
	MaxRequests            int     `yaml:"max_requests_per_window"`
	WindowHours            float64 `yaml:"window_hours"`
	CleanupIntervalSeconds int     `yaml:"cleanup_interval"`
}

// Window returns the rolling window length.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowHours * float64(time.Hour))
}

// CleanupInterval returns the period between idle-user sweeps.
func (c RateLimitConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// BatchConfig configures the coordinator.
type BatchConfig struct {
	MinBatchSize         int     `yaml:"min_batch_size"`
	MaxBatchSize         int     `yaml:"max_batch_size"`
	DirectThreshold      int     `yaml:"direct_threshold"`
	TimeoutBudgetSeconds int     `yaml:"batch_timeout_budget"`
	PollIntervalSeconds  int     `yaml:"poll_interval"`
	RetryCount           int     `yaml:"retry_count"`
	BackoffBaseSeconds   float64 `yaml:"backoff_base"`
	FallbackConcurrency  int     `yaml:"fallback_concurrency"`
	RetentionHours       int     `yaml:"retention_hours"`
}

// TimeoutBudget returns the wall-clock bound for polling one job.
func (c BatchConfig) TimeoutBudget() time.Duration {
	return time.Duration(c.TimeoutBudgetSeconds) * time.Second
}

// PollInterval returns the delay between status queries.
func (c BatchConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// BackoffBase returns the unit multiplied by 2^attempt between direct retries.
func (c BatchConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds * float64(time.Second))
}

// Retention returns how long finished jobs are kept by a JobStore.
func (c BatchConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// GatewayConfig configures the image API adapter.
type GatewayConfig struct {
	Provider       string  `yaml:"provider"`
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	BaseURL        string  `yaml:"base_url"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	Burst          int     `yaml:"burst"`
}

// StorageConfig selects the persistence adapters.
type StorageConfig struct {
	JobStore    string `yaml:"job_store"` // memory, redis or postgres
	RedisAddr   string `yaml:"redis_addr"`
	PostgresDSN string `yaml:"postgres_dsn"`
	GalleryPath string `yaml:"gallery_path"`
}

// ServerConfig configures the HTTP command surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the configuration used when a field is not set.
func DefaultConfig() Config {
	return Config{
		LogLevel:      "info",
		ContentFilter: true,
		RateLimit: RateLimitConfig{
			MaxRequests:            10,
			WindowHours:            1,
			CleanupIntervalSeconds: 3600,
		},
		Batch: BatchConfig{
			MinBatchSize:         1,
			MaxBatchSize:         100,
			DirectThreshold:      2,
			TimeoutBudgetSeconds: 300,
			PollIntervalSeconds:  5,
			RetryCount:           3,
			BackoffBaseSeconds:   1,
			FallbackConcurrency:  4,
			RetentionHours:       24,
		},
		Gateway: GatewayConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash-image-preview",
		},
		Pricing: DefaultPricing(),
		Storage: StorageConfig{
			JobStore:    "memory",
			GalleryPath: "data/gallery.db",
		},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// LoadConfig reads and parses a YAML config file.
// A .env file next to the working directory is loaded first, then environment
// variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	// Missing .env is not an error.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("imagegate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("imagegate: parse config: %w", err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnv lets a handful of deployment knobs be overridden without editing the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("IMAGEGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.Gateway.APIKey == "" {
		cfg.Gateway.APIKey = v
	}
	cfg.RateLimit.MaxRequests = getEnvInt("MAX_REQUESTS_PER_HOUR", cfg.RateLimit.MaxRequests)
	cfg.Batch.MaxBatchSize = getEnvInt("BATCH_SIZE", cfg.Batch.MaxBatchSize)
	if v := os.Getenv("ENABLE_CONTENT_FILTER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ContentFilter = b
		}
	}
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// Validate checks the config for ranges and consistency.
func (c Config) Validate() error {
	rl := c.RateLimit
	if rl.MaxRequests < 1 || rl.MaxRequests > 1000 {
		return fmt.Errorf("imagegate: config: rate_limit.max_requests_per_window must be in 1..1000, got %d", rl.MaxRequests)
	}
	if rl.WindowHours < 0 {
		return fmt.Errorf("imagegate: config: rate_limit.window_hours must be >= 0, got %v", rl.WindowHours)
	}
	if rl.CleanupIntervalSeconds < 60 {
		return fmt.Errorf("imagegate: config: rate_limit.cleanup_interval must be >= 60s, got %d", rl.CleanupIntervalSeconds)
	}

	b := c.Batch
	if b.MinBatchSize < 1 || b.MinBatchSize > 100 {
		return fmt.Errorf("imagegate: config: batch.min_batch_size must be in 1..100, got %d", b.MinBatchSize)
	}
	if b.MaxBatchSize < 1 || b.MaxBatchSize > 100 {
		return fmt.Errorf("imagegate: config: batch.max_batch_size must be in 1..100, got %d", b.MaxBatchSize)
	}
	if b.MinBatchSize > b.MaxBatchSize {
		return fmt.Errorf("imagegate: config: batch.min_batch_size (%d) exceeds max_batch_size (%d)", b.MinBatchSize, b.MaxBatchSize)
	}
	if b.DirectThreshold < 1 {
		return fmt.Errorf("imagegate: config: batch.direct_threshold must be >= 1, got %d", b.DirectThreshold)
	}
	if b.TimeoutBudgetSeconds < 300 {
		return fmt.Errorf("imagegate: config: batch.batch_timeout_budget must be >= 300s, got %d", b.TimeoutBudgetSeconds)
	}
	if b.PollIntervalSeconds <= 0 {
		return fmt.Errorf("imagegate: config: batch.poll_interval must be > 0, got %d", b.PollIntervalSeconds)
	}
	if b.RetryCount < 1 || b.RetryCount > 10 {
		return fmt.Errorf("imagegate: config: batch.retry_count must be in 1..10, got %d", b.RetryCount)
	}
	if b.BackoffBaseSeconds < 0 {
		return fmt.Errorf("imagegate: config: batch.backoff_base must be >= 0, got %v", b.BackoffBaseSeconds)
	}
	if b.FallbackConcurrency < 1 {
		return fmt.Errorf("imagegate: config: batch.fallback_concurrency must be >= 1, got %d", b.FallbackConcurrency)
	}

	switch c.Storage.JobStore {
	case "", "memory":
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("imagegate: config: storage.redis_addr is required for the redis job store")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("imagegate: config: storage.postgres_dsn is required for the postgres job store")
		}
	default:
		return fmt.Errorf("imagegate: config: invalid storage.job_store %q", c.Storage.JobStore)
	}

	if c.Pricing.StandardCost < 0 || c.Pricing.BatchCost < 0 {
		return fmt.Errorf("imagegate: config: pricing must not be negative")
	}

	return nil
}
