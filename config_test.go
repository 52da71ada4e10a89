package imagegate_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	ig "github.com/ineyio/imagegate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "imagegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := ig.DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, time.Hour, cfg.RateLimit.Window())
	assert.Equal(t, time.Hour, cfg.RateLimit.CleanupInterval())
	assert.Equal(t, 5*time.Minute, cfg.Batch.TimeoutBudget())
	assert.Equal(t, 5*time.Second, cfg.Batch.PollInterval())
	assert.Equal(t, time.Second, cfg.Batch.BackoffBase())
	assert.Equal(t, 24*time.Hour, cfg.Batch.Retention())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ig.Config)
		want   string
	}{
		{"max requests zero", func(c *ig.Config) { c.RateLimit.MaxRequests = 0 }, "max_requests_per_window"},
		{"max requests too high", func(c *ig.Config) { c.RateLimit.MaxRequests = 1001 }, "max_requests_per_window"},
		{"negative window", func(c *ig.Config) { c.RateLimit.WindowHours = -1 }, "window_hours"},
		{"cleanup too frequent", func(c *ig.Config) { c.RateLimit.CleanupIntervalSeconds = 59 }, "cleanup_interval"},
		{"min batch zero", func(c *ig.Config) { c.Batch.MinBatchSize = 0 }, "min_batch_size"},
		{"max batch too high", func(c *ig.Config) { c.Batch.MaxBatchSize = 101 }, "max_batch_size"},
		{"min above max", func(c *ig.Config) {
			c.Batch.MinBatchSize = 10
			c.Batch.MaxBatchSize = 5
		}, "exceeds"},
		{"short timeout budget", func(c *ig.Config) { c.Batch.TimeoutBudgetSeconds = 299 }, "batch_timeout_budget"},
		{"zero poll interval", func(c *ig.Config) { c.Batch.PollIntervalSeconds = 0 }, "poll_interval"},
		{"zero retries", func(c *ig.Config) { c.Batch.RetryCount = 0 }, "retry_count"},
		{"too many retries", func(c *ig.Config) { c.Batch.RetryCount = 11 }, "retry_count"},
		{"redis without addr", func(c *ig.Config) { c.Storage.JobStore = "redis" }, "redis_addr"},
		{"postgres without dsn", func(c *ig.Config) { c.Storage.JobStore = "postgres" }, "postgres_dsn"},
		{"unknown store", func(c *ig.Config) { c.Storage.JobStore = "etcd" }, "job_store"},
		{"negative price", func(c *ig.Config) { c.Pricing.BatchCost = -1 }, "pricing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ig.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("zero window allowed", func(t *testing.T) {
		cfg := ig.DefaultConfig()
		cfg.RateLimit.WindowHours = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoadConfig_ExpandsEnvAndKeepsDefaults(t *testing.T) {
	t.Setenv("TEST_IMAGEGATE_KEY", "secret-key")
	path := writeConfig(t, `
log_level: debug
rate_limit:
  max_requests_per_window: 3
  window_hours: 0.5
batch:
  max_batch_size: 20
gateway:
  provider: gemini
  api_key: ${TEST_IMAGEGATE_KEY}
`)

	cfg, err := ig.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 30*time.Minute, cfg.RateLimit.Window())
	assert.Equal(t, 3600, cfg.RateLimit.CleanupIntervalSeconds)
	assert.Equal(t, 20, cfg.Batch.MaxBatchSize)
	assert.Equal(t, 300, cfg.Batch.TimeoutBudgetSeconds)
	assert.Equal(t, "secret-key", cfg.Gateway.APIKey)
	assert.InDelta(t, 0.0195, cfg.Pricing.BatchCost, 1e-9)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("MAX_REQUESTS_PER_HOUR", "7")
	t.Setenv("BATCH_SIZE", "12")
	t.Setenv("ENABLE_CONTENT_FILTER", "false")
	path := writeConfig(t, "content_filter: true\n")

	cfg, err := ig.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 12, cfg.Batch.MaxBatchSize)
	assert.False(t, cfg.ContentFilter)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := ig.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = ig.LoadConfig(writeConfig(t, "rate_limit: [not, a, map]\n"))
	assert.Error(t, err)

	_, err = ig.LoadConfig(writeConfig(t, "batch:\n  batch_timeout_budget: 10\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_timeout_budget")
}

func TestConfig_Limits(t *testing.T) {
	l := ig.DefaultConfig().Limits()
	assert.Equal(t, 1, l.MinBatchSize)
	assert.Equal(t, 100, l.MaxBatchSize)
	assert.Equal(t, 300, l.TimeoutBudget)
	assert.InDelta(t, 0.0195, l.CostPerImage, 1e-9)
	assert.InDelta(t, 50, l.SavingsPct, 1e-9)
}

func TestPricing_EstimateSavings(t *testing.T) {
	s := ig.DefaultPricing().EstimateSavings(10)
	assert.InDelta(t, 0.39, s.StandardCost, 1e-9)
	assert.InDelta(t, 0.195, s.BatchCost, 1e-9)
	assert.InDelta(t, 0.195, s.Saved, 1e-9)
	assert.InDelta(t, 50, s.Percent, 1e-9)

	assert.Zero(t, ig.Pricing{}.EstimateSavings(3).Percent)
	assert.InDelta(t, 0.0195, ig.DefaultPricing().ItemSavings(), 1e-9)
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, ig.IsFatal(ig.ErrContentFiltered))
	assert.True(t, ig.IsFatal(fmt.Errorf("wrapped: %w", ig.ErrPermanent)))
	assert.False(t, ig.IsFatal(ig.ErrTransient))

	assert.True(t, ig.IsRetryable(ig.ErrTransient))
	assert.False(t, ig.IsRetryable(ig.ErrContentFiltered))
	assert.False(t, ig.IsRetryable(nil))

	ge := &ig.GatewayError{Op: "generate", Attempts: 3, Err: ig.ErrTransient}
	assert.ErrorIs(t, ge, ig.ErrTransient)
	assert.Contains(t, ge.Error(), "after 3 attempt(s)")
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ig.ErrRateLimitExceeded, "Rate limit exceeded"},
		{&ig.GatewayError{Op: "generate", Attempts: 1, Err: ig.ErrContentFiltered}, "content filters"},
		{ig.ErrInvalidPrompt, "Invalid input"},
		{ig.ErrInvalidSources, "Invalid input"},
		{ig.ErrBatchTimedOut, "longer than expected"},
		{ig.ErrBatchFailed, "Failed to generate"},
		{errors.New("???"), "unexpected error"},
	}
	for _, tt := range tests {
		assert.Contains(t, ig.UserMessage(tt.err), tt.want)
	}
}
