package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"

database:
  url: "postgres://localhost/dispatch?sslmode=disable"
  max_open_conns: 40

dispatch:
  workers: 4
  batch_size: 250
  lease_seconds: 60

retry:
  interval_seconds: 120
  base_delay_seconds: 60
  default_max_retries: 5

transport:
  ses:
    enabled: true
    region: "us-east-1"
    from_email: "news@example.com"
  sms:
    url: "https://sms.example.com/send"
    token: "sms-token"
  rate_limits:
    email:
      per_second: 14
      per_day: 50000
    sms:
      per_minute: 600

tracking:
  base_url: "https://t.example.com"
  secret: "s3cret"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "postgres://localhost/dispatch?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, 40, cfg.Database.MaxOpenConns)

	assert.Equal(t, 4, cfg.Dispatch.Workers)
	assert.Equal(t, 250, cfg.Dispatch.BatchSize)
	assert.Equal(t, time.Minute, cfg.Dispatch.Lease())

	assert.Equal(t, 2*time.Minute, cfg.Retry.Interval())
	assert.Equal(t, time.Minute, cfg.Retry.BaseDelay())
	assert.Equal(t, 5, cfg.Retry.DefaultMaxRetries)

	assert.True(t, cfg.Transport.SES.Enabled)
	assert.Equal(t, "us-east-1", cfg.Transport.SES.Transport().Region)
	assert.True(t, cfg.Transport.SMS.Enabled())
	assert.False(t, cfg.Transport.Push.Enabled())
	assert.Equal(t, 14, cfg.Transport.RateLimits[domain.CampaignTypeEmail].PerSecond)
	assert.Equal(t, 50000, cfg.Transport.RateLimits[domain.CampaignTypeEmail].PerDay)
	assert.Equal(t, 600, cfg.Transport.RateLimits[domain.CampaignTypeSMS].PerMinute)

	assert.True(t, cfg.Tracking.Enabled())
	// Queue region follows the SES region unless set.
	assert.Equal(t, "us-east-1", cfg.Tracking.SQSRegion)
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  redact_pii: true\n"), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.RedactPII)
	assert.Equal(t, 2, cfg.Dispatch.Workers)
	assert.Equal(t, 100, cfg.Dispatch.BatchSize)
	assert.Equal(t, 10, cfg.Dispatch.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Dispatch.Lease())
	assert.Equal(t, 30*time.Second, cfg.Dispatch.SendTimeout())
	assert.Equal(t, time.Second, cfg.Dispatch.PollInterval())
	assert.Equal(t, 5*time.Minute, cfg.Retry.Interval())
	assert.Equal(t, 5*time.Minute, cfg.Retry.BaseDelay())
	assert.Equal(t, 3, cfg.Retry.DefaultMaxRetries)
	assert.Equal(t, 4*time.Minute, cfg.Retry.LockTTL())
	assert.Equal(t, "us-west-2", cfg.Transport.SES.Region)
	assert.False(t, cfg.Tracking.Enabled())
	assert.Empty(t, cfg.Database.URL)
}

func TestLoadFromEnv(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
server:
  port: 9090
transport:
  ses:
    region: "us-east-1"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://env/dispatch")
	t.Setenv("REDIS_URL", "redis://env:6379/0")
	t.Setenv("AWS_SES_REGION", "eu-west-1")
	t.Setenv("AWS_SES_FROM_EMAIL", "ops@example.com")
	t.Setenv("SMS_WEBHOOK_URL", "https://sms.env/send")
	t.Setenv("TRACKING_SECRET", "env-secret")
	t.Setenv("DISPATCH_WORKER_ID", "worker-a")

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres://env/dispatch", cfg.Database.URL)
	assert.Equal(t, "redis://env:6379/0", cfg.Redis.URL)
	assert.Equal(t, "eu-west-1", cfg.Transport.SES.Region)
	assert.Equal(t, "ops@example.com", cfg.Transport.SES.FromEmail)
	assert.True(t, cfg.Transport.SES.Enabled)
	assert.Equal(t, "https://sms.env/send", cfg.Transport.SMS.URL)
	assert.Equal(t, "env-secret", cfg.Tracking.Secret)
	assert.Equal(t, "worker-a", cfg.Dispatch.WorkerID)
}

func TestLoadFromEnv_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Retry.DefaultMaxRetries)
}

func TestLoadInvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0644))
	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
