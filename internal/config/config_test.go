package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Gateway.Port)
	require.Equal(t, 10, cfg.RateLimit.Cap)
	require.Equal(t, 20, cfg.Pipeline.HistoryLimit)
	require.Equal(t, "standalone", cfg.Database.Mode)
}

func TestLoad_JSON5AndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
  // comments are fine
  gateway: { port: 9000 },
  rate_limit: { window: "30s", cap: 3, burst_per_hour: 20 },
  channels: { sms: { from_number: "+15550001111", continuation_markers: true } },
}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	t.Setenv("BOOKBOT_PORT", "9100")
	t.Setenv("BOOKBOT_SMS_AUTH_ID", "MA123")
	t.Setenv("BOOKBOT_SMS_AUTH_TOKEN", "tok")
	t.Setenv("BOOKBOT_POSTGRES_DSN", "postgres://x")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Gateway.Port)
	require.Equal(t, 3, cfg.RateLimit.Cap)
	require.Equal(t, 30*time.Second, Duration(cfg.RateLimit.Window, time.Minute))
	require.True(t, cfg.Channels.SMS.Enabled)
	require.True(t, cfg.Channels.SMS.ContinuationMarkers)
	require.Equal(t, "postgres://x", cfg.Database.PostgresDSN)
}

func TestLoad_SecretsIgnoredInFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"catalog": {"APIKey": "leak"}}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Empty(t, cfg.Catalog.APIKey)
}

func TestDuration_Fallback(t *testing.T) {
	require.Equal(t, time.Hour, Duration("", time.Hour))
	require.Equal(t, time.Hour, Duration("soon", time.Hour))
	require.Equal(t, time.Hour, Duration("-5m", time.Hour))
	require.Equal(t, 5*time.Minute, Duration("5m", time.Hour))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Database.Mode = "managed"
	cfg.Channels.SMS.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "BOOKBOT_POSTGRES_DSN")
	require.Contains(t, err.Error(), "BOOKBOT_REDIS_URL")
	require.Contains(t, err.Error(), "BOOKBOT_SMS_WEBHOOK_SECRET")
}
