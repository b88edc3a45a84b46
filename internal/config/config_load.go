package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			MaxBodyBytes: 64 << 10,
		},
		Providers: ProvidersConfig{
			Default: "anthropic",
		},
		Catalog: CatalogConfig{
			MaxResults: 3,
			Timeout:    "5s",
		},
		RateLimit: RateLimitConfig{
			Window:       "1m",
			Cap:          10,
			BurstPerHour: 60,
		},
		Pipeline: PipelineConfig{
			IdleWindow:         "24h",
			HistoryLimit:       20,
			ContextBudgetChars: 12000,
			ResponderTimeout:   "20s",
			ResponderBackoff:   "500ms",
			MaxTokens:          1024,
			Workers:            16,
			DedupRetention:     "24h",
		},
		Sweeper: SweeperConfig{
			Schedule:     "*/5 * * * *",
			ArchiveAfter: "168h",
		},
		Channels: ChannelsConfig{
			SMS: SMSConfig{
				MaxChunkChars: 1600,
				SendRPS:       5,
				RetryDelay:    "500ms",
			},
		},
		Database: DatabaseConfig{
			Mode: "standalone",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored; variables already set are not overwritten.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Secrets
	envStr("BOOKBOT_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("BOOKBOT_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("BOOKBOT_CATALOG_API_KEY", &c.Catalog.APIKey)
	envStr("BOOKBOT_SMS_AUTH_ID", &c.Channels.SMS.AuthID)
	envStr("BOOKBOT_SMS_AUTH_TOKEN", &c.Channels.SMS.AuthToken)
	envStr("BOOKBOT_SMS_WEBHOOK_SECRET", &c.Channels.SMS.WebhookSecret)
	envStr("BOOKBOT_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("BOOKBOT_GATEWAY_TOKEN", &c.Gateway.Token)

	// Auto-enable channels if credentials are provided via env
	if c.Channels.SMS.AuthID != "" && c.Channels.SMS.AuthToken != "" {
		c.Channels.SMS.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("BOOKBOT_PROVIDER", &c.Providers.Default)
	envStr("BOOKBOT_SMS_FROM_NUMBER", &c.Channels.SMS.FromNumber)
	envStr("BOOKBOT_CATALOG_AFFILIATE_ID", &c.Catalog.AffiliateID)

	// Rate limiting
	envStr("BOOKBOT_RATE_LIMIT_WINDOW", &c.RateLimit.Window)
	envInt("BOOKBOT_RATE_LIMIT_CAP", &c.RateLimit.Cap)
	envInt("BOOKBOT_RATE_LIMIT_BURST", &c.RateLimit.BurstPerHour)

	// Pipeline
	envStr("BOOKBOT_IDLE_WINDOW", &c.Pipeline.IdleWindow)
	envInt("BOOKBOT_HISTORY_LIMIT", &c.Pipeline.HistoryLimit)
	envInt("BOOKBOT_WORKERS", &c.Pipeline.Workers)

	// Gateway host/port
	envStr("BOOKBOT_HOST", &c.Gateway.Host)
	if v := os.Getenv("BOOKBOT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Database
	envStr("BOOKBOT_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("BOOKBOT_REDIS_URL", &c.Database.RedisURL)
	envStr("BOOKBOT_MODE", &c.Database.Mode)

	// Telemetry
	envStr("BOOKBOT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("BOOKBOT_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("BOOKBOT_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("BOOKBOT_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("BOOKBOT_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	// Logging
	envStr("BOOKBOT_LOG_LEVEL", &c.Log.Level)
	envStr("BOOKBOT_LOG_FORMAT", &c.Log.Format)

	if v := os.Getenv("BOOKBOT_DISCORD_ALLOW_FROM"); v != "" {
		c.Channels.Discord.AllowFrom = strings.Split(v, ",")
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var problems []string
	if c.Database.Mode == "managed" {
		if c.Database.PostgresDSN == "" {
			problems = append(problems, "managed mode requires BOOKBOT_POSTGRES_DSN")
		}
		if c.Database.RedisURL == "" {
			problems = append(problems, "managed mode requires BOOKBOT_REDIS_URL")
		}
	}
	if c.Channels.SMS.Enabled && c.Channels.SMS.WebhookSecret == "" {
		problems = append(problems, "sms channel requires BOOKBOT_SMS_WEBHOOK_SECRET")
	}
	switch c.Providers.Default {
	case "anthropic", "openai":
	default:
		problems = append(problems, fmt.Sprintf("unknown provider %q", c.Providers.Default))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Hash returns a short SHA-256 hash of the non-secret config.
func (c *Config) Hash() string {
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}
