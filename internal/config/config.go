package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the bookbot gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Catalog   CatalogConfig   `json:"catalog"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Sweeper   SweeperConfig   `json:"sweeper"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Log       LogConfig       `json:"log,omitempty"`
}

// GatewayConfig controls the HTTP listener.
type GatewayConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Token        string `json:"-"`                        // from env BOOKBOT_GATEWAY_TOKEN only; guards /v1/chat
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"` // webhook body cap (default 64 KiB)
}

// DatabaseConfig configures storage.
// PostgresDSN and RedisURL are NEVER read from config.json (secrets).
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`              // from env BOOKBOT_POSTGRES_DSN only
	RedisURL    string `json:"-"`              // from env BOOKBOT_REDIS_URL only
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode returns true when Postgres and Redis back the stores.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// ProvidersConfig selects and configures the LLM provider.
type ProvidersConfig struct {
	Default   string         `json:"default"` // "anthropic" or "openai"
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

type ProviderConfig struct {
	APIKey  string `json:"-"`
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// CatalogConfig configures the book catalog and bookshop links.
type CatalogConfig struct {
	Endpoint      string `json:"endpoint,omitempty"`
	APIKey        string `json:"-"` // from env BOOKBOT_CATALOG_API_KEY only
	AffiliateID   string `json:"affiliate_id,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	ValidateLinks *bool  `json:"validate_links,omitempty"` // HEAD-check ISBNs on bookshop.org (default true)
}

// RateLimitConfig is the per-customer admission policy.
type RateLimitConfig struct {
	Window       string `json:"window"`         // fixed window length, e.g. "1m"
	Cap          int    `json:"cap"`            // requests allowed per window (0 = unlimited)
	BurstPerHour int    `json:"burst_per_hour"` // requests allowed per clock hour (0 = unlimited)
}

// PipelineConfig tunes conversation handling and the responder.
type PipelineConfig struct {
	IdleWindow         string `json:"idle_window"`
	HistoryLimit       int    `json:"history_limit"`
	ContextBudgetChars int    `json:"context_budget_chars"`
	ResponderTimeout   string `json:"responder_timeout"`
	ResponderBackoff   string `json:"responder_backoff"`
	MaxTokens          int    `json:"max_tokens,omitempty"`
	FallbackReply      string `json:"fallback_reply,omitempty"`
	Persona            string `json:"persona,omitempty"`
	Workers            int    `json:"workers"`
	DedupRetention     string `json:"dedup_retention"`
}

// SweeperConfig schedules the idle-conversation sweeper.
type SweeperConfig struct {
	Schedule     string `json:"schedule"` // cron expression; empty disables the sweeper
	ArchiveAfter string `json:"archive_after"`
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS verification (default false, set true for local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "bookbot")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // text (default) or json
}

// Duration parses s, returning def when s is empty or invalid.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
