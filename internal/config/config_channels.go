package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	SMS     SMSConfig     `json:"sms"`
	Discord DiscordConfig `json:"discord"`
}

// SMSConfig configures the SMS transport (Plivo-compatible REST API).
// Credentials and the webhook secret come from env only.
type SMSConfig struct {
	Enabled             bool    `json:"enabled"`
	AuthID              string  `json:"-"` // from env BOOKBOT_SMS_AUTH_ID
	AuthToken           string  `json:"-"` // from env BOOKBOT_SMS_AUTH_TOKEN
	WebhookSecret       string  `json:"-"` // from env BOOKBOT_SMS_WEBHOOK_SECRET
	APIBase             string  `json:"api_base,omitempty"`
	FromNumber          string  `json:"from_number"`
	MaxChunkChars       int     `json:"max_chunk_chars,omitempty"`      // per-message limit (default 1600)
	ContinuationMarkers bool    `json:"continuation_markers,omitempty"` // append " (i/n)" to split replies
	SendRPS             float64 `json:"send_rps,omitempty"`             // outbound pacing (default 5)
	RetryDelay          string  `json:"retry_delay,omitempty"`          // delay before the single chunk retry
}

// DiscordConfig configures the Discord bot.
type DiscordConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"-"` // from env BOOKBOT_DISCORD_TOKEN
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in guilds (default true)
}
