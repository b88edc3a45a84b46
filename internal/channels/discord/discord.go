package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/bookbot/internal/bus"
	"github.com/nextlevelbuilder/bookbot/internal/channels"
	"github.com/nextlevelbuilder/bookbot/internal/config"
)

const maxLen = 2000

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	config         config.DiscordConfig
	botUserID      string // populated on start
	requireMention bool   // require @bot mention in guilds (default true)
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig, handler bus.InboundHandler) (*Channel, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	// Request necessary intents
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel("discord", handler, cfg.AllowFrom),
		session:        session,
		config:         cfg,
		requireMention: requireMention,
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	// Fetch bot identity
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// MaxMessageLength reports Discord's per-message limit so replies are
// split, retried and recorded chunk by chunk before Send.
func (c *Channel) MaxMessageLength() int { return maxLen }

// Send posts msg.Content as one Discord message in the originating thread,
// referencing the inbound message when ReplyTo is set.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) (string, error) {
	if !c.IsRunning() {
		return "", errors.New("discord bot not running")
	}
	channelID := msg.ChatID
	if channelID == "" {
		return "", channels.Permanent(errors.New("empty chat ID for discord send"))
	}
	if msg.Content == "" {
		return "", nil
	}

	var sent *discordgo.Message
	var err error
	if msg.ReplyTo != "" {
		sent, err = c.session.ChannelMessageSendReply(channelID, msg.Content, &discordgo.MessageReference{
			MessageID: msg.ReplyTo,
			ChannelID: channelID,
		})
	} else {
		sent, err = c.session.ChannelMessageSend(channelID, msg.Content)
	}
	if err != nil {
		return "", classify(fmt.Errorf("send discord message: %w", err))
	}
	return sent.ID, nil
}

// classify marks client errors from the Discord REST API as permanent.
func classify(err error) error {
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Response != nil {
		if s := rerr.Response.StatusCode; s >= 400 && s < 500 && s != 429 {
			return channels.Permanent(err)
		}
	}
	return err
}

// handleMessage processes incoming Discord messages.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore our own and other bots' messages
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	senderName := resolveDisplayName(m)
	isDM := m.GuildID == ""

	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}

	if !c.CheckPolicy(peerKind, channels.GroupPolicy(c.config.GroupPolicy), senderID) {
		slog.Debug("discord message rejected by policy",
			"user_id", senderID,
			"username", senderName,
			"is_dm", isDM,
		)
		return
	}

	// Mention gating: in guilds, only respond when the bot is @mentioned (default true).
	if !isDM && c.requireMention && !mentions(m.Message, c.botUserID) {
		return
	}

	content := stripMention(m.Content, c.botUserID)
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	slog.Debug("discord message received",
		"sender_id", senderID,
		"channel_id", m.ChannelID,
		"is_dm", isDM,
		"preview", channels.Truncate(content, 50),
	)

	_ = c.session.ChannelTyping(m.ChannelID)

	err := c.HandleMessage(context.Background(), bus.InboundMessage{
		SenderID:    senderID,
		ChatID:      m.ChannelID,
		MessageID:   m.ID,
		DisplayName: senderName,
		Content:     content,
		Metadata: map[string]string{
			"guild_id": m.GuildID,
			"username": m.Author.Username,
			"is_dm":    fmt.Sprintf("%t", isDM),
		},
	})
	if err != nil {
		slog.Error("discord inbound failed", "message_id", m.ID, "error", err)
	}
}

// mentions reports whether msg @mentions userID.
func mentions(msg *discordgo.Message, userID string) bool {
	if msg == nil || userID == "" {
		return false
	}
	for _, u := range msg.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

// stripMention removes <@id> and <@!id> mentions of the bot from content.
func stripMention(content, botID string) string {
	if botID != "" {
		content = strings.ReplaceAll(content, "<@"+botID+">", "")
		content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	}
	return strings.TrimSpace(content)
}

// resolveDisplayName returns the best available display name for a Discord message author.
// Priority: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
