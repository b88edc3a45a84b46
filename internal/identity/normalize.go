// Package identity maps raw channel sender identifiers onto canonical
// customer identities.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/bookbot/internal/store"
)

// DefaultCountryCode is prefixed to bare 10-digit national numbers.
const DefaultCountryCode = "1"

// ErrInvalidSender is returned when a sender identifier cannot be normalized.
var ErrInvalidSender = errors.New("identity: invalid sender")

// Identity is the canonical customer identity plus the channel descriptor
// needed to reply.
type Identity struct {
	Key         string        // unique customer key: E.164 phone or "discord:<user id>"
	Channel     store.Channel // originating channel
	Address     string        // where replies go: phone number or Discord channel id
	ThreadID    string        // conversation thread reference on the channel
	DisplayName string
}

// CustomerInput converts the identity into store upsert fields.
func (id Identity) CustomerInput() store.CustomerInput {
	in := store.CustomerInput{IdentityKey: id.Key, DisplayName: id.DisplayName}
	switch id.Channel {
	case store.ChannelSMS:
		in.Phone = id.Key
	case store.ChannelDiscord:
		in.DiscordUserID = strings.TrimPrefix(id.Key, discordPrefix)
	}
	return in
}

// Raw is the sender information a channel hands to the pipeline.
type Raw struct {
	Channel     store.Channel
	SenderID    string // phone number or platform user id
	ThreadID    string // Discord channel/thread id; empty for SMS
	DisplayName string
}

const discordPrefix = "discord:"

// Normalize maps raw onto a canonical Identity.
func Normalize(raw Raw) (Identity, error) {
	switch raw.Channel {
	case store.ChannelSMS:
		phone, err := NormalizePhone(raw.SenderID)
		if err != nil {
			return Identity{}, err
		}
		return Identity{
			Key:         phone,
			Channel:     store.ChannelSMS,
			Address:     phone,
			ThreadID:    phone,
			DisplayName: strings.TrimSpace(raw.DisplayName),
		}, nil

	case store.ChannelDiscord:
		userID := strings.TrimSpace(raw.SenderID)
		if userID == "" || !isDigits(userID) {
			return Identity{}, fmt.Errorf("%w: discord user id %q", ErrInvalidSender, raw.SenderID)
		}
		thread := strings.TrimSpace(raw.ThreadID)
		if thread == "" {
			return Identity{}, fmt.Errorf("%w: discord message without channel id", ErrInvalidSender)
		}
		return Identity{
			Key:         discordPrefix + userID,
			Channel:     store.ChannelDiscord,
			Address:     thread,
			ThreadID:    thread,
			DisplayName: strings.TrimSpace(raw.DisplayName),
		}, nil

	default:
		return Identity{}, fmt.Errorf("%w: unknown channel %q", ErrInvalidSender, raw.Channel)
	}
}

// NormalizePhone converts a phone number into E.164 form.
// Formatting characters are stripped; a bare 10-digit number is assumed to
// be in the default country. Providers often omit the leading "+".
func NormalizePhone(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty phone number", ErrInvalidSender)
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("%w: phone %q", ErrInvalidSender, s)
		}
	}

	digits := b.String()
	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
	}
	if len(digits) == 10 && !strings.HasPrefix(s, "+") {
		digits = DefaultCountryCode + digits
	}
	// E.164 allows at most 15 digits; anything under 8 is a short code or junk.
	if len(digits) < 8 || len(digits) > 15 || digits[0] == '0' {
		return "", fmt.Errorf("%w: phone %q", ErrInvalidSender, s)
	}
	return "+" + digits, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
