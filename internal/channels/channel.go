// Package channels provides the channel abstraction layer for SMS and
// Discord. Channels hand inbound messages to an InboundHandler and deliver
// outbound replies.
package channels

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/nextlevelbuilder/bookbot/internal/bus"
)

// GroupPolicy controls how group (guild) messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"      // Accept all groups
	GroupPolicyAllowlist GroupPolicy = "allowlist" // Only whitelisted senders
	GroupPolicyDisabled  GroupPolicy = "disabled"  // No group messages
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier ("sms", "discord").
	Name() string

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers one outbound message and returns the provider's message id.
	Send(ctx context.Context, msg bus.OutboundMessage) (string, error)

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the channel's allowlist.
	IsAllowed(senderID string) bool
}

// ChunkingChannel is implemented by transports with a hard per-message
// length limit. Replies to these channels are split before Send; replies
// to other channels go out as a single message.
type ChunkingChannel interface {
	Channel
	// MaxMessageLength is the per-message limit in characters.
	MaxMessageLength() int
}

// ErrPermanent marks delivery failures that will not succeed on retry.
var ErrPermanent = errors.New("permanent delivery failure")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() []error { return []error{e.err, ErrPermanent} }

// Permanent wraps err so IsPermanent reports true.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name      string
	handler   bus.InboundHandler
	running   atomic.Bool
	allowList []string
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, handler bus.InboundHandler, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		handler:   handler,
		allowList: allowList,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// HasAllowList returns true if an allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed checks if a sender is permitted by the allowlist.
// Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	for _, allowed := range c.allowList {
		if senderID == strings.TrimPrefix(allowed, "@") {
			return true
		}
	}
	return false
}

// CheckPolicy evaluates the group policy for a message.
// peerKind is "direct" or "group"; direct messages are always accepted.
func (c *BaseChannel) CheckPolicy(peerKind string, policy GroupPolicy, senderID string) bool {
	if peerKind != "group" {
		return c.IsAllowed(senderID)
	}
	switch policy {
	case GroupPolicyDisabled:
		return false
	case GroupPolicyAllowlist:
		return c.HasAllowList() && c.IsAllowed(senderID)
	default:
		return c.IsAllowed(senderID)
	}
}

// HandleMessage forwards an inbound message to the handler.
// Messages from senders outside the allowlist are dropped silently.
func (c *BaseChannel) HandleMessage(ctx context.Context, msg bus.InboundMessage) error {
	if !c.IsAllowed(msg.SenderID) {
		return nil
	}
	msg.Channel = c.name
	return c.handler.HandleInbound(ctx, msg)
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
