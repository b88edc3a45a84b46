// Package bus defines the message shapes exchanged between channels and
// the pipeline.
package bus

import "context"

// InboundMessage is a message received from a channel (SMS, Discord).
type InboundMessage struct {
	Channel     string            `json:"channel"`
	SenderID    string            `json:"sender_id"`            // phone number or platform user id
	ChatID      string            `json:"chat_id,omitempty"`    // thread/channel id; empty for SMS
	MessageID   string            `json:"message_id,omitempty"` // provider message id, used as dedup key
	DisplayName string            `json:"display_name,omitempty"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a message to be sent to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`            // destination: phone number or thread id
	ReplyTo  string            `json:"reply_to,omitempty"` // provider id of the message being answered
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// InboundHandler consumes inbound messages from channels.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg InboundMessage) error
}

// InboundHandlerFunc adapts a function to InboundHandler.
type InboundHandlerFunc func(ctx context.Context, msg InboundMessage) error

func (f InboundHandlerFunc) HandleInbound(ctx context.Context, msg InboundMessage) error {
	return f(ctx, msg)
}
