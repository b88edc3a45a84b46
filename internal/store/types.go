package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Channel tags the transport a conversation lives on.
type Channel string

const (
	ChannelSMS     Channel = "sms"
	ChannelDiscord Channel = "discord"
)

// Valid reports whether c is a known channel tag.
func (c Channel) Valid() bool {
	return c == ChannelSMS || c == ChannelDiscord
}

// ConversationState is the lifecycle state of a conversation.
type ConversationState string

const (
	ConversationOpen   ConversationState = "open"
	ConversationIdle   ConversationState = "idle"
	ConversationClosed ConversationState = "closed"
)

// Direction of a message relative to the customer.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Customer is a canonical identity. Created on first contact, never deleted.
type Customer struct {
	ID            uuid.UUID `json:"id"`
	IdentityKey   string    `json:"identity_key"` // E.164 phone or "discord:<user id>"
	Phone         string    `json:"phone,omitempty"`
	DiscordUserID string    `json:"discord_user_id,omitempty"`
	DisplayName   string    `json:"display_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CustomerInput carries the identifiers used to upsert a customer.
// Empty fields never overwrite stored values.
type CustomerInput struct {
	IdentityKey   string
	Phone         string
	DiscordUserID string
	DisplayName   string
}

// Conversation belongs to exactly one customer on one channel.
type Conversation struct {
	ID            uuid.UUID         `json:"id"`
	CustomerID    uuid.UUID         `json:"customer_id"`
	Channel       Channel           `json:"channel"`
	State         ConversationState `json:"state"`
	ThreadRef     string            `json:"thread_ref,omitempty"` // phone number or Discord channel/thread id
	LastMessageAt time.Time         `json:"last_message_at"`
	CreatedAt     time.Time         `json:"created_at"`
	ClosedAt      *time.Time        `json:"closed_at,omitempty"`
}

// Message is immutable once persisted. Ordinal is gapless per conversation.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Ordinal        int64     `json:"ordinal"`
	Direction      Direction `json:"direction"`
	DedupKey       string    `json:"dedup_key,omitempty"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// DeliveryStatus is the outcome of one outbound chunk.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// Delivery records the transport outcome for one chunk of an outbound message.
type Delivery struct {
	ID                uuid.UUID      `json:"id"`
	MessageID         uuid.UUID      `json:"message_id"`
	ChunkIndex        int            `json:"chunk_index"`
	Body              string         `json:"body"`
	Status            DeliveryStatus `json:"status"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Attempts          int            `json:"attempts"`
	Error             string         `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Book is a cached catalog record.
type Book struct {
	ExternalID  string            `json:"external_id"`
	Title       string            `json:"title"`
	Author      string            `json:"author"`
	ISBNs       []string          `json:"isbns,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RefreshedAt time.Time         `json:"refreshed_at"`
}
