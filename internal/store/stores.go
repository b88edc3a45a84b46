package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ConversationTx is one unit of work against the relational store.
// Every call made on a ConversationTx commits or rolls back together.
type ConversationTx interface {
	// LockScope blocks until the caller holds the mutual-exclusion scope
	// named by key. The scope is released when the transaction ends.
	LockScope(ctx context.Context, key string) error

	UpsertCustomer(ctx context.Context, in CustomerInput, now time.Time) (Customer, error)

	// FindOpenConversation returns (nil, nil) when no open conversation exists.
	FindOpenConversation(ctx context.Context, customerID uuid.UUID, ch Channel) (*Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (Conversation, error)
	CreateConversation(ctx context.Context, c Conversation) error
	SetConversationState(ctx context.Context, id uuid.UUID, state ConversationState, now time.Time) error

	// FindMessageByDedupKey returns (nil, nil) when the key was never persisted.
	FindMessageByDedupKey(ctx context.Context, key string) (*Message, error)

	// NextOrdinal allocates the next ordinal for a conversation.
	NextOrdinal(ctx context.Context, conversationID uuid.UUID) (int64, error)

	// InsertMessage persists m and advances the conversation's last_message_at.
	InsertMessage(ctx context.Context, m Message) error
}

// ConversationStore owns customers, conversations and messages.
type ConversationStore interface {
	WithTx(ctx context.Context, fn func(tx ConversationTx) error) error

	// RecentMessages returns at most limit messages, oldest first.
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error)
	CountMessages(ctx context.Context, conversationID uuid.UUID) (int, error)

	// MarkIdle moves open conversations with no message since before to idle.
	MarkIdle(ctx context.Context, before, now time.Time) (int64, error)
	// CloseIdle closes idle conversations with no message since before.
	CloseIdle(ctx context.Context, before, now time.Time) (int64, error)
}

// DeliveryStore records per-chunk delivery outcomes.
type DeliveryStore interface {
	RecordDelivery(ctx context.Context, d Delivery) error
	ListDeliveries(ctx context.Context, messageID uuid.UUID) ([]Delivery, error)
}

// BookStore caches catalog lookups.
type BookStore interface {
	UpsertBooks(ctx context.Context, books []Book) error
}

// CounterStore is the process-external counter store shared by all instances.
type CounterStore interface {
	// Incr atomically increments key and (re)arms its expiry, returning the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// SetStore is a process-external membership set with per-key retention.
type SetStore interface {
	// SetIfAbsent atomically adds key. It reports false when key was already present.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Pinger is implemented by backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Conversations ConversationStore
	Deliveries    DeliveryStore
	Books         BookStore
	Counters      CounterStore
	Dedup         SetStore

	// Health probes, keyed by check name ("postgres", "redis").
	Probes map[string]Pinger

	// Close releases every backend connection.
	Close func()
}
