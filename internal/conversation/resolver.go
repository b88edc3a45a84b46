// Package conversation resolves the owning conversation for inbound
// messages and appends messages with gapless ordinals.
package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/bookbot/internal/apperr"
	"github.com/nextlevelbuilder/bookbot/internal/identity"
	"github.com/nextlevelbuilder/bookbot/internal/logging"
	"github.com/nextlevelbuilder/bookbot/internal/store"
)

// DefaultIdleWindow is used when no idle window is configured.
const DefaultIdleWindow = 24 * time.Hour

// Resolver finds or opens conversations. Resolution and append always run
// inside one transaction holding the customer+channel scope, so concurrent
// events from one customer cannot open two conversations.
type Resolver struct {
	store store.ConversationStore
	idle  time.Duration
	now   func() time.Time
}

// NewResolver creates a Resolver. A non-positive idle uses DefaultIdleWindow.
func NewResolver(s store.ConversationStore, idle time.Duration) *Resolver {
	if idle <= 0 {
		idle = DefaultIdleWindow
	}
	return &Resolver{store: s, idle: idle, now: time.Now}
}

// WithClock overrides the clock (tests).
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// ScopeKey names the mutual-exclusion scope for a customer on a channel.
func ScopeKey(customerKey string, ch store.Channel) string {
	return fmt.Sprintf("conversation:%s:%s", ch, customerKey)
}

// IsIdle reports whether a conversation last active at last is past the idle window.
func IsIdle(last, now time.Time, idle time.Duration) bool {
	return now.Sub(last) > idle
}

// Inbound is a message to append on behalf of a customer.
type Inbound struct {
	Identity identity.Identity
	Body     string
	DedupKey string // namespaced provider id; empty when the channel gave none
}

// InboundResult describes what ResolveAndAppend did.
type InboundResult struct {
	Customer     store.Customer
	Conversation store.Conversation
	Message      store.Message
	Opened       bool // a new conversation was created
	RolledOver   bool // an idle conversation was retired first
	Duplicate    bool // the dedup key was already persisted; nothing was written
}

// ResolveAndAppend finds the customer's open conversation on the channel
// (opening one if none exists or the current one went idle) and appends the
// inbound message with the next ordinal. Failures are storage errors.
func (r *Resolver) ResolveAndAppend(ctx context.Context, in Inbound) (InboundResult, error) {
	now := r.now().UTC()
	id := in.Identity

	var res InboundResult
	err := r.store.WithTx(ctx, func(tx store.ConversationTx) error {
		res = InboundResult{}

		if err := tx.LockScope(ctx, ScopeKey(id.Key, id.Channel)); err != nil {
			return fmt.Errorf("lock scope: %w", err)
		}

		// A dedup claim can expire or be lost with the counter store; the
		// persisted key is the last line of defense against double ingestion.
		if in.DedupKey != "" {
			existing, err := tx.FindMessageByDedupKey(ctx, in.DedupKey)
			if err != nil {
				return fmt.Errorf("find by dedup key: %w", err)
			}
			if existing != nil {
				conv, err := tx.GetConversation(ctx, existing.ConversationID)
				if err != nil {
					return fmt.Errorf("load conversation: %w", err)
				}
				res.Conversation = conv
				res.Message = *existing
				res.Customer.ID = conv.CustomerID
				res.Duplicate = true
				return nil
			}
		}

		customer, err := tx.UpsertCustomer(ctx, id.CustomerInput(), now)
		if err != nil {
			return fmt.Errorf("upsert customer: %w", err)
		}
		res.Customer = customer

		conv, err := tx.FindOpenConversation(ctx, customer.ID, id.Channel)
		if err != nil {
			return fmt.Errorf("find open conversation: %w", err)
		}
		if conv != nil && IsIdle(conv.LastMessageAt, now, r.idle) {
			if err := tx.SetConversationState(ctx, conv.ID, store.ConversationIdle, now); err != nil {
				return fmt.Errorf("retire idle conversation: %w", err)
			}
			conv = nil
			res.RolledOver = true
		}
		if conv == nil {
			c := store.Conversation{
				ID:            uuid.New(),
				CustomerID:    customer.ID,
				Channel:       id.Channel,
				State:         store.ConversationOpen,
				ThreadRef:     id.ThreadID,
				LastMessageAt: now,
				CreatedAt:     now,
			}
			if err := tx.CreateConversation(ctx, c); err != nil {
				return fmt.Errorf("create conversation: %w", err)
			}
			conv = &c
			res.Opened = true
		}

		msg, err := appendMessage(ctx, tx, conv.ID, store.DirectionInbound, in.Body, in.DedupKey, now)
		if err != nil {
			return err
		}
		conv.LastMessageAt = now
		res.Conversation = *conv
		res.Message = msg
		return nil
	})
	if err != nil {
		return InboundResult{}, apperr.Storage("conversation.append_inbound", err)
	}
	return res, nil
}

// AppendOutbound persists a reply in conv under the same scope used for
// inbound appends, so ordinals stay gapless across directions. A reply
// always joins its inbound message's conversation, even if the sweeper
// idled or closed it in between; the append never changes its state.
func (r *Resolver) AppendOutbound(ctx context.Context, id identity.Identity, conversationID uuid.UUID, body string) (store.Message, error) {
	now := r.now().UTC()

	var msg store.Message
	err := r.store.WithTx(ctx, func(tx store.ConversationTx) error {
		if err := tx.LockScope(ctx, ScopeKey(id.Key, id.Channel)); err != nil {
			return fmt.Errorf("lock scope: %w", err)
		}
		conv, err := tx.GetConversation(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("get conversation: %w", err)
		}
		if conv.State != store.ConversationOpen {
			logging.FromContext(ctx).Warn("reply appended to swept conversation",
				"conversation_id", conversationID, "state", conv.State)
		}
		m, err := appendMessage(ctx, tx, conversationID, store.DirectionOutbound, body, "", now)
		if err != nil {
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		return store.Message{}, apperr.Storage("conversation.append_outbound", err)
	}
	return msg, nil
}

func appendMessage(ctx context.Context, tx store.ConversationTx, conversationID uuid.UUID, dir store.Direction, body, dedupKey string, now time.Time) (store.Message, error) {
	ordinal, err := tx.NextOrdinal(ctx, conversationID)
	if err != nil {
		return store.Message{}, fmt.Errorf("next ordinal: %w", err)
	}
	m := store.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Ordinal:        ordinal,
		Direction:      dir,
		DedupKey:       dedupKey,
		Body:           body,
		CreatedAt:      now,
	}
	if err := tx.InsertMessage(ctx, m); err != nil {
		return store.Message{}, fmt.Errorf("insert %s message: %w", dir, err)
	}
	return m, nil
}
