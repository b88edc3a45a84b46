// Package memory implements the store ports in process memory.
// It backs standalone mode and unit tests. It provides no cross-instance
// guarantees: transactions are serialized by a single process-wide mutex.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/bookbot/internal/store"
)

type state struct {
	customers     map[string]store.Customer // identity key → customer
	conversations map[uuid.UUID]store.Conversation
	nextOrdinal   map[uuid.UUID]int64
	messages      map[uuid.UUID][]store.Message
	dedupKeys     map[string]store.Message
}

func newState() *state {
	return &state{
		customers:     make(map[string]store.Customer),
		conversations: make(map[uuid.UUID]store.Conversation),
		nextOrdinal:   make(map[uuid.UUID]int64),
		messages:      make(map[uuid.UUID][]store.Message),
		dedupKeys:     make(map[string]store.Message),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.customers {
		c.customers[k] = v
	}
	for k, v := range s.conversations {
		c.conversations[k] = v
	}
	for k, v := range s.nextOrdinal {
		c.nextOrdinal[k] = v
	}
	for k, v := range s.messages {
		c.messages[k] = append([]store.Message(nil), v...)
	}
	for k, v := range s.dedupKeys {
		c.dedupKeys[k] = v
	}
	return c
}

// ConversationStore is an in-memory store.ConversationStore.
type ConversationStore struct {
	mu    sync.Mutex
	state *state

	// FailNextTx makes the next WithTx return this error without running fn.
	FailNextTx error
}

// NewConversationStore creates an empty in-memory conversation store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{state: newState()}
}

// WithTx runs fn against a private copy of the state and publishes it only
// when fn returns nil.
func (s *ConversationStore) WithTx(ctx context.Context, fn func(tx store.ConversationTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FailNextTx; err != nil {
		s.FailNextTx = nil
		return err
	}

	tx := &conversationTx{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *ConversationStore) RecentMessages(_ context.Context, conversationID uuid.UUID, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.state.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]store.Message(nil), msgs...), nil
}

func (s *ConversationStore) CountMessages(_ context.Context, conversationID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.messages[conversationID]), nil
}

func (s *ConversationStore) MarkIdle(_ context.Context, before, _ time.Time) (int64, error) {
	return s.transition(store.ConversationOpen, store.ConversationIdle, before, nil), nil
}

func (s *ConversationStore) CloseIdle(_ context.Context, before, now time.Time) (int64, error) {
	return s.transition(store.ConversationIdle, store.ConversationClosed, before, &now), nil
}

func (s *ConversationStore) transition(from, to store.ConversationState, before time.Time, closedAt *time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, c := range s.state.conversations {
		if c.State != from || !c.LastMessageAt.Before(before) {
			continue
		}
		c.State = to
		if closedAt != nil {
			at := *closedAt
			c.ClosedAt = &at
		}
		s.state.conversations[id] = c
		n++
	}
	return n
}

// Conversations returns every conversation for a customer, oldest first.
func (s *ConversationStore) Conversations(customerID uuid.UUID) []store.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Conversation
	for _, c := range s.state.conversations {
		if c.CustomerID == customerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Customer returns the customer with the given identity key.
func (s *ConversationStore) Customer(identityKey string) (store.Customer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.customers[identityKey]
	return c, ok
}

type conversationTx struct {
	state *state
}

func (tx *conversationTx) LockScope(ctx context.Context, _ string) error {
	return ctx.Err()
}

func (tx *conversationTx) UpsertCustomer(_ context.Context, in store.CustomerInput, now time.Time) (store.Customer, error) {
	if in.IdentityKey == "" {
		return store.Customer{}, fmt.Errorf("memory: empty identity key")
	}
	c, ok := tx.state.customers[in.IdentityKey]
	if !ok {
		c = store.Customer{
			ID:          uuid.New(),
			IdentityKey: in.IdentityKey,
			CreatedAt:   now,
		}
	}
	if in.Phone != "" {
		c.Phone = in.Phone
	}
	if in.DiscordUserID != "" {
		c.DiscordUserID = in.DiscordUserID
	}
	if in.DisplayName != "" {
		c.DisplayName = in.DisplayName
	}
	c.UpdatedAt = now
	tx.state.customers[in.IdentityKey] = c
	return c, nil
}

func (tx *conversationTx) FindOpenConversation(_ context.Context, customerID uuid.UUID, ch store.Channel) (*store.Conversation, error) {
	for _, c := range tx.state.conversations {
		if c.CustomerID == customerID && c.Channel == ch && c.State == store.ConversationOpen {
			out := c
			return &out, nil
		}
	}
	return nil, nil
}

func (tx *conversationTx) GetConversation(_ context.Context, id uuid.UUID) (store.Conversation, error) {
	c, ok := tx.state.conversations[id]
	if !ok {
		return store.Conversation{}, store.ErrNotFound
	}
	return c, nil
}

func (tx *conversationTx) CreateConversation(_ context.Context, c store.Conversation) error {
	if c.State == store.ConversationOpen {
		for _, other := range tx.state.conversations {
			if other.CustomerID == c.CustomerID && other.Channel == c.Channel && other.State == store.ConversationOpen {
				return fmt.Errorf("memory: open conversation already exists for customer %s on %s", c.CustomerID, c.Channel)
			}
		}
	}
	tx.state.conversations[c.ID] = c
	tx.state.nextOrdinal[c.ID] = 1
	return nil
}

func (tx *conversationTx) SetConversationState(_ context.Context, id uuid.UUID, st store.ConversationState, now time.Time) error {
	c, ok := tx.state.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	c.State = st
	if st == store.ConversationClosed {
		at := now
		c.ClosedAt = &at
	}
	tx.state.conversations[id] = c
	return nil
}

func (tx *conversationTx) FindMessageByDedupKey(_ context.Context, key string) (*store.Message, error) {
	m, ok := tx.state.dedupKeys[key]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (tx *conversationTx) NextOrdinal(_ context.Context, conversationID uuid.UUID) (int64, error) {
	next, ok := tx.state.nextOrdinal[conversationID]
	if !ok {
		return 0, store.ErrNotFound
	}
	tx.state.nextOrdinal[conversationID] = next + 1
	return next, nil
}

func (tx *conversationTx) InsertMessage(_ context.Context, m store.Message) error {
	c, ok := tx.state.conversations[m.ConversationID]
	if !ok {
		return fmt.Errorf("memory: insert message: conversation %s: %w", m.ConversationID, store.ErrNotFound)
	}
	if m.DedupKey != "" {
		if _, dup := tx.state.dedupKeys[m.DedupKey]; dup {
			return fmt.Errorf("memory: duplicate dedup key %q", m.DedupKey)
		}
		tx.state.dedupKeys[m.DedupKey] = m
	}
	tx.state.messages[m.ConversationID] = append(tx.state.messages[m.ConversationID], m)
	c.LastMessageAt = m.CreatedAt
	tx.state.conversations[c.ID] = c
	return nil
}
