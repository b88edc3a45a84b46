package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/bookbot/internal/store"
)

// DeliveryStore is an in-memory store.DeliveryStore.
type DeliveryStore struct {
	mu         sync.Mutex
	deliveries map[uuid.UUID][]store.Delivery
}

func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{deliveries: make(map[uuid.UUID][]store.Delivery)}
}

func (s *DeliveryStore) RecordDelivery(_ context.Context, d store.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	s.deliveries[d.MessageID] = append(s.deliveries[d.MessageID], d)
	return nil
}

func (s *DeliveryStore) ListDeliveries(_ context.Context, messageID uuid.UUID) ([]store.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]store.Delivery(nil), s.deliveries[messageID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

// BookStore is an in-memory store.BookStore.
type BookStore struct {
	mu    sync.Mutex
	books map[string]store.Book
}

func NewBookStore() *BookStore {
	return &BookStore{books: make(map[string]store.Book)}
}

func (s *BookStore) UpsertBooks(_ context.Context, books []store.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range books {
		s.books[b.ExternalID] = b
	}
	return nil
}

// Len returns the number of cached books.
func (s *BookStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.books)
}

// NewStores wires every in-memory backend into a store.Stores.
func NewStores() *store.Stores {
	counters := NewCounters()
	return &store.Stores{
		Conversations: NewConversationStore(),
		Deliveries:    NewDeliveryStore(),
		Books:         NewBookStore(),
		Counters:      counters,
		Dedup:         counters,
		Probes:        map[string]store.Pinger{"memory": counters},
		Close:         func() {},
	}
}
