// Package dedup discards inbound events whose provider message id was
// already claimed by some instance within the retention window.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/bookbot/internal/store"
)

// DefaultRetention is how long a claimed id is remembered.
const DefaultRetention = 24 * time.Hour

// Result of a claim.
type Result int

const (
	// Claimed means this caller owns the event and must process it.
	Claimed Result = iota
	// Seen means another delivery already claimed the id.
	Seen
	// Bypassed means the event carried no id and is always processed.
	Bypassed
)

func (r Result) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case Seen:
		return "seen"
	case Bypassed:
		return "bypassed"
	default:
		return "unknown"
	}
}

// Deduplicator claims provider message ids in a shared SetStore.
type Deduplicator struct {
	set       store.SetStore
	retention time.Duration
}

// New creates a Deduplicator. A non-positive retention uses DefaultRetention.
func New(set store.SetStore, retention time.Duration) *Deduplicator {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Deduplicator{set: set, retention: retention}
}

// Key returns the namespaced dedup key for a channel message id. The same
// key is stored on the persisted inbound message.
func Key(channel store.Channel, messageID string) string {
	if messageID == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", channel, messageID)
}

func setKey(key string) string { return "dedup:" + key }

// Claim atomically marks key as seen. Exactly one of any number of
// concurrent claims for the same key returns Claimed.
func (d *Deduplicator) Claim(ctx context.Context, key string) (Result, error) {
	if key == "" {
		return Bypassed, nil
	}
	ok, err := d.set.SetIfAbsent(ctx, setKey(key), d.retention)
	if err != nil {
		return 0, fmt.Errorf("dedup claim: %w", err)
	}
	if !ok {
		return Seen, nil
	}
	return Claimed, nil
}

// Release forgets a claim so a provider retry can be processed. Used only
// when the event aborted before anything was committed.
func (d *Deduplicator) Release(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := d.set.Delete(ctx, setKey(key)); err != nil {
		return fmt.Errorf("dedup release: %w", err)
	}
	return nil
}
