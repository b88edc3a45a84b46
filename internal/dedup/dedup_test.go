package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nextlevelbuilder/bookbot/internal/store"
	"github.com/nextlevelbuilder/bookbot/internal/store/memory"
)

func TestClaim_SecondIsSeen(t *testing.T) {
	d := New(memory.NewCounters(), 0)
	ctx := context.Background()
	key := Key(store.ChannelSMS, "3f1c0a42-8a0e-11ee-b9d1-0242ac120002")

	if r, err := d.Claim(ctx, key); err != nil || r != Claimed {
		t.Fatalf("first claim = %v, %v", r, err)
	}
	if r, err := d.Claim(ctx, key); err != nil || r != Seen {
		t.Fatalf("second claim = %v, %v", r, err)
	}
}

func TestClaim_EmptyKeyBypasses(t *testing.T) {
	d := New(memory.NewCounters(), 0)
	for i := 0; i < 3; i++ {
		if r, _ := d.Claim(context.Background(), Key(store.ChannelDiscord, "")); r != Bypassed {
			t.Fatalf("claim %d = %v, want bypassed", i, r)
		}
	}
}

func TestClaim_Concurrent(t *testing.T) {
	d := New(memory.NewCounters(), 0)
	var claimed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r, _ := d.Claim(context.Background(), "sms:same"); r == Claimed {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := claimed.Load(); n != 1 {
		t.Fatalf("%d concurrent claims succeeded, want 1", n)
	}
}

func TestRelease_AllowsReclaim(t *testing.T) {
	d := New(memory.NewCounters(), 0)
	ctx := context.Background()
	_, _ = d.Claim(ctx, "sms:x")
	if err := d.Release(ctx, "sms:x"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if r, _ := d.Claim(ctx, "sms:x"); r != Claimed {
		t.Fatalf("reclaim = %v, want claimed", r)
	}
}
