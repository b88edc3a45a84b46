package memory

import (
	"context"
	"testing"
	"time"
)

func TestCounters_IncrExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewCounters()
	c.Now = func() time.Time { return now }
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := c.Incr(ctx, "k", time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if got != want {
			t.Fatalf("incr = %d, want %d", got, want)
		}
	}

	now = now.Add(2 * time.Minute)
	got, _ := c.Incr(ctx, "k", time.Minute)
	if got != 1 {
		t.Fatalf("after expiry incr = %d, want 1", got)
	}
}

func TestCounters_SetIfAbsent(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewCounters()
	c.Now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := c.SetIfAbsent(ctx, "dedup:sms:abc", 24*time.Hour)
	if !ok {
		t.Fatal("first claim should succeed")
	}
	ok, _ = c.SetIfAbsent(ctx, "dedup:sms:abc", 24*time.Hour)
	if ok {
		t.Fatal("second claim should fail")
	}

	_ = c.Delete(ctx, "dedup:sms:abc")
	ok, _ = c.SetIfAbsent(ctx, "dedup:sms:abc", 24*time.Hour)
	if !ok {
		t.Fatal("claim after delete should succeed")
	}
}

func TestCounters_BoundedKeys(t *testing.T) {
	c := NewCounters()
	ctx := context.Background()
	for i := 0; i < maxTrackedKeys+100; i++ {
		_, _ = c.Incr(ctx, string(rune('a'+i%26))+time.Duration(i).String(), time.Hour)
	}
	if n := len(c.entries); n > maxTrackedKeys {
		t.Fatalf("tracked %d keys, cap is %d", n, maxTrackedKeys)
	}
}
