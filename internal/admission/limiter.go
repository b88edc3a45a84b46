package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/bookbot/internal/store"
)

// Limits configures per-customer admission.
type Limits struct {
	Window       time.Duration // W
	Cap          int           // N requests per window
	BurstPerHour int           // B requests per clock hour; 0 disables
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{Window: time.Minute, Cap: 10, BurstPerHour: 60}
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed    bool
	Reason     string    // "window" or "burst" when denied
	Count      int64     // counter value after this request
	RetryAfter time.Time // start of the next window that would admit
}

// Limiter enforces a fixed-window cap and an hourly burst cap per customer.
// Counters live in a shared CounterStore so every instance sees the same
// totals; each check is a single atomic increment per counter.
type Limiter struct {
	counters store.CounterStore
	limits   Limits
	now      func() time.Time
}

// NewLimiter creates a Limiter over counters.
func NewLimiter(counters store.CounterStore, limits Limits) *Limiter {
	if limits.Window <= 0 {
		limits.Window = DefaultLimits().Window
	}
	return &Limiter{counters: counters, limits: limits, now: time.Now}
}

// WithClock overrides the clock (tests).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func windowKey(customer string, bucket int64) string {
	return fmt.Sprintf("ratelimit:%s:w:%d", customer, bucket)
}

func burstKey(customer string, hour int64) string {
	return fmt.Sprintf("ratelimit:%s:h:%d", customer, hour)
}

// Admit counts one request for customerKey and reports whether it may
// proceed. Callers must only invoke Admit after signature verification.
func (l *Limiter) Admit(ctx context.Context, customerKey string) (Decision, error) {
	if l.limits.Cap <= 0 && l.limits.BurstPerHour <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.now()
	w := l.limits.Window
	bucket := now.UnixNano() / int64(w)
	windowEnd := time.Unix(0, (bucket+1)*int64(w))

	var d Decision
	if l.limits.Cap > 0 {
		// TTL covers the rest of the bucket plus slack for clock skew between instances.
		n, err := l.counters.Incr(ctx, windowKey(customerKey, bucket), windowEnd.Sub(now)+time.Second)
		if err != nil {
			return Decision{}, fmt.Errorf("window counter: %w", err)
		}
		d.Count = n
		if n > int64(l.limits.Cap) {
			return Decision{Allowed: false, Reason: "window", Count: n, RetryAfter: windowEnd}, nil
		}
	}

	if l.limits.BurstPerHour > 0 {
		hour := now.Unix() / 3600
		n, err := l.counters.Incr(ctx, burstKey(customerKey, hour), time.Hour+time.Minute)
		if err != nil {
			return Decision{}, fmt.Errorf("burst counter: %w", err)
		}
		if n > int64(l.limits.BurstPerHour) {
			return Decision{Allowed: false, Reason: "burst", Count: n, RetryAfter: time.Unix((hour+1)*3600, 0)}, nil
		}
	}

	d.Allowed = true
	return d, nil
}
