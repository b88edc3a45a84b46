package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/bookbot/internal/metrics"
	"github.com/nextlevelbuilder/bookbot/internal/store"
)

// DefaultSweepSchedule runs the sweeper every five minutes.
const DefaultSweepSchedule = "*/5 * * * *"

// Sweeper retires conversations in the background: open conversations past
// the idle window become idle, and idle ones past archiveAfter are closed.
// Every instance may run a sweeper; the updates are idempotent.
type Sweeper struct {
	store        store.ConversationStore
	idle         time.Duration
	archiveAfter time.Duration
	schedule     string
	now          func() time.Time
}

// NewSweeper validates schedule (a cron expression) and builds a Sweeper.
func NewSweeper(s store.ConversationStore, idle, archiveAfter time.Duration, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", schedule)
	}
	if idle <= 0 {
		idle = DefaultIdleWindow
	}
	if archiveAfter <= 0 {
		archiveAfter = 7 * 24 * time.Hour
	}
	return &Sweeper{store: s, idle: idle, archiveAfter: archiveAfter, schedule: schedule, now: time.Now}, nil
}

// SweepOnce applies both transitions once.
func (s *Sweeper) SweepOnce(ctx context.Context) (idled, closed int64, err error) {
	now := s.now().UTC()
	idled, err = s.store.MarkIdle(ctx, now.Add(-s.idle), now)
	if err != nil {
		return 0, 0, fmt.Errorf("mark idle: %w", err)
	}
	closed, err = s.store.CloseIdle(ctx, now.Add(-s.archiveAfter), now)
	if err != nil {
		metrics.ConversationsSwept.WithLabelValues(string(store.ConversationIdle)).Add(float64(idled))
		return idled, 0, fmt.Errorf("close idle: %w", err)
	}
	metrics.ConversationsSwept.WithLabelValues(string(store.ConversationIdle)).Add(float64(idled))
	metrics.ConversationsSwept.WithLabelValues(string(store.ConversationClosed)).Add(float64(closed))
	return idled, closed, nil
}

// Run sweeps on schedule until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("conversation sweeper started", "schedule", s.schedule)
	for {
		next, err := gronx.NextTickAfter(s.schedule, s.now(), false)
		if err != nil {
			slog.Error("conversation sweeper: next tick", "error", err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("conversation sweeper stopped")
			return
		case <-timer.C:
		}

		idled, closed, err := s.SweepOnce(ctx)
		if err != nil {
			slog.Warn("conversation sweep failed", "error", err)
			continue
		}
		if idled > 0 || closed > 0 {
			slog.Info("conversation sweep", "idled", idled, "closed", closed)
		}
	}
}
