// Package dispatch delivers persisted outbound replies over their channel,
// chunking for length-limited transports and recording per-chunk outcomes.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/bookbot/internal/apperr"
	"github.com/nextlevelbuilder/bookbot/internal/bus"
	"github.com/nextlevelbuilder/bookbot/internal/channels"
	"github.com/nextlevelbuilder/bookbot/internal/logging"
	"github.com/nextlevelbuilder/bookbot/internal/metrics"
	"github.com/nextlevelbuilder/bookbot/internal/store"
)

const (
	maxAttemptsPerChunk = 2
	DefaultRetryDelay   = 500 * time.Millisecond
)

// Status is the overall delivery outcome of one reply.
type Status string

const (
	StatusDispatched Status = "dispatched"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
)

// Transport sends outbound messages and reports channel length limits.
// *channels.Manager implements it.
type Transport interface {
	Send(ctx context.Context, msg bus.OutboundMessage) (string, error)
	MaxMessageLength(channel string) int
}

// Reply is an outbound message that has already been persisted.
type Reply struct {
	MessageID uuid.UUID
	Channel   store.Channel
	To        string // phone number or thread id
	ReplyTo   string // provider id of the inbound message, if any
	Text      string
}

// ChunkResult is the outcome for one chunk.
type ChunkResult struct {
	Index      int
	Text       string
	ProviderID string
	Attempts   int
	Err        error
}

// Outcome summarizes a delivery.
type Outcome struct {
	Status Status
	Chunks []ChunkResult
}

// Sent returns the number of chunks delivered.
func (o Outcome) Sent() int {
	n := 0
	for _, c := range o.Chunks {
		if c.Err == nil {
			n++
		}
	}
	return n
}

// Options configures a Dispatcher.
type Options struct {
	Markers    bool // continuation markers on SMS chunks
	RetryDelay time.Duration
}

// Dispatcher delivers replies.
type Dispatcher struct {
	transport  Transport
	deliveries store.DeliveryStore
	opts       Options
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}

// New creates a Dispatcher. deliveries may be nil to skip recording.
func New(transport Transport, deliveries store.DeliveryStore, opts Options) *Dispatcher {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Dispatcher{
		transport:  transport,
		deliveries: deliveries,
		opts:       opts,
		sleep:      sleepCtx,
		now:        time.Now,
	}
}

// Deliver sends r in order, chunk by chunk. A failed chunk does not stop
// later chunks; the outcome reports partial or failed delivery.
func (d *Dispatcher) Deliver(ctx context.Context, r Reply) Outcome {
	log := logging.FromContext(ctx).With("channel", r.Channel, "message_id", r.MessageID)

	parts := []string{r.Text}
	if limit := d.transport.MaxMessageLength(string(r.Channel)); limit > 0 {
		parts = Chunk(r.Text, ChunkOptions{Limit: limit, Markers: d.opts.Markers && r.Channel == store.ChannelSMS})
	}

	out := Outcome{Chunks: make([]ChunkResult, 0, len(parts))}
	for i, part := range parts {
		res := d.sendChunk(ctx, r, i, part)
		out.Chunks = append(out.Chunks, res)

		status := store.DeliverySent
		if res.Err != nil {
			status = store.DeliveryFailed
			log.Warn("chunk delivery failed", "chunk", i, "attempts", res.Attempts, "error", res.Err)
		}
		metrics.DeliveryChunks.WithLabelValues(string(r.Channel), string(status)).Inc()
		d.record(ctx, r, res, status)
	}

	switch sent := out.Sent(); {
	case sent == len(out.Chunks):
		out.Status = StatusDispatched
	case sent == 0:
		out.Status = StatusFailed
	default:
		out.Status = StatusPartial
	}
	log.Info("reply delivered", "status", out.Status, "chunks", len(out.Chunks), "sent", out.Sent())
	return out
}

func (d *Dispatcher) sendChunk(ctx context.Context, r Reply, index int, text string) ChunkResult {
	res := ChunkResult{Index: index, Text: text}
	msg := bus.OutboundMessage{
		Channel: string(r.Channel),
		ChatID:  r.To,
		Content: text,
	}
	// Only the first chunk references the inbound message.
	if index == 0 {
		msg.ReplyTo = r.ReplyTo
	}
	for attempt := 1; attempt <= maxAttemptsPerChunk; attempt++ {
		res.Attempts = attempt
		id, err := d.transport.Send(ctx, msg)
		if err == nil {
			res.ProviderID, res.Err = id, nil
			return res
		}
		res.Err = apperr.TransportDelivery(fmt.Sprintf("dispatch.send[%d]", index), err)
		if channels.IsPermanent(err) || attempt == maxAttemptsPerChunk {
			break
		}
		if err := d.sleep(ctx, d.opts.RetryDelay); err != nil {
			break
		}
	}
	return res
}

func (d *Dispatcher) record(ctx context.Context, r Reply, res ChunkResult, status store.DeliveryStatus) {
	if d.deliveries == nil || r.MessageID == uuid.Nil {
		return
	}
	row := store.Delivery{
		ID:                uuid.New(),
		MessageID:         r.MessageID,
		ChunkIndex:        res.Index,
		Body:              res.Text,
		Status:            status,
		ProviderMessageID: res.ProviderID,
		Attempts:          res.Attempts,
		CreatedAt:         d.now().UTC(),
	}
	if res.Err != nil {
		row.Error = truncate(res.Err.Error(), 500)
	}
	if err := d.deliveries.RecordDelivery(ctx, row); err != nil {
		logging.FromContext(ctx).Error("record delivery failed", "message_id", r.MessageID, "chunk", res.Index, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
