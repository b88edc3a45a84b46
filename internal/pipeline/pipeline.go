// Package pipeline orchestrates an inbound event from admission through
// conversation resolution, context assembly, the responder and outbound
// delivery.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/bookbot/internal/admission"
	"github.com/nextlevelbuilder/bookbot/internal/apperr"
	"github.com/nextlevelbuilder/bookbot/internal/assembler"
	"github.com/nextlevelbuilder/bookbot/internal/bus"
	"github.com/nextlevelbuilder/bookbot/internal/conversation"
	"github.com/nextlevelbuilder/bookbot/internal/dedup"
	"github.com/nextlevelbuilder/bookbot/internal/dispatch"
	"github.com/nextlevelbuilder/bookbot/internal/identity"
	"github.com/nextlevelbuilder/bookbot/internal/logging"
	"github.com/nextlevelbuilder/bookbot/internal/metrics"
	"github.com/nextlevelbuilder/bookbot/internal/responder"
	"github.com/nextlevelbuilder/bookbot/internal/store"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/bookbot/internal/pipeline")

// Event is a raw inbound event from a channel.
type Event struct {
	Channel     store.Channel
	SenderID    string
	ThreadID    string
	DisplayName string
	MessageID   string // provider message id; empty when the channel supplies none
	Text        string

	// Payload and Signature are checked when the channel has a verifier.
	Payload   []byte
	Signature string
}

// Receipt is the synchronous outcome of Ingest.
type Receipt struct {
	EventID        string
	State          State
	MessageID      uuid.UUID // persisted inbound message
	ConversationID uuid.UUID
	CustomerID     uuid.UUID
	RetryAfter     time.Time // set when rate limited

	ticket *ticket
}

// Accepted reports whether the event was persisted and awaits a reply.
func (r Receipt) Accepted() bool { return r.ticket != nil }

type ticket struct {
	trace    *Trace
	identity identity.Identity
	inbound  conversation.InboundResult
	replyTo  string
	text     string
}

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Verifiers  map[store.Channel]*admission.Verifier // channels absent here are platform-trusted
	Limiter    *admission.Limiter
	Dedup      *dedup.Deduplicator
	Resolver   *conversation.Resolver
	Assembler  *assembler.Assembler
	Responder  *responder.Responder
	Dispatcher *dispatch.Dispatcher
}

// Pipeline processes inbound events.
type Pipeline struct {
	deps Deps
	pool *Pool
}

// New creates a Pipeline. workers bounds concurrent background completions.
func New(deps Deps, workers int) *Pipeline {
	return &Pipeline{deps: deps, pool: NewPool(workers)}
}

// Pool exposes the background worker pool (for draining on shutdown).
func (p *Pipeline) Pool() *Pool { return p.pool }

// Ingest runs the synchronous stages: authenticate, admit, deduplicate,
// normalize and resolve-and-append. Rate-limited and duplicate events
// return a Receipt with a nil error. The returned error is an
// authentication, invalid-sender or storage failure.
func (p *Pipeline) Ingest(ctx context.Context, ev Event) (Receipt, error) {
	tr := newTrace(ulid.Make().String())
	ctx = logging.With(ctx, "event_id", tr.EventID, "channel", ev.Channel)
	log := logging.FromContext(ctx)

	ctx, span := tracer.Start(ctx, "pipeline.ingest", trace.WithAttributes(
		attribute.String("event.id", tr.EventID),
		attribute.String("channel", string(ev.Channel)),
	))
	defer span.End()

	rcpt := Receipt{EventID: tr.EventID}
	finish := func(s State, err error) (Receipt, error) {
		p.advance(ctx, tr, s)
		rcpt.State = tr.State()
		if rcpt.State.Final() {
			metrics.EventsTotal.WithLabelValues(string(ev.Channel), string(rcpt.State)).Inc()
		}
		span.SetAttributes(attribute.String("pipeline.state", string(rcpt.State)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return rcpt, err
	}

	if v, ok := p.deps.Verifiers[ev.Channel]; ok {
		if err := v.Verify(ev.Payload, ev.Signature); err != nil {
			log.Warn("webhook signature rejected", "error", err)
			return finish(StateRejectedAuth, apperr.Authentication("pipeline.verify", err))
		}
	}
	p.advance(ctx, tr, StateAuthenticated)

	id, err := identity.Normalize(identity.Raw{
		Channel:     ev.Channel,
		SenderID:    ev.SenderID,
		ThreadID:    ev.ThreadID,
		DisplayName: ev.DisplayName,
	})
	if err != nil {
		log.Warn("inbound sender rejected", "error", err)
		return finish(StateInvalid, err)
	}
	ctx = logging.With(ctx, "customer", id.Key)
	log = logging.FromContext(ctx)

	if p.deps.Limiter != nil {
		dec, err := p.deps.Limiter.Admit(ctx, id.Key)
		switch {
		case err != nil:
			// Shared counters unavailable: admit rather than drop traffic.
			log.Warn("rate limiter unavailable, admitting", "error", err)
		case !dec.Allowed:
			metrics.RateLimitHits.WithLabelValues(dec.Reason).Inc()
			log.Info("inbound rate limited", "reason", dec.Reason, "count", dec.Count)
			rcpt.RetryAfter = dec.RetryAfter
			return finish(StateRateLimited, nil)
		}
	}
	p.advance(ctx, tr, StateAdmitted)

	key := dedup.Key(ev.Channel, ev.MessageID)
	claimed := false
	if p.deps.Dedup != nil {
		res, err := p.deps.Dedup.Claim(ctx, key)
		switch {
		case err != nil:
			// The unique dedup key on messages still guards the write below.
			log.Warn("dedup set unavailable, relying on persisted keys", "error", err)
		case res == dedup.Seen:
			log.Info("duplicate inbound event", "dedup_key", key)
			return finish(StateDuplicate, nil)
		case res == dedup.Claimed:
			claimed = true
		}
	}
	p.advance(ctx, tr, StateDeduplicated)

	res, err := p.deps.Resolver.ResolveAndAppend(ctx, conversation.Inbound{Identity: id, Body: ev.Text, DedupKey: key})
	if err != nil {
		if claimed {
			if rerr := p.deps.Dedup.Release(context.WithoutCancel(ctx), key); rerr != nil {
				log.Error("dedup release failed", "error", rerr)
			}
		}
		log.Error("inbound aborted", "error", err)
		return finish(StateFailed, err)
	}
	rcpt.ConversationID = res.Conversation.ID
	rcpt.CustomerID = res.Customer.ID
	rcpt.MessageID = res.Message.ID
	if res.Duplicate {
		log.Info("duplicate inbound event (persisted)", "dedup_key", key)
		return finish(StateDuplicate, nil)
	}

	log.Info("inbound accepted",
		"conversation_id", res.Conversation.ID,
		"ordinal", res.Message.Ordinal,
		"opened", res.Opened,
		"rolled_over", res.RolledOver,
	)
	rcpt.ticket = &ticket{trace: tr, identity: id, inbound: res, replyTo: ev.MessageID, text: ev.Text}
	return finish(StateConversationResolved, nil)
}

// Complete runs the reply stages for an accepted receipt: assemble,
// respond, persist the outbound message, then dispatch. It returns the
// final state; the error is non-nil only for a storage abort.
func (p *Pipeline) Complete(ctx context.Context, rcpt Receipt) (State, error) {
	t := rcpt.ticket
	if t == nil {
		return rcpt.State, errors.New("pipeline: receipt was not accepted")
	}
	ctx = logging.With(ctx,
		"event_id", t.trace.EventID,
		"channel", t.identity.Channel,
		"conversation_id", t.inbound.Conversation.ID,
	)
	log := logging.FromContext(ctx)

	ctx, span := tracer.Start(ctx, "pipeline.complete", trace.WithAttributes(
		attribute.String("event.id", t.trace.EventID),
		attribute.String("conversation.id", t.inbound.Conversation.ID.String()),
	))
	defer span.End()

	end := func(err error) (State, error) {
		s := t.trace.State()
		metrics.EventsTotal.WithLabelValues(string(t.identity.Channel), string(s)).Inc()
		span.SetAttributes(attribute.String("pipeline.state", string(s)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return s, err
	}

	reply, outbound, err := p.reply(ctx, t.trace, t.identity, t.inbound.Conversation.ID, t.text)
	if err != nil {
		log.Error("reply aborted", "error", err)
		p.advance(ctx, t.trace, StateFailed)
		return end(err)
	}
	p.advance(ctx, t.trace, StateDispatched)

	dctx, cancel := settleContext(ctx)
	defer cancel()
	dctx, dspan := tracer.Start(dctx, "pipeline.dispatch")
	out := p.deps.Dispatcher.Deliver(dctx, dispatch.Reply{
		MessageID: outbound.ID,
		Channel:   t.identity.Channel,
		To:        t.identity.Address,
		ReplyTo:   t.replyTo,
		Text:      reply.Text,
	})
	dspan.SetAttributes(attribute.String("dispatch.status", string(out.Status)), attribute.Int("dispatch.chunks", len(out.Chunks)))
	dspan.End()

	switch out.Status {
	case dispatch.StatusPartial:
		p.advance(ctx, t.trace, StateDispatchPartial)
	case dispatch.StatusFailed:
		p.advance(ctx, t.trace, StateDispatchFailed)
	}
	return end(nil)
}

// reply assembles context, invokes the responder and persists the
// outbound message. Only the persist step can fail.
func (p *Pipeline) reply(ctx context.Context, tr *Trace, id identity.Identity, conversationID uuid.UUID, text string) (responder.Result, store.Message, error) {
	actx, aspan := tracer.Start(ctx, "pipeline.assemble")
	prompt := p.deps.Assembler.Assemble(actx, conversationID, text)
	aspan.SetAttributes(
		attribute.String("lookup", prompt.Lookup.Kind.String()),
		attribute.Int("books", len(prompt.Books)),
		attribute.Int("messages", len(prompt.Messages)),
	)
	aspan.End()
	p.advance(ctx, tr, StateContextAssembled)

	rctx, rspan := tracer.Start(ctx, "pipeline.respond")
	res := p.deps.Responder.Respond(rctx, prompt)
	rspan.SetAttributes(attribute.String("responder.status", string(res.Status)), attribute.Int("responder.attempts", res.Attempts))
	rspan.End()
	p.advance(ctx, tr, StateResponded)

	pctx, cancel := settleContext(ctx)
	defer cancel()
	msg, err := p.deps.Resolver.AppendOutbound(pctx, id, conversationID, res.Text)
	if err != nil {
		return res, store.Message{}, err
	}
	return res, msg, nil
}

// Submit runs Complete for an accepted receipt on the worker pool.
func (p *Pipeline) Submit(rcpt Receipt) error {
	if !rcpt.Accepted() {
		return nil
	}
	return p.pool.Go(func(ctx context.Context) {
		if _, err := p.Complete(ctx, rcpt); err != nil {
			logging.FromContext(ctx).Error("background completion failed", "event_id", rcpt.EventID, "error", err)
		}
	})
}

// HandleInbound ingests a channel message and completes it in the
// background. It lets the pipeline serve as a channel's bus.InboundHandler.
func (p *Pipeline) HandleInbound(ctx context.Context, msg bus.InboundMessage) error {
	rcpt, err := p.Ingest(ctx, Event{
		Channel:     store.Channel(msg.Channel),
		SenderID:    msg.SenderID,
		ThreadID:    msg.ChatID,
		DisplayName: msg.DisplayName,
		MessageID:   msg.MessageID,
		Text:        msg.Content,
	})
	if err != nil {
		return err
	}
	err = p.Submit(rcpt)
	if !errors.Is(err, ErrDraining) {
		return err
	}
	// Shutting down: the inbound message is already persisted, so answer it
	// inline rather than leave it without a reply.
	logging.FromContext(ctx).Warn("pool draining, completing inline", "event_id", rcpt.EventID)
	_, err = p.Complete(context.WithoutCancel(ctx), rcpt)
	return err
}

// settleTimeout bounds persisting and sending a reply once the caller's
// context is gone.
const settleTimeout = 15 * time.Second

// settleContext returns ctx while it is live. After cancellation (a drain
// timeout) it returns a detached, bounded context so the reply that was
// already decided, usually the fallback, is still persisted and sent.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// ChatResult is the synchronous chat outcome.
type ChatResult struct {
	Response       string    `json:"response"`
	ConversationID uuid.UUID `json:"conversation_id"`
	CustomerID     uuid.UUID `json:"customer_id"`
}

// Chat runs resolve, assemble and respond synchronously for a phone
// number, skipping admission and dispatch. The reply is persisted.
func (p *Pipeline) Chat(ctx context.Context, phone, message string) (ChatResult, error) {
	id, err := identity.Normalize(identity.Raw{Channel: store.ChannelSMS, SenderID: phone})
	if err != nil {
		return ChatResult{}, err
	}
	ctx = logging.With(ctx, "customer", id.Key, "path", "chat")
	ctx, span := tracer.Start(ctx, "pipeline.chat")
	defer span.End()

	res, err := p.deps.Resolver.ResolveAndAppend(ctx, conversation.Inbound{Identity: id, Body: message})
	if err != nil {
		span.RecordError(err)
		return ChatResult{}, err
	}

	tr := newTrace(ulid.Make().String())
	for _, s := range []State{StateAuthenticated, StateAdmitted, StateDeduplicated, StateConversationResolved} {
		p.advance(ctx, tr, s)
	}
	reply, _, err := p.reply(ctx, tr, id, res.Conversation.ID, message)
	if err != nil {
		span.RecordError(err)
		return ChatResult{}, err
	}
	return ChatResult{
		Response:       reply.Text,
		ConversationID: res.Conversation.ID,
		CustomerID:     res.Customer.ID,
	}, nil
}

func (p *Pipeline) advance(ctx context.Context, tr *Trace, s State) {
	if err := tr.Advance(s); err != nil {
		logging.FromContext(ctx).Error("state machine violation", "error", err)
	}
}

// ErrDraining is returned by Submit once shutdown has begun.
var ErrDraining = fmt.Errorf("pipeline: draining")
