package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/bookbot/internal/admission"
	"github.com/nextlevelbuilder/bookbot/internal/apperr"
	"github.com/nextlevelbuilder/bookbot/internal/assembler"
	"github.com/nextlevelbuilder/bookbot/internal/bus"
	"github.com/nextlevelbuilder/bookbot/internal/catalog"
	"github.com/nextlevelbuilder/bookbot/internal/conversation"
	"github.com/nextlevelbuilder/bookbot/internal/dedup"
	"github.com/nextlevelbuilder/bookbot/internal/dispatch"
	"github.com/nextlevelbuilder/bookbot/internal/providers"
	"github.com/nextlevelbuilder/bookbot/internal/responder"
	"github.com/nextlevelbuilder/bookbot/internal/store"
	"github.com/nextlevelbuilder/bookbot/internal/store/memory"
)

const secret = "webhook-secret"

type recordingProvider struct {
	mu       sync.Mutex
	requests []providers.ChatRequest
	reply    func(n int) (string, error)
}

func (p *recordingProvider) Name() string         { return "recording" }
func (p *recordingProvider) DefaultModel() string { return "test" }

func (p *recordingProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	n := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	text := "You might love The Name of the Wind by Patrick Rothfuss."
	if p.reply != nil {
		var err error
		if text, err = p.reply(n); err != nil {
			return nil, err
		}
	}
	return &providers.ChatResponse{Content: text, FinishReason: "stop"}, nil
}

func (p *recordingProvider) calls() []providers.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providers.ChatRequest(nil), p.requests...)
}

type fakeCatalog struct{ queries []string }

func (c *fakeCatalog) Search(_ context.Context, query string, limit int) ([]catalog.Book, error) {
	c.queries = append(c.queries, query)
	return []catalog.Book{{Title: "The Name of the Wind", Author: "Patrick Rothfuss", ISBNs: []string{"9780756404741"}}}, nil
}

type fakeTransport struct {
	mu    sync.Mutex
	limit map[string]int
	sent  []bus.OutboundMessage
	fail  error
}

func (f *fakeTransport) MaxMessageLength(ch string) int { return f.limit[ch] }

func (f *fakeTransport) Send(_ context.Context, msg bus.OutboundMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.sent = append(f.sent, msg)
	return "out-" + msg.ChatID, nil
}

type harness struct {
	p         *Pipeline
	convs     *memory.ConversationStore
	counters  *memory.Counters
	provider  *recordingProvider
	catalog   *fakeCatalog
	transport *fakeTransport
	verifier  *admission.Verifier
}

func newHarness(t *testing.T, limits admission.Limits) *harness {
	t.Helper()
	h := &harness{
		convs:     memory.NewConversationStore(),
		counters:  memory.NewCounters(),
		provider:  &recordingProvider{},
		catalog:   &fakeCatalog{},
		transport: &fakeTransport{limit: map[string]int{"sms": 160}},
		verifier:  admission.NewVerifier(secret),
	}
	h.p = New(Deps{
		Verifiers:  map[store.Channel]*admission.Verifier{store.ChannelSMS: h.verifier},
		Limiter:    admission.NewLimiter(h.counters, limits),
		Dedup:      dedup.New(h.counters, dedup.DefaultRetention),
		Resolver:   conversation.NewResolver(h.convs, conversation.DefaultIdleWindow),
		Assembler:  assembler.New(h.convs, h.catalog, assembler.Config{}),
		Responder:  responder.New(h.provider, responder.Config{Backoff: time.Millisecond}),
		Dispatcher: dispatch.New(h.transport, memory.NewDeliveryStore(), dispatch.Options{Markers: true, RetryDelay: time.Millisecond}),
	}, 2)
	t.Cleanup(func() { _ = h.p.Pool().Close(context.Background()) })
	return h
}

func (h *harness) sms(from, text, id string) Event {
	payload := []byte("From=" + from + "&Text=" + text + "&MessageUUID=" + id)
	return Event{
		Channel:   store.ChannelSMS,
		SenderID:  from,
		MessageID: id,
		Text:      text,
		Payload:   payload,
		Signature: h.verifier.Sign(payload),
	}
}

func (h *harness) messages(t *testing.T, rcpt Receipt) []store.Message {
	t.Helper()
	msgs, err := h.convs.RecentMessages(context.Background(), rcpt.ConversationID, 100)
	require.NoError(t, err)
	return msgs
}

func TestPipeline_FantasyRecommendation(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	ctx := context.Background()

	rcpt, err := h.p.Ingest(ctx, h.sms("+15551234567", "recommend a fantasy book", "uuid-1"))
	require.NoError(t, err)
	require.Equal(t, StateConversationResolved, rcpt.State)
	require.True(t, rcpt.Accepted())
	require.NotEmpty(t, rcpt.EventID)

	final, err := h.p.Complete(ctx, rcpt)
	require.NoError(t, err)
	require.Equal(t, StateDispatched, final)

	msgs := h.messages(t, rcpt)
	require.Len(t, msgs, 2)
	require.Equal(t, int64(1), msgs[0].Ordinal)
	require.Equal(t, store.DirectionInbound, msgs[0].Direction)
	require.Equal(t, int64(2), msgs[1].Ordinal)
	require.Equal(t, store.DirectionOutbound, msgs[1].Direction)

	calls := h.provider.calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 1, "first contact has no prior history")
	require.Equal(t, "recommend a fantasy book", calls[0].Messages[0].Content)
	require.Contains(t, calls[0].System, "The Name of the Wind")
	require.Equal(t, []string{"fantasy"}, h.catalog.queries)

	require.NotEmpty(t, h.transport.sent)
	for _, m := range h.transport.sent {
		require.Equal(t, "+15551234567", m.ChatID)
	}
}

func TestPipeline_ReplayIsDuplicate(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	ctx := context.Background()
	ev := h.sms("+15551234567", "recommend a fantasy book", "uuid-1")

	first, err := h.p.Ingest(ctx, ev)
	require.NoError(t, err)
	_, err = h.p.Complete(ctx, first)
	require.NoError(t, err)
	before := len(h.messages(t, first))

	again, err := h.p.Ingest(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, StateDuplicate, again.State)
	require.False(t, again.Accepted())
	require.Len(t, h.messages(t, first), before)
	require.Len(t, h.provider.calls(), 1)
}

func TestPipeline_PersistedKeyCatchesDuplicateWhenSetForgets(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	ctx := context.Background()
	ev := h.sms("+15551234567", "hello", "uuid-9")

	first, err := h.p.Ingest(ctx, ev)
	require.NoError(t, err)
	require.NoError(t, h.counters.Delete(ctx, "dedup:"+dedup.Key(store.ChannelSMS, "uuid-9")))

	again, err := h.p.Ingest(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, StateDuplicate, again.State)
	require.Equal(t, first.MessageID, again.MessageID)
}

func TestPipeline_MissingMessageIDBypassesDedup(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	ctx := context.Background()
	ev := h.sms("+15551234567", "hello", "")

	a, err := h.p.Ingest(ctx, ev)
	require.NoError(t, err)
	b, err := h.p.Ingest(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, StateConversationResolved, b.State)
	require.NotEqual(t, a.MessageID, b.MessageID)
	require.Len(t, h.messages(t, b), 2)
}

func TestPipeline_BadSignatureRejected(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	ev := h.sms("+15551234567", "hello", "uuid-1")
	ev.Signature = "deadbeef"

	rcpt, err := h.p.Ingest(context.Background(), ev)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindAuthentication))
	require.Equal(t, StateRejectedAuth, rcpt.State)
	_, found := h.convs.Customer("+15551234567")
	require.False(t, found)
}

func TestPipeline_InvalidSender(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	rcpt, err := h.p.Ingest(context.Background(), h.sms("not-a-phone", "hello", "uuid-1"))
	require.Error(t, err)
	require.Equal(t, StateInvalid, rcpt.State)
}

func TestPipeline_RateLimited(t *testing.T) {
	h := newHarness(t, admission.Limits{Window: time.Minute, Cap: 2})
	ctx := context.Background()

	for i, id := range []string{"a", "b"} {
		rcpt, err := h.p.Ingest(ctx, h.sms("+15551234567", "hi", id))
		require.NoError(t, err, "message %d", i)
		require.Equal(t, StateConversationResolved, rcpt.State)
	}
	rcpt, err := h.p.Ingest(ctx, h.sms("+15551234567", "hi", "c"))
	require.NoError(t, err)
	require.Equal(t, StateRateLimited, rcpt.State)
	require.False(t, rcpt.RetryAfter.IsZero())

	// Other customers are unaffected.
	rcpt, err = h.p.Ingest(ctx, h.sms("+15557654321", "hi", "d"))
	require.NoError(t, err)
	require.Equal(t, StateConversationResolved, rcpt.State)
}

func TestPipeline_StorageFailureReleasesClaim(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	ctx := context.Background()
	ev := h.sms("+15551234567", "hello", "uuid-1")

	h.convs.FailNextTx = errors.New("connection reset")
	rcpt, err := h.p.Ingest(ctx, ev)
	require.Error(t, err)
	require.True(t, apperr.IsFatal(err))
	require.Equal(t, StateFailed, rcpt.State)

	// The provider retries delivery; the released claim lets it through.
	rcpt, err = h.p.Ingest(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, StateConversationResolved, rcpt.State)
}

func TestPipeline_FallbackPersistedAndSent(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	h.provider.reply = func(int) (string, error) {
		return "", &providers.HTTPError{Status: 503, Body: "overloaded"}
	}
	ctx := context.Background()

	rcpt, err := h.p.Ingest(ctx, h.sms("+15551234567", "hello", "uuid-1"))
	require.NoError(t, err)
	final, err := h.p.Complete(ctx, rcpt)
	require.NoError(t, err)
	require.Equal(t, StateDispatched, final)
	require.Len(t, h.provider.calls(), responder.MaxAttempts)

	msgs := h.messages(t, rcpt)
	require.Len(t, msgs, 2)
	require.Equal(t, responder.DefaultFallback, msgs[1].Body)
	require.NotEmpty(t, h.transport.sent)
}

func TestPipeline_DispatchFailureKeepsOutbound(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	h.transport.fail = errors.New("carrier down")
	ctx := context.Background()

	rcpt, err := h.p.Ingest(ctx, h.sms("+15551234567", "hello", "uuid-1"))
	require.NoError(t, err)
	final, err := h.p.Complete(ctx, rcpt)
	require.NoError(t, err)
	require.Equal(t, StateDispatchFailed, final)
	require.Len(t, h.messages(t, rcpt), 2)
}

func TestPipeline_ContinuityAcrossMessages(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	ctx := context.Background()

	first, err := h.p.Ingest(ctx, h.sms("+15551234567", "recommend a fantasy book", "uuid-1"))
	require.NoError(t, err)
	_, err = h.p.Complete(ctx, first)
	require.NoError(t, err)

	second, err := h.p.Ingest(ctx, h.sms("+15551234567", "something shorter?", "uuid-2"))
	require.NoError(t, err)
	require.Equal(t, first.ConversationID, second.ConversationID)
	_, err = h.p.Complete(ctx, second)
	require.NoError(t, err)

	calls := h.provider.calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[1].Messages, 3)
	require.Equal(t, "assistant", calls[1].Messages[1].Role)

	msgs := h.messages(t, second)
	for i, m := range msgs {
		require.Equal(t, int64(i+1), m.Ordinal)
	}
}

func TestPipeline_DiscordSingleReply(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	h.provider.reply = func(int) (string, error) { return strings.Repeat("A long reply. ", 40), nil }
	ctx := context.Background()

	rcpt, err := h.p.Ingest(ctx, Event{
		Channel:   store.ChannelDiscord,
		SenderID:  "123456789",
		ThreadID:  "chan-1",
		MessageID: "msg-1",
		Text:      "any good mysteries?",
	})
	require.NoError(t, err)
	final, err := h.p.Complete(ctx, rcpt)
	require.NoError(t, err)
	require.Equal(t, StateDispatched, final)
	require.Len(t, h.transport.sent, 1)
	require.Equal(t, "chan-1", h.transport.sent[0].ChatID)
	require.Equal(t, "msg-1", h.transport.sent[0].ReplyTo)
}

func TestPipeline_HandleInboundCompletesInBackground(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	err := h.p.HandleInbound(context.Background(), bus.InboundMessage{
		Channel:   "discord",
		SenderID:  "123456789",
		ChatID:    "chan-1",
		MessageID: "msg-1",
		Content:   "hello",
	})
	require.NoError(t, err)
	require.NoError(t, h.p.Pool().Close(context.Background()))
	require.Len(t, h.transport.sent, 1)
}

func TestPipeline_Chat(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	ctx := context.Background()

	res, err := h.p.Chat(ctx, "(555) 123-4567", "recommend a fantasy book")
	require.NoError(t, err)
	require.Contains(t, res.Response, "Name of the Wind")
	require.NotEqual(t, res.ConversationID.String(), "")

	again, err := h.p.Chat(ctx, "+1 555 123 4567", "thanks!")
	require.NoError(t, err)
	require.Equal(t, res.ConversationID, again.ConversationID)
	require.Equal(t, res.CustomerID, again.CustomerID)
	require.Empty(t, h.transport.sent, "chat replies are returned, not dispatched")
}

func TestTrace_RejectsIllegalTransition(t *testing.T) {
	tr := newTrace("evt")
	require.Error(t, tr.Advance(StateResponded))
	require.NoError(t, tr.Advance(StateAuthenticated))
	require.NoError(t, tr.Advance(StateAdmitted))
	require.NoError(t, tr.Advance(StateDuplicate))
	require.True(t, tr.State().Terminal())
	require.Equal(t, []State{StateReceived, StateAuthenticated, StateAdmitted, StateDuplicate}, tr.History())
	require.True(t, StateDispatched.Final())
	require.False(t, StateDispatched.Terminal())
}

func TestPool_CloseRejectsNewWork(t *testing.T) {
	p := NewPool(1)
	ran := make(chan struct{})
	require.NoError(t, p.Go(func(context.Context) { close(ran) }))
	require.NoError(t, p.Close(context.Background()))
	<-ran
	require.ErrorIs(t, p.Go(func(context.Context) {}), ErrDraining)
}

func TestPipeline_HandleInboundWhileDrainingCompletesInline(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	require.NoError(t, h.p.Pool().Close(context.Background()))

	err := h.p.HandleInbound(context.Background(), bus.InboundMessage{
		Channel:   "discord",
		SenderID:  "123456789",
		ChatID:    "chan-1",
		MessageID: "msg-1",
		Content:   "hello",
	})
	require.NoError(t, err)
	require.Len(t, h.provider.calls(), 1)
	require.Len(t, h.transport.sent, 1)
	require.Equal(t, "msg-1", h.transport.sent[0].ReplyTo)
}

func TestPipeline_CompleteAfterCancelStillPersistsAndSends(t *testing.T) {
	h := newHarness(t, admission.DefaultLimits())
	rcpt, err := h.p.Ingest(context.Background(), h.sms("+15551234567", "hello", "uuid-1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.p.Complete(ctx, rcpt)
	require.NoError(t, err)

	msgs := h.messages(t, rcpt)
	require.Len(t, msgs, 2)
	require.Equal(t, store.DirectionOutbound, msgs[1].Direction)
	require.NotEmpty(t, h.transport.sent)
}

func TestPool_QueuedJobRunsAfterDrainTimeout(t *testing.T) {
	p := NewPool(1)
	release := make(chan struct{})
	require.NoError(t, p.Go(func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-release:
		}
	}))

	queued := make(chan error, 1)
	require.NoError(t, p.Go(func(ctx context.Context) { queued <- ctx.Err() }))

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Close(expired), context.Canceled)
	close(release)

	select {
	case err := <-queued:
		require.Error(t, err, "queued job sees the cancelled pool context")
	default:
		t.Fatal("queued job was dropped")
	}
}
