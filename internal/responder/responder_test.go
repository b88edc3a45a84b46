package responder

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/bookbot/internal/apperr"
	"github.com/nextlevelbuilder/bookbot/internal/assembler"
	"github.com/nextlevelbuilder/bookbot/internal/providers"
)

type scriptedProvider struct {
	calls   atomic.Int32
	replies []func(ctx context.Context) (*providers.ChatResponse, error)
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) DefaultModel() string { return "test" }

func (p *scriptedProvider) Chat(ctx context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
	n := int(p.calls.Add(1)) - 1
	if n >= len(p.replies) {
		return nil, errors.New("unexpected call")
	}
	return p.replies[n](ctx)
}

func ok(text string) func(context.Context) (*providers.ChatResponse, error) {
	return func(context.Context) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: text}, nil
	}
}

func fail(err error) func(context.Context) (*providers.ChatResponse, error) {
	return func(context.Context) (*providers.ChatResponse, error) { return nil, err }
}

func hang(ctx context.Context) (*providers.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestResponder(p providers.Provider) *Responder {
	r := New(p, Config{AttemptTimeout: 50 * time.Millisecond, Fallback: "fallback text"})
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

var prompt = assembler.Prompt{System: "s", Messages: []providers.Message{{Role: "user", Content: "hi"}}}

func TestRespond_Success(t *testing.T) {
	p := &scriptedProvider{replies: []func(context.Context) (*providers.ChatResponse, error){ok("  Try Dune.  ")}}
	res := newTestResponder(p).Respond(context.Background(), prompt)

	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, "Try Dune.", res.Text)
	require.Equal(t, 1, res.Attempts)
	require.NoError(t, res.Err)
}

func TestRespond_RetriesOnceThenSucceeds(t *testing.T) {
	p := &scriptedProvider{replies: []func(context.Context) (*providers.ChatResponse, error){
		fail(&providers.HTTPError{Status: 503}),
		ok("second time lucky"),
	}}
	res := newTestResponder(p).Respond(context.Background(), prompt)

	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, 2, res.Attempts)
	require.EqualValues(t, 2, p.calls.Load())
}

func TestRespond_FallbackAfterTwoFailures(t *testing.T) {
	p := &scriptedProvider{replies: []func(context.Context) (*providers.ChatResponse, error){
		fail(errors.New("connection reset")),
		fail(errors.New("connection reset")),
	}}
	res := newTestResponder(p).Respond(context.Background(), prompt)

	require.Equal(t, StatusFallback, res.Status)
	require.Equal(t, "fallback text", res.Text)
	require.Equal(t, 2, res.Attempts)
	require.True(t, apperr.Is(res.Err, apperr.KindResponderFailure))
}

func TestRespond_TimeoutPerAttempt(t *testing.T) {
	p := &scriptedProvider{replies: []func(context.Context) (*providers.ChatResponse, error){hang, hang}}
	start := time.Now()
	res := newTestResponder(p).Respond(context.Background(), prompt)

	require.Equal(t, StatusFallback, res.Status)
	require.Equal(t, 2, res.Attempts)
	require.Less(t, time.Since(start), 2*time.Second)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestRespond_ClientErrorRetriedOnceThenFallback(t *testing.T) {
	p := &scriptedProvider{replies: []func(context.Context) (*providers.ChatResponse, error){
		fail(&providers.HTTPError{Status: 401, Body: "bad key"}),
		fail(&providers.HTTPError{Status: 401, Body: "bad key"}),
	}}
	res := newTestResponder(p).Respond(context.Background(), prompt)

	require.Equal(t, StatusFallback, res.Status)
	require.Equal(t, 2, res.Attempts)
	require.EqualValues(t, 2, p.calls.Load())
}

func TestRespond_ClientErrorThenSuccess(t *testing.T) {
	p := &scriptedProvider{replies: []func(context.Context) (*providers.ChatResponse, error){
		fail(&providers.HTTPError{Status: 400, Body: "overloaded prompt"}),
		ok("Try Piranesi."),
	}}
	res := newTestResponder(p).Respond(context.Background(), prompt)

	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, "Try Piranesi.", res.Text)
	require.Equal(t, 2, res.Attempts)
}

func TestRespond_EmptyReplyRetried(t *testing.T) {
	p := &scriptedProvider{replies: []func(context.Context) (*providers.ChatResponse, error){ok("   "), ok("")}}
	res := newTestResponder(p).Respond(context.Background(), prompt)

	require.Equal(t, StatusFallback, res.Status)
	require.Equal(t, 2, res.Attempts)
	require.ErrorIs(t, res.Err, providers.ErrEmptyResponse)
}

func TestBackoff_HonorsRetryAfter(t *testing.T) {
	r := New(&scriptedProvider{}, Config{Backoff: 100 * time.Millisecond})
	require.Equal(t, 2*time.Second, r.backoff(&providers.HTTPError{Status: 429, RetryAfter: 2 * time.Second}))
	require.Equal(t, maxBackoff, r.backoff(&providers.HTTPError{Status: 429, RetryAfter: time.Minute}))
	require.Zero(t, r.backoff(&providers.HTTPError{Status: 401}))
	require.Equal(t, 100*time.Millisecond, r.backoff(errors.New("x")))
}
