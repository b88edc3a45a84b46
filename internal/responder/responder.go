// Package responder invokes the language model with a bounded retry policy
// and substitutes a fixed fallback reply when it cannot get an answer.
package responder

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nextlevelbuilder/bookbot/internal/apperr"
	"github.com/nextlevelbuilder/bookbot/internal/assembler"
	"github.com/nextlevelbuilder/bookbot/internal/logging"
	"github.com/nextlevelbuilder/bookbot/internal/metrics"
	"github.com/nextlevelbuilder/bookbot/internal/providers"
)

const (
	MaxAttempts           = 2
	DefaultAttemptTimeout = 20 * time.Second
	DefaultBackoff        = 500 * time.Millisecond
	maxBackoff            = 5 * time.Second
)

// DefaultFallback is sent when the model fails on every attempt.
const DefaultFallback = "Sorry, I'm having trouble pulling that together right now. Please try again in a few minutes!"

// Status is the outcome of one attempt or of a whole invocation.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusRetriable Status = "retriable"
	StatusFallback  Status = "fallback"
)

// Result is the outcome of Respond. Text is always non-empty.
type Result struct {
	Text     string
	Status   Status // success or fallback
	Attempts int
	Err      error // last failure when Status is fallback
}

// Config tunes the retry policy.
type Config struct {
	AttemptTimeout time.Duration
	Backoff        time.Duration
	Fallback       string
	Model          string
	MaxTokens      int
}

// Responder wraps a provider.
type Responder struct {
	provider providers.Provider
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a Responder.
func New(p providers.Provider, cfg Config) *Responder {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if strings.TrimSpace(cfg.Fallback) == "" {
		cfg.Fallback = DefaultFallback
	}
	return &Responder{provider: p, cfg: cfg, sleep: sleepCtx}
}

// Fallback returns the configured fallback text.
func (r *Responder) Fallback() string { return r.cfg.Fallback }

// Respond produces a reply for prompt. It makes at most MaxAttempts calls,
// each bounded by the attempt timeout, and never returns an empty Text.
func (r *Responder) Respond(ctx context.Context, prompt assembler.Prompt) Result {
	start := time.Now()
	req := providers.ChatRequest{
		System:    prompt.System,
		Messages:  prompt.Messages,
		Model:     r.cfg.Model,
		MaxTokens: r.cfg.MaxTokens,
	}

	var res Result
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		res.Attempts = attempt
		text, status, err := r.attempt(ctx, req)
		if status == StatusSuccess {
			res.Text, res.Status, res.Err = text, StatusSuccess, nil
			break
		}
		res.Err = err
		if status != StatusRetriable || attempt == MaxAttempts {
			break
		}
		if err := r.sleep(ctx, r.backoff(err)); err != nil {
			res.Err = err
			break
		}
	}

	if res.Status != StatusSuccess {
		res.Text = r.cfg.Fallback
		res.Status = StatusFallback
		res.Err = apperr.ResponderFailure("responder.respond", res.Err)
	}

	metrics.ResponderOutcomes.WithLabelValues(string(res.Status)).Inc()
	metrics.ResponderDuration.Observe(time.Since(start).Seconds())

	log := logging.FromContext(ctx).With(
		"provider", r.provider.Name(),
		"status", res.Status,
		"attempts", res.Attempts,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if res.Status == StatusFallback {
		log.Warn("responder fell back", "error", res.Err)
	} else {
		log.Info("responder replied")
	}
	return res
}

// attempt makes one bounded call and classifies its outcome.
func (r *Responder) attempt(ctx context.Context, req providers.ChatRequest) (string, Status, error) {
	actx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	defer cancel()

	resp, err := r.provider.Chat(actx, req)
	if err == nil {
		if text := strings.TrimSpace(resp.Content); text != "" {
			return text, StatusSuccess, nil
		}
		err = providers.ErrEmptyResponse
	}

	// Caller cancelled: no point retrying.
	if ctx.Err() != nil {
		return "", StatusFallback, ctx.Err()
	}
	// Every provider failure gets one more attempt.
	return "", StatusRetriable, err
}

// backoff waits the configured delay, or longer when the provider asked
// for it. Errors the provider marks as final (4xx) retry immediately.
func (r *Responder) backoff(err error) time.Duration {
	if !errors.Is(err, providers.ErrEmptyResponse) && !errors.Is(err, context.DeadlineExceeded) && !providers.IsRetryable(err) {
		return 0
	}
	d := r.cfg.Backoff
	var he *providers.HTTPError
	if errors.As(err, &he) && he.RetryAfter > d {
		d = he.RetryAfter
	}
	return min(d, maxBackoff)
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
