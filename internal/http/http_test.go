package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/bookbot/internal/admission"
	"github.com/nextlevelbuilder/bookbot/internal/assembler"
	"github.com/nextlevelbuilder/bookbot/internal/bus"
	"github.com/nextlevelbuilder/bookbot/internal/conversation"
	"github.com/nextlevelbuilder/bookbot/internal/dedup"
	"github.com/nextlevelbuilder/bookbot/internal/dispatch"
	"github.com/nextlevelbuilder/bookbot/internal/pipeline"
	"github.com/nextlevelbuilder/bookbot/internal/providers"
	"github.com/nextlevelbuilder/bookbot/internal/responder"
	"github.com/nextlevelbuilder/bookbot/internal/store"
	"github.com/nextlevelbuilder/bookbot/internal/store/memory"
	"github.com/nextlevelbuilder/bookbot/internal/upgrade"
)

const secret = "s3cret"

type cannedProvider struct{}

func (cannedProvider) Name() string         { return "canned" }
func (cannedProvider) DefaultModel() string { return "test" }
func (cannedProvider) Chat(context.Context, providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: "Try The Hobbit."}, nil
}

type nullTransport struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (t *nullTransport) MaxMessageLength(string) int { return 160 }
func (t *nullTransport) Send(_ context.Context, m bus.OutboundMessage) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, m)
	return "ok", nil
}

func newTestPipeline(t *testing.T, limits admission.Limits) (*pipeline.Pipeline, *memory.ConversationStore) {
	t.Helper()
	convs := memory.NewConversationStore()
	counters := memory.NewCounters()
	p := pipeline.New(pipeline.Deps{
		Verifiers:  map[store.Channel]*admission.Verifier{store.ChannelSMS: admission.NewVerifier(secret)},
		Limiter:    admission.NewLimiter(counters, limits),
		Dedup:      dedup.New(counters, dedup.DefaultRetention),
		Resolver:   conversation.NewResolver(convs, conversation.DefaultIdleWindow),
		Assembler:  assembler.New(convs, nil, assembler.Config{}),
		Responder:  responder.New(cannedProvider{}, responder.Config{}),
		Dispatcher: dispatch.New(&nullTransport{}, nil, dispatch.Options{}),
	}, 2)
	t.Cleanup(func() { _ = p.Pool().Close(context.Background()) })
	return p, convs
}

func newRouter(p *pipeline.Pipeline, token string) http.Handler {
	r := chi.NewRouter()
	NewSMSWebhookHandler(p, 1024).RegisterRoutes(r)
	NewChatHandler(p, token).RegisterRoutes(r)
	return r
}

func signedForm(t *testing.T, from, text, id string) *http.Request {
	t.Helper()
	body := url.Values{"From": {from}, "Text": {text}, "MessageUUID": {id}}.Encode()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(admission.SignatureHeader, admission.NewVerifier(secret).Sign([]byte(body)))
	return req
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestSMSWebhook_Received(t *testing.T) {
	p, _ := newTestPipeline(t, admission.DefaultLimits())
	h := newRouter(p, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedForm(t, "+15551234567", "recommend a fantasy book", "uuid-1"))

	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	require.Equal(t, "received", body["status"])
	require.NotEmpty(t, body["message_id"])
}

func TestSMSWebhook_JSONBody(t *testing.T) {
	p, _ := newTestPipeline(t, admission.DefaultLimits())
	h := newRouter(p, "")

	payload := `{"From":"+15551234567","Text":"hello","MessageUUID":"uuid-j"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(admission.SignatureHeader, admission.NewVerifier(secret).Sign([]byte(payload)))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "received", decode(t, rr)["status"])
}

func TestSMSWebhook_BadSignature(t *testing.T) {
	p, convs := newTestPipeline(t, admission.DefaultLimits())
	h := newRouter(p, "")

	req := signedForm(t, "+15551234567", "hello", "uuid-1")
	req.Header.Set(admission.SignatureHeader, "00ff")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.NotContains(t, rr.Body.String(), "received")
	_, found := convs.Customer("+15551234567")
	require.False(t, found)
}

func TestSMSWebhook_MalformedButSignedIsBadRequest(t *testing.T) {
	p, _ := newTestPipeline(t, admission.DefaultLimits())
	h := newRouter(p, "")

	payload := `{"Text":"no sender"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(admission.SignatureHeader, admission.NewVerifier(secret).Sign([]byte(payload)))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSMSWebhook_DuplicateAnswersOK(t *testing.T) {
	p, convs := newTestPipeline(t, admission.DefaultLimits())
	h := newRouter(p, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedForm(t, "+15551234567", "hello", "uuid-1"))
	require.Equal(t, "received", decode(t, rr)["status"])

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, signedForm(t, "+15551234567", "hello", "uuid-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	require.Equal(t, "duplicate", body["status"])
	require.NotContains(t, body, "message_id")

	c, ok := convs.Customer("+15551234567")
	require.True(t, ok)
	require.Len(t, convs.Conversations(c.ID), 1)
}

func TestSMSWebhook_RateLimited(t *testing.T) {
	p, _ := newTestPipeline(t, admission.Limits{Window: time.Minute, Cap: 1})
	h := newRouter(p, "")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedForm(t, "+15551234567", "one", "a"))
	require.Equal(t, "received", decode(t, rr)["status"])

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, signedForm(t, "+15551234567", "two", "b"))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "rate_limited", decode(t, rr)["status"])
	require.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestSMSWebhook_BodyTooLarge(t *testing.T) {
	p, _ := newTestPipeline(t, admission.DefaultLimits())
	h := newRouter(p, "")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms", strings.NewReader(strings.Repeat("x", 4096)))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestChat_RequiresToken(t *testing.T) {
	p, _ := newTestPipeline(t, admission.DefaultLimits())
	h := newRouter(p, "tok")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"hi","phone":"+15551234567"}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestChat_ReturnsReplyAndIDs(t *testing.T) {
	p, _ := newTestPipeline(t, admission.DefaultLimits())
	h := newRouter(p, "tok")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"recommend a fantasy book","phone":"555-123-4567"}`))
	req.Header.Set("Authorization", "Bearer tok")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	require.Equal(t, "Try The Hobbit.", body["response"])
	require.NotEmpty(t, body["conversation_id"])
	require.NotEmpty(t, body["customer_id"])
}

func TestChat_Validation(t *testing.T) {
	p, _ := newTestPipeline(t, admission.DefaultLimits())
	h := newRouter(p, "")

	for _, body := range []string{`not json`, `{"message":"","phone":"+15551234567"}`, `{"message":"hi"}`} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body)))
		require.Equal(t, http.StatusBadRequest, rr.Code, body)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"hi","phone":"abc"}`)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	compatible := func(context.Context) (*upgrade.SchemaStatus, []string, error) {
		return &upgrade.SchemaStatus{CurrentVersion: 2, RequiredVersion: 2, Compatible: true}, nil, nil
	}
	outdated := func(context.Context) (*upgrade.SchemaStatus, []string, error) {
		return &upgrade.SchemaStatus{CurrentVersion: 1, RequiredVersion: 2, NeedsMigration: true}, nil, nil
	}

	tests := []struct {
		name   string
		probes map[string]store.Pinger
		schema SchemaFunc
		code   int
		status string
	}{
		{"all pass", map[string]store.Pinger{"postgres": pinger{}, "redis": pinger{}}, compatible, http.StatusOK, "healthy"},
		{"redis down", map[string]store.Pinger{"postgres": pinger{}, "redis": pinger{errors.New("down")}}, compatible, http.StatusServiceUnavailable, "degraded"},
		{"pending migrations", map[string]store.Pinger{"postgres": pinger{}}, outdated, http.StatusServiceUnavailable, "degraded"},
		{"standalone", map[string]store.Pinger{"memory": pinger{}}, nil, http.StatusOK, "healthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHealthHandler(tt.probes, tt.schema, "test").RegisterRoutes(r)
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, tt.code, rr.Code)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			require.Equal(t, tt.status, resp.Status)
			for name := range tt.probes {
				require.Contains(t, resp.Checks, name)
			}
		})
	}
}
