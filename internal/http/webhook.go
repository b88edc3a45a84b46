package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nextlevelbuilder/bookbot/internal/admission"
	"github.com/nextlevelbuilder/bookbot/internal/channels/sms"
	"github.com/nextlevelbuilder/bookbot/internal/logging"
	"github.com/nextlevelbuilder/bookbot/internal/pipeline"
	"github.com/nextlevelbuilder/bookbot/internal/store"
)

// DefaultMaxBodyBytes caps webhook bodies when no limit is configured.
const DefaultMaxBodyBytes = 64 << 10

// Ingester is the slice of the pipeline the webhook needs.
type Ingester interface {
	Ingest(ctx context.Context, ev pipeline.Event) (pipeline.Receipt, error)
	Submit(rcpt pipeline.Receipt) error
	Complete(ctx context.Context, rcpt pipeline.Receipt) (pipeline.State, error)
}

// WebhookResponse is the acknowledgement body returned to the SMS provider.
type WebhookResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
}

// SMSWebhookHandler accepts inbound SMS deliveries.
type SMSWebhookHandler struct {
	pipeline Ingester
	maxBody  int64
}

// NewSMSWebhookHandler creates the webhook handler. maxBody <= 0 uses the default cap.
func NewSMSWebhookHandler(p Ingester, maxBody int64) *SMSWebhookHandler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &SMSWebhookHandler{pipeline: p, maxBody: maxBody}
}

// RegisterRoutes mounts the webhook on r.
func (h *SMSWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/sms", h.ServeHTTP)
}

func (h *SMSWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.FromContext(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	// A malformed payload still goes through Ingest so the signature is
	// checked first; an empty sender then ends as invalid.
	msg, perr := sms.ParseWebhook(r.Header.Get("Content-Type"), body)
	if perr != nil {
		log.Debug("sms webhook payload incomplete", "error", perr)
	}

	rcpt, err := h.pipeline.Ingest(ctx, pipeline.Event{
		Channel:   store.ChannelSMS,
		SenderID:  msg.From,
		MessageID: msg.MessageUUID,
		Text:      msg.Text,
		Payload:   body,
		Signature: r.Header.Get(admission.SignatureHeader),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	switch rcpt.State {
	case pipeline.StateRateLimited:
		if !rcpt.RetryAfter.IsZero() {
			secs := int(time.Until(rcpt.RetryAfter).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		}
		writeJSON(w, http.StatusOK, WebhookResponse{Status: "rate_limited"})
		return
	case pipeline.StateDuplicate:
		writeJSON(w, http.StatusOK, WebhookResponse{Status: "duplicate"})
		return
	}

	if err := h.pipeline.Submit(rcpt); err != nil {
		// Draining: the inbound is already persisted, so reply inline
		// rather than lose it to the dedup key on the provider's retry.
		log.Warn("worker pool unavailable, completing inline", "error", err)
		if _, err := h.pipeline.Complete(context.WithoutCancel(ctx), rcpt); err != nil {
			log.Error("inline completion failed", "error", err)
		}
	}

	log.Info("sms webhook accepted", "event_id", rcpt.EventID, "message_id", rcpt.MessageID)
	writeJSON(w, http.StatusOK, WebhookResponse{Status: "received", MessageID: rcpt.MessageID.String()})
}
