package sms

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"
)

// Webhook is an inbound SMS as delivered by the transport.
type Webhook struct {
	From        string `json:"From"`
	To          string `json:"To,omitempty"`
	Text        string `json:"Text"`
	MessageUUID string `json:"MessageUUID"`
}

var ErrEmptyWebhook = errors.New("sms webhook: missing From or Text")

// ParseWebhook decodes an inbound webhook body, either JSON or
// application/x-www-form-urlencoded depending on contentType.
func ParseWebhook(contentType string, body []byte) (Webhook, error) {
	var w Webhook
	mt, _, _ := mime.ParseMediaType(contentType)
	switch mt {
	case "application/x-www-form-urlencoded":
		vals, err := url.ParseQuery(string(body))
		if err != nil {
			return w, fmt.Errorf("sms webhook: parse form: %w", err)
		}
		w = Webhook{
			From:        vals.Get("From"),
			To:          vals.Get("To"),
			Text:        vals.Get("Text"),
			MessageUUID: vals.Get("MessageUUID"),
		}
	default:
		if err := json.Unmarshal(body, &w); err != nil {
			return w, fmt.Errorf("sms webhook: decode json: %w", err)
		}
	}

	w.From = strings.TrimSpace(w.From)
	w.MessageUUID = strings.TrimSpace(w.MessageUUID)
	if w.From == "" || strings.TrimSpace(w.Text) == "" {
		return w, ErrEmptyWebhook
	}
	return w, nil
}
