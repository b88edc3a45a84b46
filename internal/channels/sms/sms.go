// Package sms implements the SMS channel over a Plivo-compatible REST API.
// Inbound messages arrive through the gateway webhook; this package parses
// them and sends replies.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/bookbot/internal/bus"
	"github.com/nextlevelbuilder/bookbot/internal/channels"
	"github.com/nextlevelbuilder/bookbot/internal/config"
)

const (
	defaultAPIBase  = "https://api.plivo.com"
	defaultMaxChars = 1600
	defaultSendRPS  = 5
)

// Channel sends SMS replies.
type Channel struct {
	*channels.BaseChannel
	cfg     config.SMSConfig
	apiBase string
	client  *http.Client
	limiter *rate.Limiter
}

// New creates an SMS channel from config.
func New(cfg config.SMSConfig) (*Channel, error) {
	if cfg.AuthID == "" || cfg.AuthToken == "" {
		return nil, errors.New("sms auth id and token are required")
	}
	if cfg.FromNumber == "" {
		return nil, errors.New("sms from_number is required")
	}
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = defaultMaxChars
	}
	rps := cfg.SendRPS
	if rps <= 0 {
		rps = defaultSendRPS
	}
	apiBase := strings.TrimRight(cfg.APIBase, "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("sms", nil, nil),
		cfg:         cfg,
		apiBase:     apiBase,
		client:      &http.Client{Timeout: 15 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

// Start marks the channel running. Inbound traffic is served by the gateway.
func (c *Channel) Start(_ context.Context) error {
	c.SetRunning(true)
	slog.Info("sms channel ready", "from", c.cfg.FromNumber)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return nil
}

// MaxMessageLength is the per-message character limit.
func (c *Channel) MaxMessageLength() int { return c.cfg.MaxChunkChars }

type sendRequest struct {
	Src  string `json:"src"`
	Dst  string `json:"dst"`
	Text string `json:"text"`
}

type sendResponse struct {
	APIID       string   `json:"api_id"`
	Message     string   `json:"message"`
	MessageUUID []string `json:"message_uuid"`
	Error       string   `json:"error"`
}

// Send delivers one SMS and returns the provider message uuid. 4xx answers
// other than 429 are permanent.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) (string, error) {
	if msg.ChatID == "" {
		return "", channels.Permanent(errors.New("empty destination for sms send"))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("sms pacing: %w", err)
	}

	payload, err := json.Marshal(sendRequest{Src: c.cfg.FromNumber, Dst: msg.ChatID, Text: msg.Content})
	if err != nil {
		return "", channels.Permanent(fmt.Errorf("marshal sms: %w", err))
	}
	url := fmt.Sprintf("%s/v1/Account/%s/Message/", c.apiBase, c.cfg.AuthID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", channels.Permanent(fmt.Errorf("create sms request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.AuthID, c.cfg.AuthToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms request failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("sms send: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", channels.Permanent(err)
		}
		return "", err
	}

	var out sendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode sms response: %w", err)
	}
	if len(out.MessageUUID) == 0 {
		return "", fmt.Errorf("sms send: no message uuid in response (api_id %s)", out.APIID)
	}
	return out.MessageUUID[0], nil
}
