// Package handler forwards ingested messages to an external HTTP endpoint
// and relays its reply.
package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
)

// Signature headers sent when a secret is configured.
const (
	HeaderTimestamp = "X-Chatbridge-Timestamp"
	HeaderSignature = "X-Chatbridge-Signature"
)

const (
	defaultTimeout = 60 * time.Second
	maxAttempts    = 3
	maxReplyBytes  = 1 << 20
)

// Request is the JSON body posted to the webhook.
type Request struct {
	Bot     BotInfo                      `json:"bot"`
	Message channels.NormalizedMessage   `json:"message"`
	History []channels.NormalizedMessage `json:"history"`
}

// BotInfo identifies the receiving bot instance.
type BotInfo struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Username string `json:"username,omitempty"`
}

// Response is the expected webhook reply. An empty Reply posts nothing.
type Response struct {
	Reply string `json:"reply"`
}

// Webhook implements channels.Handler over HTTP.
type Webhook struct {
	url         string
	secret      string
	onlyMention bool
	client      *http.Client
	now         func() time.Time
}

// FromConfig returns the webhook handler, or a handler that only logs
// when no URL is configured.
func FromConfig(cfg config.HandlerConfig) channels.Handler {
	if cfg.WebhookURL == "" {
		return channels.HandlerFunc(listenOnly)
	}
	return New(cfg)
}

func listenOnly(_ context.Context, msg channels.NormalizedMessage, _ []channels.NormalizedMessage, bot bots.BotInstanceConfig) (string, error) {
	slog.Debug("message received, no handler configured", "instance", bot.Name, "message_id", msg.ID, "channel_id", msg.ChannelID)
	return "", nil
}

// New builds a Webhook posting to cfg.WebhookURL.
func New(cfg config.HandlerConfig) *Webhook {
	timeout := cfg.TimeoutDuration()
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Webhook{
		url:         cfg.WebhookURL,
		secret:      cfg.Secret,
		onlyMention: cfg.OnlyMention,
		client:      &http.Client{Timeout: timeout},
		now:         time.Now,
	}
}

// HandleMessage posts the message and history and returns the reply text.
// 4xx answers are not retried.
func (w *Webhook) HandleMessage(ctx context.Context, msg channels.NormalizedMessage, history []channels.NormalizedMessage, bot bots.BotInstanceConfig) (string, error) {
	if w.onlyMention && !msg.IsMention {
		slog.Debug("webhook skipped, bot not mentioned", "instance", bot.Name, "message_id", msg.ID)
		return "", nil
	}
	if history == nil {
		history = []channels.NormalizedMessage{}
	}
	body, err := json.Marshal(Request{
		Bot:     BotInfo{Name: bot.Name, Platform: bot.Platform, Username: bot.Username},
		Message: msg,
		History: history,
	})
	if err != nil {
		return "", fmt.Errorf("encode webhook request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	resp, err := backoff.Retry(ctx, func() (Response, error) {
		return w.post(ctx, body)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxAttempts))
	if err != nil {
		return "", err
	}
	return resp.Reply, nil
}

func (w *Webhook) post(ctx context.Context, body []byte) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		ts := strconv.FormatInt(w.now().Unix(), 10)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, Sign(w.secret, ts, body))
	}

	res, err := w.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("webhook request: %w", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, maxReplyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read webhook reply: %w", err)
	}

	switch {
	case res.StatusCode >= 500:
		return Response{}, fmt.Errorf("webhook returned %d", res.StatusCode)
	case res.StatusCode >= 300:
		return Response{}, backoff.Permanent(fmt.Errorf("webhook returned %d: %s", res.StatusCode, bytes.TrimSpace(data)))
	}

	var out Response
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return Response{}, backoff.Permanent(fmt.Errorf("decode webhook reply: %w", err))
	}
	return out, nil
}

// Sign returns the signature header value for body sent at timestamp ts.
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret, ts, signature string, body []byte) error {
	if !hmac.Equal([]byte(Sign(secret, ts, body)), []byte(signature)) {
		return errors.New("webhook signature mismatch")
	}
	return nil
}
