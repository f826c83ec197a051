package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
)

var (
	salesBot = bots.BotInstanceConfig{Name: "sales-bot", Platform: "mattermost", Username: "sales-bot", AuthToken: "secret-token"}
	question = channels.NormalizedMessage{
		ID:         "post0000000000000000000001",
		Text:       "@sales-bot what's the price?",
		ChannelID:  "chan0000000000000000000001",
		AuthorID:   "user0000000000000000000003",
		AuthorName: "alice",
		Timestamp:  time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC),
		Mentions:   []string{"@sales-bot"},
		IsMention:  true,
	}
)

func TestWebhook_RoundTrip(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := Verify("shh", r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature), body); err != nil {
			t.Errorf("Verify: %v", err)
		}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(Response{Reply: "42 credits"})
	}))
	defer srv.Close()

	h := New(config.HandlerConfig{WebhookURL: srv.URL, Secret: "shh"})
	history := []channels.NormalizedMessage{{ID: "p0", Text: "earlier"}}
	reply, err := h.HandleMessage(context.Background(), question, history, salesBot)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply != "42 credits" {
		t.Errorf("reply = %q", reply)
	}
	if got.Bot.Name != "sales-bot" || got.Message.ID != question.ID || len(got.History) != 1 {
		t.Errorf("request = %+v", got)
	}
}

func TestWebhook_TokenNotForwarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var raw map[string]any
		json.Unmarshal(body, &raw)
		if _, ok := raw["bot"].(map[string]any)["token"]; ok {
			t.Error("auth token leaked to webhook")
		}
		if raw["history"] == nil {
			t.Error("history should be an empty list, not null")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	reply, err := New(config.HandlerConfig{WebhookURL: srv.URL}).HandleMessage(context.Background(), question, nil, salesBot)
	if err != nil || reply != "" {
		t.Fatalf("reply = %q, err = %v", reply, err)
	}
}

func TestWebhook_Failures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCalls int32
	}{
		{"server error retried", http.StatusBadGateway, "", maxAttempts},
		{"client error not retried", http.StatusBadRequest, "bad", 1},
		{"garbage reply", http.StatusOK, "not json", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := New(config.HandlerConfig{WebhookURL: srv.URL}).HandleMessage(context.Background(), question, nil, salesBot)
			if err == nil {
				t.Fatal("expected error")
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}

func TestWebhook_OnlyMention(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(Response{Reply: "hi"})
	}))
	defer srv.Close()

	h := New(config.HandlerConfig{WebhookURL: srv.URL, OnlyMention: true})
	chatter := question
	chatter.IsMention = false
	if reply, err := h.HandleMessage(context.Background(), chatter, nil, salesBot); err != nil || reply != "" {
		t.Errorf("unmentioned: reply = %q, err = %v", reply, err)
	}
	if reply, _ := h.HandleMessage(context.Background(), question, nil, salesBot); reply != "hi" {
		t.Errorf("mentioned: reply = %q", reply)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d", calls.Load())
	}
}

func TestFromConfig_ListenOnly(t *testing.T) {
	h := FromConfig(config.HandlerConfig{})
	reply, err := h.HandleMessage(context.Background(), question, nil, salesBot)
	if err != nil || reply != "" {
		t.Errorf("reply = %q, err = %v", reply, err)
	}
	if _, ok := FromConfig(config.HandlerConfig{WebhookURL: "http://localhost"}).(*Webhook); !ok {
		t.Error("expected *Webhook")
	}
}

func TestVerify_RejectsTamperedBody(t *testing.T) {
	sig := Sign("shh", "1700000000", []byte(`{"a":1}`))
	if err := Verify("shh", "1700000000", sig, []byte(`{"a":2}`)); err == nil {
		t.Error("tampered body verified")
	}
}
