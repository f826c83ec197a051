package channels

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
	"github.com/nextlevelbuilder/chatbridge/internal/mattermost"
)

func TestService_EndToEnd(t *testing.T) {
	f := newFixture(t, nil, salesBot, supportBot)

	// A third instance whose token the server rejects.
	raw, _ := json.Marshal(map[string]any{"server_url": f.srv.URL, "token": "revoked"})
	defs := bots.StaticProvider{
		{Name: "sales-bot", MessageProvider: "mattermost", PlatformConfig: mustConfig(t, f.bot(t, "sales-bot"))},
		{Name: "support-bot", MessageProvider: "Mattermost", PlatformConfig: mustConfig(t, f.bot(t, "support-bot"))},
		{Name: "broken-bot", MessageProvider: "mattermost", PlatformConfig: raw},
	}
	registry := bots.NewRegistry(defs, mattermost.Factory{})

	h := &recordingHandler{reply: "on it"}
	metrics := NewMetrics(prometheus.NewRegistry())
	svc := NewService(registry, h, ServiceOptions{
		Metrics: metrics,
		Manager: ManagerOptions{InitialBackoff: 10 * time.Millisecond},
	})

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	status := svc.Status()
	if len(status) != 3 {
		t.Fatalf("status = %+v", status)
	}
	byName := map[string]ConnectionState{}
	for _, st := range status {
		byName[st.Instance] = st
	}
	if !byName["sales-bot"].Connected || !byName["support-bot"].Connected {
		t.Errorf("healthy instances not connected: %+v", status)
	}
	if byName["broken-bot"].Connected || byName["broken-bot"].LastError == "" {
		t.Errorf("broken-bot = %+v", byName["broken-bot"])
	}
	if got := testutil.ToFloat64(metrics.connected.WithLabelValues("sales-bot")); got != 1 {
		t.Errorf("connected gauge = %v", got)
	}

	// A live message from a human reaches the handler and gets a threaded reply.
	waitFor(t, "sockets", func() bool { return f.srv.Connections(salesToken) == 1 })
	live := postAt(aliceUserID, time.Now().Add(time.Second), "@sales-bot hi")
	f.srv.AddPost(live)
	if err := f.srv.PushPost(salesToken, mattermost.EventPosted, live, "@alice"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "reply", func() bool {
		for _, p := range f.srv.Posts(townSquareID) {
			if p.Message == "on it" && p.RootID == live.ID {
				return true
			}
		}
		return false
	})
	if calls := h.Calls(); len(calls) != 1 || !calls[0].msg.IsMention {
		t.Errorf("handler calls = %+v", calls)
	}

	// The bot's own reply echoes back on the stream and is dropped.
	posts := f.srv.Posts(townSquareID)
	echo := posts[len(posts)-1]
	if err := f.srv.PushPost(salesToken, mattermost.EventPosted, &echo, "@sales-bot"); err != nil {
		t.Fatal(err)
	}

	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if len(h.Calls()) != 1 {
		t.Errorf("handler saw the bot's own post")
	}
	waitFor(t, "sockets closed", func() bool { return f.srv.Connections(salesToken) == 0 })
}

func TestService_StartTwice(t *testing.T) {
	registry := bots.NewRegistry(bots.StaticProvider{}, mattermost.Factory{})
	svc := NewService(registry, HandlerFunc(func(context.Context, NormalizedMessage, []NormalizedMessage, bots.BotInstanceConfig) (string, error) {
		return "", nil
	}), ServiceOptions{})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(svc.Status()) != 0 {
		t.Error("no instances expected")
	}
}

func mustConfig(t *testing.T, bot bots.BotInstanceConfig) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"server_url": bot.ServerURL,
		"token":      bot.AuthToken,
		"channel":    bot.DefaultChannel,
		"username":   bot.Username,
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}
