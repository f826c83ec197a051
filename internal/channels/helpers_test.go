package channels

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
	"github.com/nextlevelbuilder/chatbridge/internal/mattermost"
	"github.com/nextlevelbuilder/chatbridge/internal/mattermost/mattermosttest"
)

const (
	teamID         = "team0000000000000000000001"
	townSquareID   = "chan0000000000000000000001"
	announcementID = "chan0000000000000000000002"
	salesUserID    = "user0000000000000000000001"
	supportUserID  = "user0000000000000000000002"
	aliceUserID    = "user0000000000000000000003"

	salesToken   = "tok-sales"
	supportToken = "tok-support"
)

type testBot struct {
	name, token, userID, username, channel string
	rateLimit                              float64
}

var (
	salesBot   = testBot{name: "sales-bot", token: salesToken, userID: salesUserID, username: "sales-bot", channel: "town-square"}
	supportBot = testBot{name: "support-bot", token: supportToken, userID: supportUserID, username: "support-bot", channel: "announcements"}
)

type fixture struct {
	srv        *mattermosttest.Server
	registry   *bots.Registry
	pool       *ClientPool
	dispatcher *Dispatcher
}

// newFixture starts a fake server with the acme team, its two channels and
// the given bots, and loads a registry for them.
func newFixture(t *testing.T, router *Router, list ...testBot) *fixture {
	t.Helper()
	srv := mattermosttest.NewServer()
	t.Cleanup(srv.Close)

	srv.AddChannel(mattermost.Channel{ID: townSquareID, TeamID: teamID, Name: "town-square"})
	srv.AddChannel(mattermost.Channel{ID: announcementID, TeamID: teamID, Name: "announcements"})

	var defs bots.StaticProvider
	for _, b := range list {
		srv.AddUser(b.token, b.userID, b.username)
		srv.AddTeam(b.token, mattermost.Team{ID: teamID, Name: "acme"})
		raw, _ := json.Marshal(map[string]any{
			"server_url": srv.URL,
			"token":      b.token,
			"channel":    b.channel,
			"username":   b.username,
			"rate_limit": b.rateLimit,
		})
		defs = append(defs, bots.BotDefinition{Name: b.name, MessageProvider: "mattermost", PlatformConfig: raw})
	}

	registry := bots.NewRegistry(defs, mattermost.Factory{})
	if err := registry.Load(context.Background()); err != nil {
		t.Fatalf("registry load: %v", err)
	}
	pool := NewClientPool(nil)
	return &fixture{
		srv:        srv,
		registry:   registry,
		pool:       pool,
		dispatcher: NewDispatcher(registry, mattermost.Platform, pool, router, nil),
	}
}

func (f *fixture) bot(t *testing.T, name string) bots.BotInstanceConfig {
	t.Helper()
	b, ok := f.registry.Get(mattermost.Platform, name)
	if !ok {
		t.Fatalf("bot %q not registered", name)
	}
	return b
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// countingClient is a PlatformClient that records calls and serves canned data.
type countingClient struct {
	mu       sync.Mutex
	calls    int
	teams    []mattermost.Team
	teamsErr error
	channels map[string]*mattermost.Channel // teamID/name → channel
	chanErr  map[string]error               // teamID/name → error
}

func (c *countingClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *countingClient) hit() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func (c *countingClient) GetMe(context.Context) (*mattermost.User, error) {
	c.hit()
	return &mattermost.User{ID: salesUserID, Username: "sales-bot"}, nil
}

func (c *countingClient) GetMyTeams(context.Context) ([]mattermost.Team, error) {
	c.hit()
	return c.teams, c.teamsErr
}

func (c *countingClient) GetChannelByName(_ context.Context, team, name string) (*mattermost.Channel, error) {
	c.hit()
	key := team + "/" + name
	if err := c.chanErr[key]; err != nil {
		return nil, err
	}
	if ch, ok := c.channels[key]; ok {
		return ch, nil
	}
	return nil, &mattermost.APIError{StatusCode: 404}
}

func (c *countingClient) GetPostsForChannel(context.Context, string, int, int) (*mattermost.PostList, error) {
	c.hit()
	return &mattermost.PostList{}, nil
}

func (c *countingClient) CreatePost(context.Context, mattermost.CreatePostRequest) (*mattermost.Post, error) {
	c.hit()
	return &mattermost.Post{ID: mattermosttest.NewID()}, nil
}

func (c *countingClient) SendTyping(context.Context, string, string) error {
	c.hit()
	return nil
}

func (c *countingClient) OpenStream(context.Context) (EventStream, error) {
	c.hit()
	return nil, context.Canceled
}
