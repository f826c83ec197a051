package channels

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
	"github.com/nextlevelbuilder/chatbridge/internal/mattermost"
)

// EventStream is a live platform event stream.
type EventStream interface {
	Read(ctx context.Context) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// PlatformClient is the subset of the platform API used by this package.
type PlatformClient interface {
	GetMe(ctx context.Context) (*mattermost.User, error)
	GetMyTeams(ctx context.Context) ([]mattermost.Team, error)
	GetChannelByName(ctx context.Context, teamID, name string) (*mattermost.Channel, error)
	GetPostsForChannel(ctx context.Context, channelID string, page, perPage int) (*mattermost.PostList, error)
	CreatePost(ctx context.Context, req mattermost.CreatePostRequest) (*mattermost.Post, error)
	SendTyping(ctx context.Context, channelID, parentID string) error
	OpenStream(ctx context.Context) (EventStream, error)
}

// ClientFactory builds a client for one bot instance.
type ClientFactory func(bot bots.BotInstanceConfig) PlatformClient

// MattermostClients returns a ClientFactory producing REST clients.
func MattermostClients(opts ...mattermost.Option) ClientFactory {
	return func(bot bots.BotInstanceConfig) PlatformClient {
		return mattermostClient{mattermost.NewClient(bot.ServerURL, bot.AuthToken, opts...)}
	}
}

type mattermostClient struct {
	*mattermost.Client
}

func (c mattermostClient) OpenStream(ctx context.Context) (EventStream, error) {
	s, err := c.Client.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ClientPool caches one client per bot instance name. Shared by the
// connection manager, pipeline and dispatcher.
type ClientPool struct {
	factory ClientFactory

	mu      sync.Mutex
	clients map[string]PlatformClient
}

// NewClientPool creates a pool. A nil factory defaults to MattermostClients().
func NewClientPool(factory ClientFactory) *ClientPool {
	if factory == nil {
		factory = MattermostClients()
	}
	return &ClientPool{factory: factory, clients: make(map[string]PlatformClient)}
}

// Get returns the cached client for bot, creating it on first use.
func (p *ClientPool) Get(bot bots.BotInstanceConfig) PlatformClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[bot.Name]; ok {
		return c
	}
	c := p.factory(bot)
	p.clients[bot.Name] = c
	return c
}
