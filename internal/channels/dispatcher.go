package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
	"github.com/nextlevelbuilder/chatbridge/internal/mattermost"
)

const tracerName = "github.com/nextlevelbuilder/chatbridge/internal/channels"

// BroadcastResult reports per-instance outcomes of a broadcast.
type BroadcastResult struct {
	Delivered map[string]string // instance → post ID
	Failed    map[string]error  // instance → error
}

// Dispatcher delivers outbound messages through the platform's bot instances.
type Dispatcher struct {
	registry *bots.Registry
	platform string
	pool     *ClientPool
	router   *Router
	metrics  *Metrics
	limiter  *sendLimiter
	tracer   trace.Tracer

	mu        sync.Mutex
	resolvers map[string]*Resolver
	activity  map[string]time.Time // channel ID → latest post seen
}

// NewDispatcher creates a dispatcher for the instances of platform in
// registry. A nil router disables routing.
func NewDispatcher(registry *bots.Registry, platform string, pool *ClientPool, router *Router, metrics *Metrics) *Dispatcher {
	if router == nil {
		router = NewRouter(false, nil)
	}
	return &Dispatcher{
		registry:  registry,
		platform:  platform,
		pool:      pool,
		router:    router,
		metrics:   metrics,
		limiter:   newSendLimiter(),
		tracer:    otel.Tracer(tracerName),
		resolvers: make(map[string]*Resolver),
		activity:  make(map[string]time.Time),
	}
}

// recordActivity notes a post seen in a channel. Routing favours channels
// with recent activity.
func (d *Dispatcher) recordActivity(channelID string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if at.After(d.activity[channelID]) {
		d.activity[channelID] = at
	}
}

func (d *Dispatcher) lastActivity(channelID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.activity[channelID]
	return at, ok
}

// Resolver returns the channel resolver of an instance.
func (d *Dispatcher) Resolver(bot bots.BotInstanceConfig) *Resolver {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.resolvers[bot.Name]
	if !ok {
		r = NewResolver(bot.Name, d.pool.Get(bot), 0)
		d.resolvers[bot.Name] = r
	}
	return r
}

// instance returns the named instance, or the first one by name when
// name is empty.
func (d *Dispatcher) instance(name string) (bots.BotInstanceConfig, error) {
	if name == "" {
		all := d.registry.List(d.platform)
		if len(all) == 0 {
			return bots.BotInstanceConfig{}, fmt.Errorf("no %s instances configured: %w", d.platform, bots.ErrUnknownInstance)
		}
		return all[0], nil
	}
	bot, ok := d.registry.Get(d.platform, name)
	if !ok {
		return bots.BotInstanceConfig{}, fmt.Errorf("%q: %w", name, bots.ErrUnknownInstance)
	}
	return bot, nil
}

// SendMessage posts text to channelRef (name, "~name" or channel ID) and
// returns the new post ID. A non-empty threadID posts a threaded reply and
// bypasses routing. Failures are returned as *SendError.
func (d *Dispatcher) SendMessage(ctx context.Context, channelRef, text, instanceName, threadID string) (string, error) {
	ctx, span := d.tracer.Start(ctx, "channels.SendMessage", trace.WithAttributes(
		attribute.String("channel.ref", channelRef),
		attribute.String("bot.instance", instanceName),
		attribute.Bool("thread", threadID != ""),
	))
	defer span.End()

	id, err := d.send(ctx, channelRef, text, instanceName, threadID, threadID == "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return id, err
}

// send posts text. With routed set the router may move the message to the
// instance default channel.
func (d *Dispatcher) send(ctx context.Context, channelRef, text, instanceName, threadID string, routed bool) (string, error) {
	bot, err := d.instance(instanceName)
	if err != nil {
		return "", &SendError{Instance: instanceName, Err: err}
	}

	resolver := d.Resolver(bot)
	channelID, err := resolver.Resolve(ctx, channelRef)
	if err != nil {
		return "", &SendError{Instance: bot.Name, Err: err}
	}

	if routed && d.router.Enabled() && bot.DefaultChannel != "" {
		channelID = d.route(ctx, bot, resolver, channelID, channelRef, text)
	}

	if err := d.limiter.Wait(ctx, bot); err != nil {
		return "", &SendError{Instance: bot.Name, ChannelID: channelID, Err: err}
	}

	post, err := d.pool.Get(bot).CreatePost(ctx, mattermost.CreatePostRequest{
		ChannelID: channelID,
		Message:   text,
		RootID:    threadID,
	})
	d.metrics.sent(bot.Name, err)
	if err != nil {
		return "", &SendError{Instance: bot.Name, ChannelID: channelID, Err: err}
	}
	slog.Debug("message sent", "instance", bot.Name, "channel_id", channelID, "post_id", post.ID)
	return post.ID, nil
}

// route picks between the explicit target and the instance default channel.
func (d *Dispatcher) route(ctx context.Context, bot bots.BotInstanceConfig, resolver *Resolver, channelID, channelRef, text string) string {
	defaultID, err := resolver.Resolve(ctx, bot.DefaultChannel)
	if err != nil {
		slog.Debug("default channel unresolved, skipping routing", "instance", bot.Name, "error", err)
		return channelID
	}
	if defaultID == channelID {
		return channelID
	}
	picked := d.router.PickBestChannel(ctx, []RoutingCandidate{
		{ChannelID: channelID, Metadata: d.candidateMetadata(channelRef, channelID, "explicit")},
		{ChannelID: defaultID, Metadata: d.candidateMetadata(bot.DefaultChannel, defaultID, "default")},
	}, map[string]any{"instance": bot.Name, "text": text})
	if picked != channelID {
		slog.Info("message rerouted", "instance", bot.Name, "from", channelID, "to", picked)
	}
	return picked
}

// candidateMetadata describes a routing candidate to the scorer: its ref
// and role plus the configured priority and last seen activity, if any.
func (d *Dispatcher) candidateMetadata(ref, channelID, role string) map[string]any {
	md := map[string]any{"ref": ref, "role": role}
	if p, ok := d.router.priority(ref, channelID); ok {
		md["priority"] = p
	}
	if at, ok := d.lastActivity(channelID); ok {
		md["last_activity"] = at
	}
	return md
}

// BroadcastAnnouncement sends text to channelRef from every instance of
// the platform. Broadcasts always land in channelRef and are never routed.
// Failures are logged and collected; delivery continues.
func (d *Dispatcher) BroadcastAnnouncement(ctx context.Context, channelRef, text string) BroadcastResult {
	ctx, span := d.tracer.Start(ctx, "channels.BroadcastAnnouncement", trace.WithAttributes(
		attribute.String("channel.ref", channelRef),
	))
	defer span.End()

	res := BroadcastResult{Delivered: make(map[string]string), Failed: make(map[string]error)}
	for _, bot := range d.registry.List(d.platform) {
		id, err := d.send(ctx, channelRef, text, bot.Name, "", false)
		if err != nil {
			slog.Warn("broadcast delivery failed", "instance", bot.Name, "channel", channelRef, "error", err)
			res.Failed[bot.Name] = err
			continue
		}
		res.Delivered[bot.Name] = id
	}
	span.SetAttributes(
		attribute.Int("broadcast.delivered", len(res.Delivered)),
		attribute.Int("broadcast.failed", len(res.Failed)),
	)
	return res
}

// SendTyping shows a typing indicator. Failures are logged at debug level.
func (d *Dispatcher) SendTyping(ctx context.Context, channelID, instanceName string) {
	bot, err := d.instance(instanceName)
	if err != nil {
		slog.Debug("typing indicator skipped", "instance", instanceName, "error", err)
		return
	}
	if err := d.pool.Get(bot).SendTyping(ctx, channelID, ""); err != nil {
		var apiErr *mattermost.APIError
		if errors.As(err, &apiErr) {
			slog.Debug("typing indicator rejected", "instance", bot.Name, "status", apiErr.StatusCode)
			return
		}
		slog.Debug("typing indicator failed", "instance", bot.Name, "error", err)
	}
}
