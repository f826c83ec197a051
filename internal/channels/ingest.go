package channels

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chatbridge/internal/mattermost"
)

const defaultHandlerTimeout = 2 * time.Minute

// PipelineOptions tunes a Pipeline. Zero values select defaults.
type PipelineOptions struct {
	HistoryLimit   int
	HandlerTimeout time.Duration
	Metrics        *Metrics
}

// Pipeline filters inbound events and invokes the handler for the ones
// that survive. Handler calls run concurrently; replies are posted back as
// threaded replies through the dispatcher.
type Pipeline struct {
	pool       *ClientPool
	dispatcher *Dispatcher
	handler    Handler
	opts       PipelineOptions
	metrics    *Metrics
	tracer     trace.Tracer

	wg sync.WaitGroup
}

// NewPipeline creates a pipeline.
func NewPipeline(pool *ClientPool, dispatcher *Dispatcher, handler Handler, opts PipelineOptions) *Pipeline {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = defaultHandlerTimeout
	}
	return &Pipeline{
		pool:       pool,
		dispatcher: dispatcher,
		handler:    handler,
		opts:       opts,
		metrics:    opts.Metrics,
		tracer:     otel.Tracer(tracerName),
	}
}

// Run consumes events until ctx is done or the queue is closed.
func (p *Pipeline) Run(ctx context.Context, events <-chan InboundEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.Ingest(ctx, ev)
		}
	}
}

// Wait blocks until every in-flight handler call has finished.
func (p *Pipeline) Wait() { p.wg.Wait() }

// Ingest filters one event and, when it qualifies, starts the handler call
// in the background. Reports whether the handler was started.
func (p *Pipeline) Ingest(ctx context.Context, ev InboundEvent) bool {
	instance := ev.Session.Instance
	if ev.Event != mattermost.EventPosted || ev.Post == nil {
		slog.Debug("ignoring non-posted event", "instance", instance, "event", ev.Event)
		p.metrics.dropped(instance, DropNotPosted)
		return false
	}

	p.dispatcher.recordActivity(ev.Post.ChannelID, ev.Post.CreatedAt())

	msg := Normalize(ev)
	switch {
	case msg.IsFromBot:
		p.metrics.dropped(instance, DropFromBot)
		return false
	case msg.AuthorID == ev.Session.SelfUserID:
		p.metrics.dropped(instance, DropSelf)
		return false
	case msg.Timestamp.Before(ev.Session.JoinTimestamp):
		slog.Debug("dropping backlog post", "instance", instance, "post_id", msg.ID,
			"created_at", msg.Timestamp, "joined_at", ev.Session.JoinTimestamp)
		p.metrics.dropped(instance, DropBacklog)
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.process(context.WithoutCancel(ctx), ev, msg)
	}()
	return true
}

// Normalize converts an inbound post event into a NormalizedMessage.
func Normalize(ev InboundEvent) NormalizedMessage {
	msg := normalizePost(ev.Post)
	msg.AuthorName = strings.TrimPrefix(ev.SenderName, "@")
	msg.Mentions, msg.IsMention = DetectMentions(msg.Text, ev.Bot.Username, ev.Session.SelfUsername)
	return msg
}

func normalizePost(post *mattermost.Post) NormalizedMessage {
	return NormalizedMessage{
		ID:        post.ID,
		Text:      post.Message,
		ChannelID: post.ChannelID,
		RootID:    post.RootID,
		AuthorID:  post.UserID,
		Timestamp: post.CreatedAt(),
		IsFromBot: post.FromBot(),
	}
}

func (p *Pipeline) process(ctx context.Context, ev InboundEvent, msg NormalizedMessage) {
	bot := ev.Bot
	dispatchID := uuid.NewString()
	log := slog.With("instance", bot.Name, "post_id", msg.ID, "dispatch_id", dispatchID)

	ctx, cancel := context.WithTimeout(ctx, p.opts.HandlerTimeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "channels.HandleMessage", trace.WithAttributes(
		attribute.String("bot.instance", bot.Name),
		attribute.String("post.id", msg.ID),
		attribute.String("dispatch.id", dispatchID),
		attribute.Bool("post.mention", msg.IsMention),
	))
	defer span.End()

	p.dispatcher.SendTyping(ctx, msg.ChannelID, bot.Name)

	history, err := p.history(ctx, ev, msg)
	if err != nil {
		log.Warn("history fetch failed, continuing without history", "error", err)
		history = nil
	}

	start := time.Now()
	reply, err := p.invoke(ctx, msg, history, ev)
	if err != nil {
		herr := &HandlerError{Instance: bot.Name, MessageID: msg.ID, Err: err}
		log.Error("handler failed", "error", herr)
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
		p.metrics.handled(bot.Name, "error", time.Since(start))
		return
	}
	p.metrics.handled(bot.Name, "ok", time.Since(start))

	if strings.TrimSpace(reply) == "" {
		return
	}
	if _, err := p.dispatcher.SendMessage(ctx, msg.ChannelID, reply, bot.Name, msg.ThreadID()); err != nil {
		log.Error("reply delivery failed", "error", err)
		span.RecordError(err)
	}
}

func (p *Pipeline) invoke(ctx context.Context, msg NormalizedMessage, history []NormalizedMessage, ev InboundEvent) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.handler.HandleMessage(ctx, msg, history, ev.Bot)
}

// history returns up to HistoryLimit posts preceding msg in its channel,
// oldest first.
func (p *Pipeline) history(ctx context.Context, ev InboundEvent, msg NormalizedMessage) ([]NormalizedMessage, error) {
	limit := p.opts.HistoryLimit
	list, err := p.pool.Get(ev.Bot).GetPostsForChannel(ctx, msg.ChannelID, 0, limit+1)
	if err != nil {
		return nil, err
	}

	out := make([]NormalizedMessage, 0, limit)
	for _, post := range list.Ordered() {
		if post.ID == msg.ID {
			continue
		}
		out = append(out, normalizePost(post))
		if len(out) == limit {
			break
		}
	}
	slices.Reverse(out)
	return out, nil
}
