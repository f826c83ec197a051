package channels

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
	"github.com/nextlevelbuilder/chatbridge/internal/mattermost"
)

// ErrManagerClosed is returned by Connect after Close.
var ErrManagerClosed = errors.New("connection manager closed")

const (
	DefaultKeepaliveInterval = 25 * time.Second
	DefaultQueueSize         = 256

	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 60 * time.Second
	pingTimeout           = 10 * time.Second
)

// ManagerOptions tunes a ConnectionManager. Zero values select defaults.
type ManagerOptions struct {
	KeepaliveInterval time.Duration
	QueueSize         int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Metrics           *Metrics
	Now               func() time.Time
}

// ConnectionManager owns one persistent event stream per bot instance and
// forwards parsed post events to a bounded queue. A full queue blocks the
// stream readers.
type ConnectionManager struct {
	pool    *ClientPool
	opts    ManagerOptions
	events  chan InboundEvent
	metrics *Metrics

	mu       sync.Mutex
	conns    map[string]*connection
	lastJoin map[string]time.Time // survives Disconnect so join times keep increasing
	closed   bool
	wg       sync.WaitGroup
}

type connection struct {
	bot    bots.BotInstanceConfig
	client PlatformClient
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.RWMutex
	state ConnectionState
}

func (c *connection) snapshot() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *connection) update(fn func(*ConnectionState)) {
	c.mu.Lock()
	fn(&c.state)
	c.mu.Unlock()
}

// NewConnectionManager creates a manager using clients from pool.
func NewConnectionManager(pool *ClientPool, opts ManagerOptions) *ConnectionManager {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ConnectionManager{
		pool:     pool,
		opts:     opts,
		events:   make(chan InboundEvent, opts.QueueSize),
		metrics:  opts.Metrics,
		conns:    make(map[string]*connection),
		lastJoin: make(map[string]time.Time),
	}
}

// Events returns the inbound queue. It is closed by Close once every stream
// reader has exited.
func (m *ConnectionManager) Events() <-chan InboundEvent { return m.events }

// Connect verifies the instance identity, opens its stream and starts the
// reader, keepalive and reconnect loop. A failure here is returned as a
// *ConnectionError and nothing keeps running for the instance.
func (m *ConnectionManager) Connect(ctx context.Context, bot bots.BotInstanceConfig) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &connection{
		bot:    bot,
		client: m.pool.Get(bot),
		cancel: cancel,
		done:   make(chan struct{}),
		state:  ConnectionState{Instance: bot.Name},
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return ErrManagerClosed
	}
	if _, ok := m.conns[bot.Name]; ok {
		m.mu.Unlock()
		cancel()
		return ErrAlreadyConnected
	}
	m.conns[bot.Name] = c
	m.wg.Add(1)
	m.mu.Unlock()

	stream, err := m.establish(ctx, c)
	if err == nil && runCtx.Err() != nil {
		stream.Close()
		err = &ConnectionError{Instance: bot.Name, Op: "open stream", Err: context.Canceled}
	}
	if err != nil {
		m.mu.Lock()
		if m.conns[bot.Name] == c {
			delete(m.conns, bot.Name)
		}
		m.mu.Unlock()
		cancel()
		close(c.done)
		m.wg.Done()
		return err
	}

	go m.run(runCtx, c, stream)
	return nil
}

// Disconnect stops the instance's stream, keepalive and any pending
// reconnect. Unknown or already disconnected instances are a no-op.
func (m *ConnectionManager) Disconnect(name string) {
	m.mu.Lock()
	c, ok := m.conns[name]
	delete(m.conns, name)
	m.mu.Unlock()
	if !ok {
		return
	}
	c.cancel()
	<-c.done
	slog.Info("instance disconnected", "instance", name)
}

// Close disconnects every instance and closes the event queue.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.Disconnect(name)
	}
	m.wg.Wait()
	close(m.events)
}

// State returns the connection state of one instance.
func (m *ConnectionManager) State(name string) (ConnectionState, bool) {
	m.mu.Lock()
	c, ok := m.conns[name]
	m.mu.Unlock()
	if !ok {
		return ConnectionState{}, false
	}
	return c.snapshot(), true
}

// Status returns the state of every managed instance sorted by name.
func (m *ConnectionManager) Status() []ConnectionState {
	m.mu.Lock()
	out := make([]ConnectionState, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

// establish runs the identity probe and opens the stream. On success the
// connection state carries a fresh join timestamp.
func (m *ConnectionManager) establish(ctx context.Context, c *connection) (EventStream, error) {
	name := c.bot.Name
	me, err := c.client.GetMe(ctx)
	if err != nil {
		return nil, m.failed(c, &ConnectionError{Instance: name, Op: "identity probe", Err: err})
	}
	stream, err := c.client.OpenStream(ctx)
	if err != nil {
		return nil, m.failed(c, &ConnectionError{Instance: name, Op: "open stream", Err: err})
	}

	join := m.nextJoin(name)
	c.update(func(s *ConnectionState) {
		s.Connected = true
		s.SelfUserID = me.ID
		s.SelfUsername = me.Username
		s.JoinTimestamp = join
		s.LastError = ""
	})
	m.metrics.setConnected(name, true)
	slog.Info("instance connected", "instance", name, "user_id", me.ID, "username", me.Username, "joined_at", join)
	return stream, nil
}

func (m *ConnectionManager) failed(c *connection, err error) error {
	c.update(func(s *ConnectionState) {
		s.Connected = false
		s.LastError = err.Error()
	})
	return err
}

// nextJoin returns now at millisecond precision, the resolution of post
// timestamps, bumped past the instance's previous join time.
func (m *ConnectionManager) nextJoin(name string) time.Time {
	now := m.opts.Now().Truncate(time.Millisecond)
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastJoin[name]; ok && !now.After(last) {
		now = last.Add(time.Millisecond)
	}
	m.lastJoin[name] = now
	return now
}

// run serves the stream and reconnects with exponential backoff until ctx
// is cancelled. The backoff carries over between sessions and only resets
// after a session that stayed up for at least one keepalive interval.
func (m *ConnectionManager) run(ctx context.Context, c *connection, stream EventStream) {
	defer m.wg.Done()
	defer close(c.done)
	name := c.bot.Name
	b := m.newBackoff()

	for {
		started := time.Now()
		err := m.serve(ctx, c, stream)
		c.update(func(s *ConnectionState) { s.Connected = false })
		m.metrics.setConnected(name, false)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= m.opts.KeepaliveInterval {
			b.Reset()
		}
		slog.Warn("instance stream closed, reconnecting", "instance", name, "error", err)

		stream = m.reconnect(ctx, c, b)
		if stream == nil {
			return
		}
	}
}

func (m *ConnectionManager) newBackoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     m.opts.InitialBackoff,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         m.opts.MaxBackoff,
	}
	b.Reset()
	return b
}

// reconnect retries establish until it succeeds or ctx is cancelled.
func (m *ConnectionManager) reconnect(ctx context.Context, c *connection, b *backoff.ExponentialBackOff) EventStream {
	for {
		delay := b.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		m.metrics.reconnect(c.bot.Name)
		c.update(func(s *ConnectionState) { s.Reconnects++ })

		stream, err := m.establish(ctx, c)
		if err == nil {
			return stream
		}
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("instance reconnect failed", "instance", c.bot.Name, "error", err)
	}
}

// serve reads frames until the stream fails. A keepalive goroutine pings
// the server and closes the stream when a ping goes unanswered.
func (m *ConnectionManager) serve(ctx context.Context, c *connection, stream EventStream) error {
	kctx, kcancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.keepalive(kctx, c.bot.Name, stream)
	}()
	defer func() {
		kcancel()
		stream.Close()
		wg.Wait()
	}()

	session := c.snapshot().Snapshot()
	for {
		data, err := stream.Read(ctx)
		if err != nil {
			return err
		}

		ev, err := mattermost.ParseEvent(data)
		if err != nil {
			serr := &StreamError{Instance: c.bot.Name, Err: err}
			if errors.Is(err, mattermost.ErrUnrecognizedEvent) {
				slog.Debug("ignoring stream frame", "instance", c.bot.Name, "error", serr)
			} else {
				slog.Warn("discarding stream frame", "instance", c.bot.Name, "error", serr)
			}
			continue
		}

		m.metrics.event(c.bot.Name, ev.Event)
		in := InboundEvent{
			Bot:        c.bot,
			Session:    session,
			Event:      ev.Event,
			Post:       ev.Post,
			SenderName: ev.SenderName,
			ReceivedAt: m.opts.Now(),
		}
		select {
		case m.events <- in:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *ConnectionManager) keepalive(ctx context.Context, name string, stream EventStream) {
	ticker := time.NewTicker(m.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := stream.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				slog.Warn("keepalive ping failed", "instance", name, "error", err)
				stream.Close()
				return
			}
		}
	}
}
