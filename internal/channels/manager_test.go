package channels

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
	"github.com/nextlevelbuilder/chatbridge/internal/mattermost"
)

// frozenClock always returns the same instant.
func frozenClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newManager(f *fixture, now func() time.Time) *ConnectionManager {
	m := NewConnectionManager(f.pool, ManagerOptions{
		QueueSize:      4,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Now:            now,
	})
	return m
}

func nextEvent(t *testing.T, m *ConnectionManager) InboundEvent {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
		return InboundEvent{}
	}
}

func TestConnectionManager_ConnectAndForward(t *testing.T) {
	f := newFixture(t, nil, salesBot)
	m := newManager(f, frozenClock(t0))
	t.Cleanup(m.Close)

	if err := m.Connect(context.Background(), f.bot(t, "sales-bot")); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	st, ok := m.State("sales-bot")
	if !ok || !st.Connected || st.SelfUserID != salesUserID || st.SelfUsername != "sales-bot" || !st.JoinTimestamp.Equal(t0) {
		t.Fatalf("state = %+v", st)
	}
	waitFor(t, "socket registered", func() bool { return f.srv.Connections(salesToken) == 1 })

	// Noise and malformed frames are skipped without closing the stream.
	for _, frame := range []string{`{"event":"typing","data":{}}`, `garbage`, `{"event":"posted","data":{"post":"{bad"}}`} {
		if err := f.srv.Push(salesToken, []byte(frame)); err != nil {
			t.Fatal(err)
		}
	}
	post := postAt(aliceUserID, t0.Add(time.Second), "hello")
	if err := f.srv.PushPost(salesToken, mattermost.EventPosted, post, "@alice"); err != nil {
		t.Fatal(err)
	}

	ev := nextEvent(t, m)
	if ev.Event != mattermost.EventPosted || ev.Post.ID != post.ID || ev.SenderName != "@alice" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Session.SelfUserID != salesUserID || !ev.Session.JoinTimestamp.Equal(t0) || ev.Bot.Name != "sales-bot" {
		t.Errorf("session = %+v", ev.Session)
	}
	if f.srv.Dials(salesToken) != 1 {
		t.Errorf("dials = %d", f.srv.Dials(salesToken))
	}
}

func TestConnectionManager_ConnectFailures(t *testing.T) {
	f := newFixture(t, nil, salesBot)
	m := newManager(f, nil)
	t.Cleanup(m.Close)

	bad := bots.BotInstanceConfig{Name: "ghost", ServerURL: f.srv.URL, AuthToken: "revoked"}
	err := m.Connect(context.Background(), bad)
	var cerr *ConnectionError
	if !errors.As(err, &cerr) || cerr.Op != "identity probe" {
		t.Fatalf("expected identity probe ConnectionError, got %v", err)
	}
	if mattermost.StatusCode(err) != http.StatusUnauthorized {
		t.Errorf("cause status = %d", mattermost.StatusCode(err))
	}
	if _, ok := m.State("ghost"); ok {
		t.Error("failed instance should not be tracked")
	}
	if f.srv.Dials("revoked") != 0 {
		t.Error("stream must not be opened after a failed probe")
	}

	// A sibling is unaffected.
	if err := m.Connect(context.Background(), f.bot(t, "sales-bot")); err != nil {
		t.Fatalf("Connect sales-bot: %v", err)
	}
	if err := m.Connect(context.Background(), f.bot(t, "sales-bot")); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect = %v, want ErrAlreadyConnected", err)
	}
	if f.srv.Dials(salesToken) != 1 {
		t.Errorf("dials = %d, want 1", f.srv.Dials(salesToken))
	}
}

func TestConnectionManager_ReconnectAdvancesJoinTimestamp(t *testing.T) {
	f := newFixture(t, nil, salesBot)
	m := newManager(f, frozenClock(t0))
	t.Cleanup(m.Close)

	if err := m.Connect(context.Background(), f.bot(t, "sales-bot")); err != nil {
		t.Fatal(err)
	}

	joins := []time.Time{t0}
	for round := 2; round <= 3; round++ {
		waitFor(t, "socket registered", func() bool { return f.srv.Connections(salesToken) == 1 })
		f.srv.DropConnections(salesToken)
		waitFor(t, "reconnect", func() bool {
			st, _ := m.State("sales-bot")
			return f.srv.Dials(salesToken) == round && st.Connected
		})
		st, _ := m.State("sales-bot")
		joins = append(joins, st.JoinTimestamp)
	}

	for i := 1; i < len(joins); i++ {
		if !joins[i].After(joins[i-1]) {
			t.Errorf("join[%d] = %v not after join[%d] = %v", i, joins[i], i-1, joins[i-1])
		}
	}
	if st, _ := m.State("sales-bot"); st.Reconnects != 2 {
		t.Errorf("reconnects = %d, want 2", st.Reconnects)
	}
	if n := f.srv.Requests(http.MethodGet, "/api/v4/users/me"); n != 3 {
		t.Errorf("identity probes = %d, want one per session", n)
	}

	// Events after the reconnect carry the new session.
	waitFor(t, "socket registered", func() bool { return f.srv.Connections(salesToken) == 1 })
	if err := f.srv.PushPost(salesToken, mattermost.EventPosted, postAt(aliceUserID, t0, "x"), ""); err != nil {
		t.Fatal(err)
	}
	if ev := nextEvent(t, m); !ev.Session.JoinTimestamp.Equal(joins[2]) {
		t.Errorf("event session join = %v, want %v", ev.Session.JoinTimestamp, joins[2])
	}
}

func TestConnectionManager_DisconnectStopsReconnect(t *testing.T) {
	f := newFixture(t, nil, salesBot)
	m := newManager(f, nil)
	t.Cleanup(m.Close)

	if err := m.Connect(context.Background(), f.bot(t, "sales-bot")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "socket registered", func() bool { return f.srv.Connections(salesToken) == 1 })

	m.Disconnect("sales-bot")
	m.Disconnect("sales-bot")
	m.Disconnect("never-connected")

	if _, ok := m.State("sales-bot"); ok {
		t.Error("instance still tracked after Disconnect")
	}
	waitFor(t, "socket closed", func() bool { return f.srv.Connections(salesToken) == 0 })
	time.Sleep(100 * time.Millisecond)
	if f.srv.Dials(salesToken) != 1 {
		t.Errorf("dials = %d after Disconnect, want 1", f.srv.Dials(salesToken))
	}

	if err := m.Connect(context.Background(), f.bot(t, "sales-bot")); err != nil {
		t.Fatalf("reconnect after Disconnect: %v", err)
	}
}

func TestConnectionManager_NextJoinIsStrictlyIncreasing(t *testing.T) {
	m := NewConnectionManager(NewClientPool(nil), ManagerOptions{Now: frozenClock(t0)})
	a := m.nextJoin("x")
	b := m.nextJoin("x")
	c := m.nextJoin("y")
	if !b.After(a) {
		t.Errorf("second join %v not after %v", b, a)
	}
	if !c.Equal(t0) {
		t.Errorf("instances are independent, got %v", c)
	}
}

// blockingStream never delivers a frame and records pings.
type blockingStream struct {
	mu     sync.Mutex
	pings  int
	fail   bool
	closed chan struct{}
	once   sync.Once
}

func (s *blockingStream) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errors.New("closed")
	}
}

func (s *blockingStream) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	if s.fail {
		return errors.New("pong timeout")
	}
	return nil
}

func (s *blockingStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type streamClient struct {
	countingClient
	streams chan EventStream
}

func (c *streamClient) OpenStream(context.Context) (EventStream, error) {
	return <-c.streams, nil
}

func TestConnectionManager_KeepalivePingFailureReconnects(t *testing.T) {
	first := &blockingStream{fail: true, closed: make(chan struct{})}
	second := &blockingStream{closed: make(chan struct{})}
	client := &streamClient{streams: make(chan EventStream, 2)}
	client.streams <- first
	client.streams <- second

	pool := NewClientPool(func(bots.BotInstanceConfig) PlatformClient { return client })
	m := NewConnectionManager(pool, ManagerOptions{
		KeepaliveInterval: 20 * time.Millisecond,
		InitialBackoff:    5 * time.Millisecond,
	})
	t.Cleanup(m.Close)

	if err := m.Connect(context.Background(), bots.BotInstanceConfig{Name: "sales-bot"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "reconnect on second stream", func() bool {
		second.mu.Lock()
		defer second.mu.Unlock()
		return second.pings > 0
	})
	select {
	case <-first.closed:
	default:
		t.Error("first stream should be closed after failed ping")
	}
}

func TestConnectionManager_CloseClosesQueue(t *testing.T) {
	f := newFixture(t, nil, salesBot)
	m := newManager(f, nil)
	if err := m.Connect(context.Background(), f.bot(t, "sales-bot")); err != nil {
		t.Fatal(err)
	}
	m.Close()
	m.Close()

	if _, ok := <-m.Events(); ok {
		t.Error("queue should be closed")
	}
	if err := m.Connect(context.Background(), f.bot(t, "sales-bot")); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Connect after Close = %v", err)
	}
}

// flappingStream fails its first read, as a server that accepts the socket
// and drops it straight away.
type flappingStream struct{}

func (flappingStream) Read(context.Context) ([]byte, error) {
	return nil, errors.New("connection reset")
}
func (flappingStream) Ping(context.Context) error { return nil }
func (flappingStream) Close() error               { return nil }

type flappingClient struct {
	countingClient
	mu    sync.Mutex
	opens int
}

func (c *flappingClient) OpenStream(context.Context) (EventStream, error) {
	c.mu.Lock()
	c.opens++
	c.mu.Unlock()
	return flappingStream{}, nil
}

func (c *flappingClient) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func TestConnectionManager_FlappingStreamBacksOff(t *testing.T) {
	client := &flappingClient{}
	pool := NewClientPool(func(bots.BotInstanceConfig) PlatformClient { return client })
	m := NewConnectionManager(pool, ManagerOptions{
		KeepaliveInterval: time.Hour,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
	})
	t.Cleanup(m.Close)

	if err := m.Connect(context.Background(), bots.BotInstanceConfig{Name: "sales-bot"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1500 * time.Millisecond)

	// Doubling from 50ms allows about 6 opens in 1.5s even with full
	// downward jitter; a delay reset after every open would allow ~30.
	if n := client.openCount(); n < 2 || n > 10 {
		t.Errorf("stream opens in 1.5s = %d, want between 2 and 10", n)
	}
}

func TestConnectionManager_JoinTimestampHasMillisecondPrecision(t *testing.T) {
	joinedAt := t0.Add(300 * time.Microsecond)
	m := NewConnectionManager(NewClientPool(nil), ManagerOptions{Now: frozenClock(joinedAt)})

	join := m.nextJoin("sales-bot")
	if !join.Equal(t0) {
		t.Fatalf("join = %v, want %v", join, t0)
	}
	if next := m.nextJoin("sales-bot"); !next.Equal(t0.Add(time.Millisecond)) {
		t.Errorf("second join = %v, want one millisecond later", next)
	}

	// A post created later in the same millisecond as the join is live.
	f := newFixture(t, nil, salesBot)
	p := NewPipeline(f.pool, f.dispatcher, HandlerFunc(func(context.Context, NormalizedMessage, []NormalizedMessage, bots.BotInstanceConfig) (string, error) {
		return "", nil
	}), PipelineOptions{})
	ev := eventFor(f.bot(t, "sales-bot"), postAt(aliceUserID, joinedAt.Add(300*time.Microsecond), "hi"))
	ev.Session.JoinTimestamp = join
	if !p.Ingest(context.Background(), ev) {
		t.Error("post in the join millisecond was dropped as backlog")
	}
	p.Wait()
}
