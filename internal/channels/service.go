package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
	"github.com/nextlevelbuilder/chatbridge/internal/mattermost"
)

// ServiceOptions configures a Service. Zero values select defaults.
type ServiceOptions struct {
	Platform       string // default mattermost.Platform
	RoutingEnabled bool
	Scorer         Scorer
	Priorities     map[string]string // channel ref → priority tag
	Clients        ClientFactory
	Metrics        *Metrics
	Manager        ManagerOptions
	Pipeline       PipelineOptions
}

// Service wires the registry, connection manager, ingestion pipeline and
// dispatcher of one platform. Build a new Service to apply new config.
type Service struct {
	platform   string
	registry   *bots.Registry
	pool       *ClientPool
	manager    *ConnectionManager
	pipeline   *Pipeline
	dispatcher *Dispatcher
	router     *Router

	mu          sync.Mutex
	started     bool
	stopped     bool
	runCancel   context.CancelFunc
	runDone     chan struct{}
	connectErrs map[string]error
}

// NewService builds a service over registry. handler receives every
// message that passes the ingestion filters.
func NewService(registry *bots.Registry, handler Handler, opts ServiceOptions) *Service {
	if opts.Platform == "" {
		opts.Platform = mattermost.Platform
	}
	if opts.Manager.Metrics == nil {
		opts.Manager.Metrics = opts.Metrics
	}
	if opts.Pipeline.Metrics == nil {
		opts.Pipeline.Metrics = opts.Metrics
	}

	pool := NewClientPool(opts.Clients)
	router := NewRouter(opts.RoutingEnabled, opts.Scorer, WithPriorities(opts.Priorities))
	dispatcher := NewDispatcher(registry, opts.Platform, pool, router, opts.Metrics)
	return &Service{
		platform:    opts.Platform,
		registry:    registry,
		pool:        pool,
		manager:     NewConnectionManager(pool, opts.Manager),
		pipeline:    NewPipeline(pool, dispatcher, handler, opts.Pipeline),
		dispatcher:  dispatcher,
		router:      router,
		connectErrs: make(map[string]error),
	}
}

// Dispatcher returns the outbound dispatcher.
func (s *Service) Dispatcher() *Dispatcher { return s.dispatcher }

// Router returns the channel router.
func (s *Service) Router() *Router { return s.router }

// Registry returns the bot registry.
func (s *Service) Registry() *bots.Registry { return s.registry }

// Start loads the registry if needed, connects every instance and starts
// ingestion. An instance that fails to connect is logged and skipped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("service already started")
	}
	s.started = true
	s.mu.Unlock()

	if !s.registry.Loaded() {
		if err := s.registry.Load(ctx); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.pipeline.Run(runCtx, s.manager.Events())
	}()

	instances := s.registry.List(s.platform)
	if len(instances) == 0 {
		slog.Warn("no bot instances configured", "platform", s.platform)
	}

	// Connect failures are recorded per instance and never cancel siblings.
	var g errgroup.Group
	for _, bot := range instances {
		g.Go(func() error {
			if err := s.manager.Connect(ctx, bot); err != nil {
				slog.Error("instance failed to connect", "instance", bot.Name, "error", err)
				s.mu.Lock()
				s.connectErrs[bot.Name] = err
				s.mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	s.runCancel = cancel
	s.runDone = done
	s.mu.Unlock()

	slog.Info("chat service started", "platform", s.platform, "instances", len(instances))
	return nil
}

// Shutdown disconnects every instance, drains the queue and waits for
// in-flight handler calls until ctx is done. Safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, done := s.runCancel, s.runDone
	s.mu.Unlock()

	s.manager.Close()
	if done != nil {
		<-done
		cancel()
	}

	waited := make(chan struct{})
	go func() {
		s.pipeline.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		slog.Info("chat service stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight handlers: %w", ctx.Err())
	}
}

// Status reports every configured instance, connected or not, sorted by name.
func (s *Service) Status() []ConnectionState {
	live := make(map[string]ConnectionState)
	for _, st := range s.manager.Status() {
		live[st.Instance] = st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ConnectionState
	for _, bot := range s.registry.List(s.platform) {
		st, ok := live[bot.Name]
		if !ok {
			st = ConnectionState{Instance: bot.Name}
			if err := s.connectErrs[bot.Name]; err != nil {
				st.LastError = err.Error()
			}
		}
		out = append(out, st)
	}
	return out
}
