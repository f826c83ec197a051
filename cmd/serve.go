package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/gateway"
	"github.com/nextlevelbuilder/chatbridge/internal/handler"
	httpapi "github.com/nextlevelbuilder/chatbridge/internal/http"
	"github.com/nextlevelbuilder/chatbridge/internal/mattermost"
	"github.com/nextlevelbuilder/chatbridge/internal/scheduler"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
	"github.com/nextlevelbuilder/chatbridge/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect every bot instance and serve health and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "reload bot instances when the config file changes")
	return cmd
}

// server holds the long-lived pieces of a running bridge. Bot instances,
// routing and announcements are rebuilt on reload; the gateway listener,
// metrics registry, tracing and bot store live for the whole process.
type server struct {
	metrics  *channels.Metrics
	botStore store.BotStore
	reloader *channels.Reloader

	reloadMu sync.Mutex // serializes reload

	mu          sync.Mutex
	cfg         *config.Config
	schedCancel context.CancelFunc
	schedRuns   sync.WaitGroup
}

func runServe(ctx context.Context, watch bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bs, err := openBotStore(cfg)
	if err != nil {
		return err
	}

	s := &server{
		metrics:  channels.NewMetrics(promReg),
		botStore: bs,
		cfg:      cfg,
	}
	s.reloader = channels.NewReloader(s.buildService)

	if err := s.reloader.Start(ctx); err != nil {
		s.closeStore()
		return err
	}
	s.startScheduler(ctx, cfg.Announcements)

	gw := gateway.NewServer(cfg.Gateway, s.reloader, promReg)
	if bs != nil {
		gw.SetBotsHandler(httpapi.NewBotsHandler(bs, cfg.Gateway.Token, func() {
			go s.reload(ctx, true)
		}, mattermost.Factory{}))
	}
	gwErr := make(chan error, 1)
	go func() { gwErr <- gw.Start(ctx) }()

	if watch {
		go func() {
			if err := watchConfig(ctx, resolveConfigPath(), func() { s.reload(ctx, false) }); err != nil {
				slog.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	slog.Info("chatbridge started",
		"version", Version,
		"config", resolveConfigPath(),
		"routing", cfg.Routing.Enabled,
		"watch", watch,
	)

	select {
	case <-ctx.Done():
		slog.Info("graceful shutdown initiated")
	case err := <-gwErr:
		if err != nil {
			slog.Error("gateway failed", "error", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.stopScheduler()
	var errs []error
	errs = append(errs, s.reloader.Stop(shutdownCtx))
	errs = append(errs, shutdownTracing(shutdownCtx))
	s.closeStore()
	return errors.Join(errs...)
}

// buildService creates an unstarted Service from the current config.
func (s *server) buildService(ctx context.Context) (*channels.Service, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	registry := bots.NewRegistry(botProvider(cfg, s.botStore), mattermost.Factory{})
	if err := registry.Load(ctx); err != nil {
		return nil, fmt.Errorf("load bot instances: %w", err)
	}
	return channels.NewService(registry, handler.FromConfig(cfg.Handler), serviceOptions(cfg, s.metrics)), nil
}

// reload re-reads the config file and rebuilds the service. Unless force
// is set, an unchanged config is a no-op.
func (s *server) reload(ctx context.Context, force bool) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	next, err := loadConfig()
	if err != nil {
		slog.Error("config reload failed, keeping current config", "error", err)
		return
	}

	s.mu.Lock()
	prev := s.cfg
	if !force && next.Hash() == prev.Hash() {
		s.mu.Unlock()
		slog.Debug("config unchanged, skipping reload")
		return
	}
	s.cfg = next
	s.mu.Unlock()

	if err := s.reloader.Reload(ctx); err != nil {
		s.mu.Lock()
		s.cfg = prev
		s.mu.Unlock()
		return
	}
	s.startScheduler(ctx, next.Announcements)
}

// startScheduler replaces the running announcement scheduler, if any.
func (s *server) startScheduler(ctx context.Context, announcements []config.Announcement) {
	sched, err := scheduler.New(announcements, s.reloader)
	if err != nil {
		slog.Error("announcements disabled", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedCancel != nil {
		s.schedCancel()
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.schedCancel = cancel
	s.schedRuns.Add(1)
	go func() {
		defer s.schedRuns.Done()
		sched.Run(schedCtx)
	}()
}

// stopScheduler stops the announcement scheduler and waits for it to exit.
func (s *server) stopScheduler() {
	s.mu.Lock()
	if s.schedCancel != nil {
		s.schedCancel()
		s.schedCancel = nil
	}
	s.mu.Unlock()
	s.schedRuns.Wait()
}

func (s *server) closeStore() {
	if s.botStore != nil {
		if err := s.botStore.Close(); err != nil {
			slog.Warn("close bot store", "error", err)
		}
	}
}
