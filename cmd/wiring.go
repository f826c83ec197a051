package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/mattermost"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
	"github.com/nextlevelbuilder/chatbridge/internal/store/pg"
	"github.com/nextlevelbuilder/chatbridge/internal/store/sqlite"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openBotStore opens the configured SQL bot store, nil when no driver is set.
func openBotStore(cfg *config.Config) (store.BotStore, error) {
	var (
		bs  *store.SQLBotStore
		err error
	)
	switch cfg.Database.Driver {
	case "":
		return nil, nil
	case "postgres":
		bs, err = pg.NewBotStore(cfg.Database.PostgresDSN)
	case "sqlite":
		bs, err = sqlite.NewBotStore(config.ExpandHome(cfg.Database.SQLitePath))
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s bot store: %w", cfg.Database.Driver, err)
	}
	return bs, nil
}

// botProvider merges file-defined bots with stored ones.
func botProvider(cfg *config.Config, bs store.BotStore) bots.ConfigProvider {
	if bs == nil {
		return cfg
	}
	return store.MultiProvider{cfg, store.Provider{Store: bs}}
}

func loadRegistry(ctx context.Context, cfg *config.Config, bs store.BotStore) (*bots.Registry, error) {
	registry := bots.NewRegistry(botProvider(cfg, bs), mattermost.Factory{})
	if err := registry.Load(ctx); err != nil {
		return nil, fmt.Errorf("load bot instances: %w", err)
	}
	return registry, nil
}

func newRouter(cfg *config.Config) *channels.Router {
	return channels.NewRouter(cfg.Routing.Enabled, channels.PriorityScorer{HalfLife: cfg.Routing.RecencyHalfLife()},
		channels.WithPriorities(cfg.Routing.Priorities))
}

func serviceOptions(cfg *config.Config, metrics *channels.Metrics) channels.ServiceOptions {
	return channels.ServiceOptions{
		Platform:       mattermost.Platform,
		RoutingEnabled: cfg.Routing.Enabled,
		Scorer:         channels.PriorityScorer{HalfLife: cfg.Routing.RecencyHalfLife()},
		Priorities:     cfg.Routing.Priorities,
		Metrics:        metrics,
		Manager: channels.ManagerOptions{
			KeepaliveInterval: cfg.Ingest.KeepaliveDuration(),
			QueueSize:         cfg.Ingest.QueueSize,
			MaxBackoff:        cfg.Ingest.MaxBackoffDuration(),
		},
		Pipeline: channels.PipelineOptions{
			HistoryLimit:   cfg.Ingest.HistoryLimit,
			HandlerTimeout: cfg.Ingest.HandlerTimeoutDuration(),
		},
	}
}

// newDispatcher builds a standalone dispatcher for one-shot CLI commands.
func newDispatcher(ctx context.Context) (*channels.Dispatcher, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	bs, err := openBotStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if bs != nil {
			bs.Close()
		}
	}
	registry, err := loadRegistry(ctx, cfg, bs)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	metrics := channels.NewMetrics(prometheus.NewRegistry())
	d := channels.NewDispatcher(registry, mattermost.Platform, channels.NewClientPool(nil), newRouter(cfg), metrics)
	return d, closeStore, nil
}
