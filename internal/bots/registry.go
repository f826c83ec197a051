// Package bots holds the bot instance registry: the set of configured bot
// identities, keyed by platform and name, loaded once from an external
// configuration provider.
package bots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownInstance is returned when a bot instance name is not registered.
var ErrUnknownInstance = errors.New("unknown bot instance")

// BotInstanceConfig is one configured bot identity on a chat platform.
// Values are immutable after the registry has loaded them.
type BotInstanceConfig struct {
	Name           string  `json:"name"`
	Platform       string  `json:"platform"`
	ServerURL      string  `json:"server_url"`
	AuthToken      string  `json:"-"`
	DefaultChannel string  `json:"default_channel,omitempty"`
	Username       string  `json:"username,omitempty"`   // used for @mention detection
	RateLimit      float64 `json:"rate_limit,omitempty"` // outbound posts per second, 0 = unlimited
}

// BotDefinition is the raw shape handed out by a ConfigProvider.
type BotDefinition struct {
	Name            string          `json:"name"`
	MessageProvider string          `json:"message_provider"`
	PlatformConfig  json.RawMessage `json:"platform_config"`
}

// ConfigProvider supplies bot definitions (config file, database, ...).
type ConfigProvider interface {
	GetAllBots(ctx context.Context) ([]BotDefinition, error)
}

// PlatformFactory decodes the platform-specific part of a bot definition.
// Every platform adapter implements exactly one factory.
type PlatformFactory interface {
	Platform() string
	Decode(name string, raw json.RawMessage) (BotInstanceConfig, error)
}

// StaticProvider is a ConfigProvider over a fixed list.
type StaticProvider []BotDefinition

// GetAllBots returns the fixed list.
func (p StaticProvider) GetAllBots(context.Context) ([]BotDefinition, error) {
	out := make([]BotDefinition, len(p))
	copy(out, p)
	return out, nil
}

// Registry exposes loaded bot instances by platform and name.
type Registry struct {
	provider  ConfigProvider
	factories map[string]PlatformFactory

	mu        sync.RWMutex
	instances map[string]map[string]BotInstanceConfig // platform → name → config
	loaded    bool
}

// NewRegistry creates a registry backed by the given provider.
func NewRegistry(provider ConfigProvider, factories ...PlatformFactory) *Registry {
	r := &Registry{
		provider:  provider,
		factories: make(map[string]PlatformFactory),
		instances: make(map[string]map[string]BotInstanceConfig),
	}
	for _, f := range factories {
		r.RegisterFactory(f)
	}
	return r
}

// RegisterFactory registers a factory for a message provider (e.g. "mattermost").
func (r *Registry) RegisterFactory(f PlatformFactory) {
	r.factories[strings.ToLower(f.Platform())] = f
}

// Load fetches all bot definitions and decodes them. Definitions without a
// registered factory or with invalid platform config are skipped and logged;
// duplicate names fail the whole load. Load replaces any previous contents.
func (r *Registry) Load(ctx context.Context) error {
	defs, err := r.provider.GetAllBots(ctx)
	if err != nil {
		return fmt.Errorf("load bot definitions: %w", err)
	}

	instances := make(map[string]map[string]BotInstanceConfig)
	seen := make(map[string]struct{}, len(defs))
	registered := 0

	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			slog.Warn("bot definition without name skipped", "provider", def.MessageProvider)
			continue
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate bot instance name %q", name)
		}
		seen[name] = struct{}{}

		platform := strings.ToLower(strings.TrimSpace(def.MessageProvider))
		factory, ok := r.factories[platform]
		if !ok {
			slog.Warn("no factory for message provider", "name", name, "provider", def.MessageProvider)
			continue
		}

		cfg, err := factory.Decode(name, def.PlatformConfig)
		if err != nil {
			slog.Error("invalid bot instance config", "name", name, "provider", platform, "error", err)
			continue
		}
		cfg.Name = name
		cfg.Platform = platform

		if instances[platform] == nil {
			instances[platform] = make(map[string]BotInstanceConfig)
		}
		instances[platform][name] = cfg
		registered++
	}

	r.mu.Lock()
	r.instances = instances
	r.loaded = true
	r.mu.Unlock()

	slog.Info("bot instances loaded", "count", registered)
	return nil
}

// Loaded reports whether Load has completed successfully at least once.
func (r *Registry) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Get returns the instance registered under platform and name.
func (r *Registry) Get(platform, name string) (BotInstanceConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.instances[strings.ToLower(platform)][name]
	return cfg, ok
}

// List returns the instances of a platform sorted by name.
func (r *Registry) List(platform string) []BotInstanceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName := r.instances[strings.ToLower(platform)]
	out := make([]BotInstanceConfig, 0, len(byName))
	for _, cfg := range byName {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Platforms returns the platforms with at least one instance, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.instances))
	for p := range r.instances {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
