package config

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/kelseyhightower/envconfig"
	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Ingest: IngestConfig{
			HistoryLimit:      10,
			QueueSize:         256,
			KeepaliveInterval: "25s",
			HandlerTimeout:    "2m",
			MaxBackoff:        "60s",
		},
		Handler: HandlerConfig{
			Timeout: "60s",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18795,
		},
		Database: DatabaseConfig{
			SQLitePath: "~/.chatbridge/chatbridge.db",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "chatbridge",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults plus env overlays.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() error {
	groups := []struct {
		prefix string
		spec   any
	}{
		{"CHATBRIDGE_ROUTING", &c.Routing},
		{"CHATBRIDGE_INGEST", &c.Ingest},
		{"CHATBRIDGE_GATEWAY", &c.Gateway},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.spec); err != nil {
			return fmt.Errorf("env %s: %w", g.prefix, err)
		}
	}

	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CHATBRIDGE_HANDLER_URL", &c.Handler.WebhookURL)
	envStr("CHATBRIDGE_HANDLER_SECRET", &c.Handler.Secret)

	// Database
	envStr("CHATBRIDGE_DB_DRIVER", &c.Database.Driver)
	envStr("CHATBRIDGE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CHATBRIDGE_SQLITE_PATH", &c.Database.SQLitePath)

	// Telemetry
	envStr("CHATBRIDGE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CHATBRIDGE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CHATBRIDGE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CHATBRIDGE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CHATBRIDGE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Per-bot tokens keep secrets out of the file: CHATBRIDGE_BOT_SALES_BOT_TOKEN.
	for i := range c.Bots {
		key := "CHATBRIDGE_BOT_" + envName(c.Bots[i].Name) + "_TOKEN"
		if v := os.Getenv(key); v != "" {
			if c.Bots[i].PlatformConfig == nil {
				c.Bots[i].PlatformConfig = make(map[string]any)
			}
			c.Bots[i].PlatformConfig["token"] = v
		}
	}
	return nil
}

func envName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Validate checks cross-field constraints. Individual bot platform configs
// are validated by their platform factory at registry load.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{}, len(c.Bots))
	for i, b := range c.Bots {
		name := strings.TrimSpace(b.Name)
		if name == "" {
			return fmt.Errorf("%w: bots[%d]: name is required", ErrInvalid, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate bot name %q", ErrInvalid, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(b.MessageProvider) == "" {
			return fmt.Errorf("%w: bot %q: message_provider is required", ErrInvalid, name)
		}
	}

	switch c.Database.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("%w: database driver postgres requires CHATBRIDGE_POSTGRES_DSN", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown database driver %q", ErrInvalid, c.Database.Driver)
	}

	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("%w: gateway port %d out of range", ErrInvalid, c.Gateway.Port)
	}
	if c.Ingest.HistoryLimit < 0 || c.Ingest.QueueSize < 0 {
		return fmt.Errorf("%w: ingest limits must be non-negative", ErrInvalid)
	}
	for _, d := range []struct{ field, v string }{
		{"ingest.keepalive_interval", c.Ingest.KeepaliveInterval},
		{"ingest.handler_timeout", c.Ingest.HandlerTimeout},
		{"ingest.max_backoff", c.Ingest.MaxBackoff},
		{"handler.timeout", c.Handler.Timeout},
	} {
		if d.v == "" {
			continue
		}
		if _, err := strconv.Atoi(d.v); err == nil {
			return fmt.Errorf("%w: %s %q needs a unit (e.g. %ss)", ErrInvalid, d.field, d.v, d.v)
		}
		if parseDuration(d.v) == 0 {
			return fmt.Errorf("%w: %s %q is not a positive duration", ErrInvalid, d.field, d.v)
		}
	}

	for ref, p := range c.Routing.Priorities {
		if !validPriority(p) {
			return fmt.Errorf("%w: routing priority of %q: %q is not low, normal, high, urgent or a number", ErrInvalid, ref, p)
		}
	}

	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("%w: telemetry protocol %q", ErrInvalid, c.Telemetry.Protocol)
	}

	gron := gronx.New()
	for _, a := range c.Announcements {
		if a.Name == "" || a.Channel == "" || a.Text == "" {
			return fmt.Errorf("%w: announcement %q needs name, channel and text", ErrInvalid, a.Name)
		}
		if !gron.IsValid(a.Schedule) {
			return fmt.Errorf("%w: announcement %q: invalid cron schedule %q", ErrInvalid, a.Name, a.Schedule)
		}
	}
	return nil
}

func validPriority(p string) bool {
	switch strings.ToLower(p) {
	case "low", "normal", "high", "urgent":
		return true
	}
	_, err := strconv.ParseFloat(p, 64)
	return err == nil
}

// GetAllBots implements bots.ConfigProvider over the bots section.
// Disabled entries are left out.
func (c *Config) GetAllBots(_ context.Context) ([]bots.BotDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]bots.BotDefinition, 0, len(c.Bots))
	for _, b := range c.Bots {
		if b.Disabled {
			continue
		}
		raw, err := json.Marshal(b.PlatformConfig)
		if err != nil {
			return nil, fmt.Errorf("encode platform_config of %q: %w", b.Name, err)
		}
		out = append(out, bots.BotDefinition{
			Name:            b.Name,
			MessageProvider: b.MessageProvider,
			PlatformConfig:  raw,
		})
	}
	return out, nil
}

// Hash returns a short SHA-256 of the config, used to skip no-op reloads.
// Secrets excluded from JSON are covered too.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(struct {
		*Config
		Secret       string
		DSN          string
		GatewayToken string
	}{c, c.Handler.Secret, c.Database.PostgresDSN, c.Gateway.Token})
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
