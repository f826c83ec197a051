package config

import (
	"sync"
	"time"
)

// Config is the root configuration of the chatbridge service.
type Config struct {
	Bots          []BotEntry      `json:"bots"`
	Routing       RoutingConfig   `json:"routing"`
	Ingest        IngestConfig    `json:"ingest"`
	Handler       HandlerConfig   `json:"handler"`
	Gateway       GatewayConfig   `json:"gateway"`
	Database      DatabaseConfig  `json:"database,omitempty"`
	Telemetry     TelemetryConfig `json:"telemetry,omitempty"`
	Announcements []Announcement  `json:"announcements,omitempty"`
	mu            sync.RWMutex
}

// BotEntry is one bot definition in the config file. PlatformConfig is kept
// as a generic object and handed to the platform factory as JSON.
type BotEntry struct {
	Name            string         `json:"name"`
	MessageProvider string         `json:"message_provider"`
	PlatformConfig  map[string]any `json:"platform_config"`
	Disabled        bool           `json:"disabled,omitempty"`
}

// RoutingConfig holds the routing feature flag and the inputs of the
// built-in scorer.
type RoutingConfig struct {
	Enabled            bool    `json:"enabled" envconfig:"ENABLED"`
	RecencyHalfLifeMin float64 `json:"recency_half_life_min,omitempty" envconfig:"RECENCY_HALF_LIFE_MIN"` // default 60
	// Priorities maps a channel name or ID to "low", "normal", "high",
	// "urgent" or a number. Env form: "town-square:high,alerts:urgent".
	Priorities map[string]string `json:"priorities,omitempty" envconfig:"PRIORITIES"`
}

// IngestConfig tunes connection keepalive and message ingestion.
type IngestConfig struct {
	HistoryLimit      int    `json:"history_limit,omitempty" envconfig:"HISTORY_LIMIT"`           // default 10
	QueueSize         int    `json:"queue_size,omitempty" envconfig:"QUEUE_SIZE"`                 // default 256
	KeepaliveInterval string `json:"keepalive_interval,omitempty" envconfig:"KEEPALIVE_INTERVAL"` // Go duration, default "25s"
	HandlerTimeout    string `json:"handler_timeout,omitempty" envconfig:"HANDLER_TIMEOUT"`       // Go duration, default "2m"
	MaxBackoff        string `json:"max_backoff,omitempty" envconfig:"MAX_BACKOFF"`               // Go duration, default "60s"
}

// HandlerConfig points at the external message handler. With no URL the
// service only listens and never replies.
type HandlerConfig struct {
	WebhookURL  string `json:"webhook_url,omitempty"`
	Secret      string `json:"-"`                      // from env CHATBRIDGE_HANDLER_SECRET only
	Timeout     string `json:"timeout,omitempty"`      // Go duration, default "60s"
	OnlyMention bool   `json:"only_mention,omitempty"` // forward only messages mentioning the bot
}

// GatewayConfig configures the health/metrics HTTP listener.
type GatewayConfig struct {
	Host  string `json:"host" envconfig:"HOST"`
	Port  int    `json:"port" envconfig:"PORT"`
	Token string `json:"-" envconfig:"TOKEN"` // bearer token for /v1/bots, env only
}

// DatabaseConfig selects an optional SQL store for bot definitions.
// PostgresDSN is never read from the config file.
type DatabaseConfig struct {
	Driver      string `json:"driver,omitempty"`      // "", "postgres" or "sqlite"
	SQLitePath  string `json:"sqlite_path,omitempty"` // default ~/.chatbridge/chatbridge.db
	PostgresDSN string `json:"-"`                     // from env CHATBRIDGE_POSTGRES_DSN only
}

// TelemetryConfig configures OpenTelemetry export for traces.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport for local collectors
	ServiceName string            `json:"service_name,omitempty"` // default "chatbridge"
	Headers     map[string]string `json:"headers,omitempty"`
}

// Announcement is a broadcast sent from every instance on a cron schedule.
type Announcement struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"` // 5-field cron expression
	Channel  string `json:"channel"`
	Text     string `json:"text"`
}

// KeepaliveDuration returns the parsed keepalive interval, 0 for default.
func (ic IngestConfig) KeepaliveDuration() time.Duration { return parseDuration(ic.KeepaliveInterval) }

// HandlerTimeoutDuration returns the parsed handler timeout, 0 for default.
func (ic IngestConfig) HandlerTimeoutDuration() time.Duration {
	return parseDuration(ic.HandlerTimeout)
}

// MaxBackoffDuration returns the parsed reconnect backoff cap, 0 for default.
func (ic IngestConfig) MaxBackoffDuration() time.Duration { return parseDuration(ic.MaxBackoff) }

// TimeoutDuration returns the parsed webhook timeout, 0 for default.
func (hc HandlerConfig) TimeoutDuration() time.Duration { return parseDuration(hc.Timeout) }

// RecencyHalfLife returns the router's recency half-life.
func (rc RoutingConfig) RecencyHalfLife() time.Duration {
	if rc.RecencyHalfLifeMin <= 0 {
		return time.Hour
	}
	return time.Duration(rc.RecencyHalfLifeMin * float64(time.Minute))
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
