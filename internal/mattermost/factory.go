package mattermost

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
)

// Platform is the message provider name of this adapter.
const Platform = "mattermost"

// platformConfig maps the platform_config object of a bot definition.
type platformConfig struct {
	ServerURL string  `json:"server_url"`
	URL       string  `json:"url,omitempty"` // legacy alias of server_url
	Token     string  `json:"token"`
	AuthToken string  `json:"auth_token,omitempty"`
	Channel   string  `json:"channel,omitempty"`
	Username  string  `json:"username,omitempty"`
	RateLimit float64 `json:"rate_limit,omitempty"`
}

// Factory decodes Mattermost bot definitions.
type Factory struct{}

// Platform implements bots.PlatformFactory.
func (Factory) Platform() string { return Platform }

// Decode implements bots.PlatformFactory.
func (Factory) Decode(name string, raw json.RawMessage) (bots.BotInstanceConfig, error) {
	var pc platformConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &pc); err != nil {
			return bots.BotInstanceConfig{}, fmt.Errorf("decode mattermost config for %s: %w", name, err)
		}
	}

	serverURL := strings.TrimRight(strings.TrimSpace(firstNonEmpty(pc.ServerURL, pc.URL)), "/")
	if serverURL == "" {
		return bots.BotInstanceConfig{}, fmt.Errorf("mattermost server_url is required")
	}
	u, err := url.Parse(serverURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return bots.BotInstanceConfig{}, fmt.Errorf("mattermost server_url %q must be an http(s) URL", serverURL)
	}

	token := strings.TrimSpace(firstNonEmpty(pc.Token, pc.AuthToken))
	if token == "" {
		return bots.BotInstanceConfig{}, fmt.Errorf("mattermost token is required")
	}
	if pc.RateLimit < 0 {
		return bots.BotInstanceConfig{}, fmt.Errorf("mattermost rate_limit must be non-negative")
	}

	return bots.BotInstanceConfig{
		Name:           name,
		Platform:       Platform,
		ServerURL:      serverURL,
		AuthToken:      token,
		DefaultChannel: strings.TrimSpace(pc.Channel),
		Username:       strings.TrimPrefix(strings.TrimSpace(pc.Username), "@"),
		RateLimit:      pc.RateLimit,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
