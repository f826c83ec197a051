// Package store persists bot definitions in SQL so instances can be managed
// without editing the config file. The pg and sqlite subpackages provide
// the database drivers and migrations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
)

// ErrNotFound is returned when a bot instance does not exist.
var ErrNotFound = errors.New("bot instance not found")

// BotInstanceData is a stored bot definition.
type BotInstanceData struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	MessageProvider string          `json:"message_provider"`
	PlatformConfig  json.RawMessage `json:"platform_config"`
	Enabled         bool            `json:"enabled"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// BotStore manages stored bot definitions.
type BotStore interface {
	List(ctx context.Context) ([]BotInstanceData, error)
	ListEnabled(ctx context.Context) ([]BotInstanceData, error)
	Get(ctx context.Context, name string) (*BotInstanceData, error)
	Upsert(ctx context.Context, inst *BotInstanceData) error
	Delete(ctx context.Context, name string) error
	Close() error
}

// Provider adapts a BotStore to bots.ConfigProvider.
type Provider struct {
	Store BotStore
}

// GetAllBots returns the enabled stored definitions.
func (p Provider) GetAllBots(ctx context.Context) ([]bots.BotDefinition, error) {
	rows, err := p.Store.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]bots.BotDefinition, 0, len(rows))
	for _, r := range rows {
		out = append(out, bots.BotDefinition{
			Name:            r.Name,
			MessageProvider: r.MessageProvider,
			PlatformConfig:  r.PlatformConfig,
		})
	}
	return out, nil
}

// MultiProvider concatenates the definitions of several providers in order.
// Name clashes surface as duplicate-name errors at registry load.
type MultiProvider []bots.ConfigProvider

// GetAllBots implements bots.ConfigProvider.
func (m MultiProvider) GetAllBots(ctx context.Context) ([]bots.BotDefinition, error) {
	var out []bots.BotDefinition
	for _, p := range m {
		defs, err := p.GetAllBots(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, defs...)
	}
	return out, nil
}
