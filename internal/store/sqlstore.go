package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dialect captures the SQL differences between supported databases.
type Dialect struct {
	Name string
	// Placeholder returns the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

// SQLBotStore implements BotStore over database/sql.
type SQLBotStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLBotStore wraps an open, migrated database.
func NewSQLBotStore(db *sql.DB, dialect Dialect) *SQLBotStore {
	return &SQLBotStore{db: db, dialect: dialect}
}

const botColumns = "id, name, message_provider, platform_config, enabled, created_at, updated_at"

// q rewrites ? placeholders for the dialect.
func (s *SQLBotStore) q(query string) string {
	if s.dialect.Placeholder == nil {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLBotStore) List(ctx context.Context) ([]BotInstanceData, error) {
	return s.query(ctx, "SELECT "+botColumns+" FROM bot_instances ORDER BY name")
}

func (s *SQLBotStore) ListEnabled(ctx context.Context) ([]BotInstanceData, error) {
	return s.query(ctx, s.q("SELECT "+botColumns+" FROM bot_instances WHERE enabled = ? ORDER BY name"), true)
}

func (s *SQLBotStore) Get(ctx context.Context, name string) (*BotInstanceData, error) {
	rows, err := s.query(ctx, s.q("SELECT "+botColumns+" FROM bot_instances WHERE name = ?"), name)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return &rows[0], nil
}

// Upsert inserts or updates by name. ID and CreatedAt are assigned on insert
// and written back into inst.
func (s *SQLBotStore) Upsert(ctx context.Context, inst *BotInstanceData) error {
	if strings.TrimSpace(inst.Name) == "" {
		return errors.New("bot instance name is required")
	}
	if inst.ID == uuid.Nil {
		inst.ID = uuid.Must(uuid.NewV7())
	}
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	cfg := string(inst.PlatformConfig)
	if cfg == "" {
		cfg = "{}"
	}

	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO bot_instances (`+botColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			message_provider = excluded.message_provider,
			platform_config = excluded.platform_config,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`),
		inst.ID, inst.Name, inst.MessageProvider, cfg, inst.Enabled,
		inst.CreatedAt.UnixMilli(), inst.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert bot instance %q: %w", inst.Name, err)
	}

	// On conflict the stored id and created_at win.
	stored, err := s.Get(ctx, inst.Name)
	if err != nil {
		return err
	}
	inst.ID, inst.CreatedAt = stored.ID, stored.CreatedAt
	return nil
}

func (s *SQLBotStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM bot_instances WHERE name = ?"), name)
	if err != nil {
		return fmt.Errorf("delete bot instance %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return nil
}

func (s *SQLBotStore) Close() error { return s.db.Close() }

func (s *SQLBotStore) query(ctx context.Context, query string, args ...any) ([]BotInstanceData, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bot instances: %w", err)
	}
	defer rows.Close()

	var out []BotInstanceData
	for rows.Next() {
		var (
			d                BotInstanceData
			cfg              []byte
			created, updated int64
		)
		if err := rows.Scan(&d.ID, &d.Name, &d.MessageProvider, &cfg, &d.Enabled, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan bot instance: %w", err)
		}
		d.PlatformConfig = cfg
		d.CreatedAt = time.UnixMilli(created).UTC()
		d.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}
