package pg

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

// Runs only against a live database: CHATBRIDGE_TEST_POSTGRES_DSN=postgres://...
func TestBotStore_Postgres(t *testing.T) {
	dsn := os.Getenv("CHATBRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHATBRIDGE_TEST_POSTGRES_DSN not set")
	}
	s, err := NewBotStore(dsn)
	if err != nil {
		t.Fatalf("NewBotStore: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	name := "pg-test-bot"
	t.Cleanup(func() { _ = s.Delete(context.Background(), name) })

	inst := &store.BotInstanceData{
		Name:            name,
		MessageProvider: "mattermost",
		PlatformConfig:  json.RawMessage(`{"server_url":"https://chat.example.com","token":"t"}`),
		Enabled:         true,
	}
	if err := s.Upsert(ctx, inst); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := s.Get(ctx, name)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != inst.ID || !got.Enabled {
		t.Errorf("got %+v", got)
	}
}

func TestDialectPlaceholders(t *testing.T) {
	if got := Dialect.Placeholder(3); got != "$3" {
		t.Errorf("Placeholder(3) = %q", got)
	}
}
