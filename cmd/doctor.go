package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/mattermost"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, database and bot connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) {
	fmt.Println("chatbridge doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults and env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
		return
	}
	fmt.Printf("  Routing:  %v\n", cfg.Routing.Enabled)
	handlerState := "listen only (no webhook_url)"
	if cfg.Handler.WebhookURL != "" {
		handlerState = cfg.Handler.WebhookURL
	}
	fmt.Printf("  Handler:  %s\n", handlerState)

	fmt.Println()
	fmt.Println("  Database:")
	checkDatabase(cfg)

	bs, err := openBotStore(cfg)
	if err != nil {
		fmt.Printf("    %-12s %s\n", "Store:", err)
	}
	if bs != nil {
		defer bs.Close()
	}

	fmt.Println()
	fmt.Println("  Bot instances:")
	registry, err := loadRegistry(ctx, cfg, bs)
	if err != nil {
		fmt.Printf("    %s\n", err)
		return
	}
	list := registry.List(mattermost.Platform)
	if len(list) == 0 {
		fmt.Println("    (none)")
		return
	}
	for i, probe := range probeAll(ctx, list) {
		fmt.Printf("    %-16s %s\n", list[i].Name+":", probe)
	}
}

func checkDatabase(cfg *config.Config) {
	if cfg.Database.Driver == "" {
		fmt.Printf("    %-12s none (bots from config file only)\n", "Driver:")
		return
	}
	fmt.Printf("    %-12s %s\n", "Driver:", cfg.Database.Driver)

	m, err := newMigrator()
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer m.Close()

	status, err := store.CheckSchema(m)
	switch {
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case status.Err() != nil:
		fmt.Printf("    %-12s %s\n", "Schema:", status.Err())
	case status.NeedsMigration:
		fmt.Printf("    %-12s v%d (upgrade needed, run: chatbridge migrate up)\n", "Schema:", status.CurrentVersion)
	default:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", status.CurrentVersion)
	}
}
