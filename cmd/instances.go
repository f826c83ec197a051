package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/mattermost"
)

const probeTimeout = 10 * time.Second

func instancesCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List configured bot instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			bs, err := openBotStore(cfg)
			if err != nil {
				return err
			}
			if bs != nil {
				defer bs.Close()
			}
			registry, err := loadRegistry(cmd.Context(), cfg, bs)
			if err != nil {
				return err
			}

			list := registry.List(mattermost.Platform)
			if len(list) == 0 {
				fmt.Println("no bot instances configured")
				return nil
			}

			var probes []string
			if check {
				probes = probeAll(cmd.Context(), list)
			}
			printInstances(list, probes)
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "verify each instance's token against the server")
	return cmd
}

// probeAll runs the identity probe for every instance concurrently. A
// failed probe is reported in its row and does not stop the others.
func probeAll(ctx context.Context, list []bots.BotInstanceConfig) []string {
	pool := channels.NewClientPool(nil)
	out := make([]string, len(list))
	var g errgroup.Group
	for i, bot := range list {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			me, err := pool.Get(bot).GetMe(pctx)
			if err != nil {
				out[i] = "error: " + err.Error()
				return nil
			}
			out[i] = "ok @" + me.Username
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func printInstances(list []bots.BotInstanceConfig, probes []string) {
	header := []string{"NAME", "PLATFORM", "SERVER", "DEFAULT CHANNEL", "USERNAME", "RATE"}
	if probes != nil {
		header = append(header, "STATUS")
	}
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	rows := make([][]cell, 0, len(list))
	for i, b := range list {
		rate := "-"
		if b.RateLimit > 0 {
			rate = fmt.Sprintf("%g/s", b.RateLimit)
		}
		row := []cell{
			plain(b.Name), plain(b.Platform), plain(b.ServerURL),
			plain(orDash(b.DefaultChannel)), plain(orDash(b.Username)), plain(rate),
		}
		if probes != nil {
			paint := green
			if strings.HasPrefix(probes[i], "error") {
				paint = red
			}
			row = append(row, cell{text: probes[i], paint: paint})
		}
		rows = append(rows, row)
	}
	printTable(os.Stdout, header, rows)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
