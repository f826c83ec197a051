package cmd

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	var channel, instance, thread string
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Post a message to a channel as one bot instance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, closeStore, err := newDispatcher(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			id, err := d.SendMessage(cmd.Context(), channel, strings.Join(args, " "), instance, thread)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&channel, "channel", "c", "", "channel name or id (required)")
	cmd.Flags().StringVarP(&instance, "instance", "i", "", "bot instance (default: first by name)")
	cmd.Flags().StringVar(&thread, "thread", "", "root post id to reply under")
	cmd.MarkFlagRequired("channel")
	return cmd
}

func broadcastCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "broadcast <text>",
		Short: "Post a message to a channel from every bot instance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, closeStore, err := newDispatcher(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			res := d.BroadcastAnnouncement(cmd.Context(), channel, strings.Join(args, " "))

			green := color.New(color.FgGreen).SprintFunc()
			red := color.New(color.FgRed).SprintFunc()
			var rows [][]cell
			for _, name := range sortedKeys(res.Delivered) {
				rows = append(rows, []cell{plain(name), {text: "delivered", paint: green}, plain(res.Delivered[name])})
			}
			for _, name := range sortedKeys(res.Failed) {
				rows = append(rows, []cell{plain(name), {text: "failed", paint: red}, plain(res.Failed[name].Error())})
			}
			printTable(os.Stdout, []string{"INSTANCE", "RESULT", "DETAIL"}, rows)

			if len(res.Delivered) == 0 && len(res.Failed) > 0 {
				return errors.New("broadcast failed on every instance")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&channel, "channel", "c", "", "channel name or id (required)")
	cmd.MarkFlagRequired("channel")
	return cmd
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
