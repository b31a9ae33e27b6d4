package cmd

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/agentmon/internal/ipc"
	"github.com/theirongolddev/agentmon/internal/model"
	"github.com/theirongolddev/agentmon/internal/tui"
)

var flagWatchTheme string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live terminal view of sessions and events",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&flagWatchTheme, "theme", "flexoki-dark", "Color theme (flexoki-dark, terminal)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(_ *cobra.Command, _ []string) error {
	client, cfg, err := dialDaemon()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	// The query client above handles periodic refreshes; the event stream
	// gets its own connection since subscribe takes the connection over.
	streamClient, err := ipc.Dial(cfg.SocketPath())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan ipc.Frame, 64)
	go func() {
		defer close(frames)
		_ = streamClient.SubscribeEvents(ctx, model.EventFilter{}, func(f ipc.Frame) error {
			select {
			case frames <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
	}()

	prog := tea.NewProgram(
		tui.NewWatch(client, frames, flagWatchTheme),
		tea.WithAltScreen(),
	)
	if _, err := prog.Run(); err != nil {
		return fmt.Errorf("watch view: %w", err)
	}
	cancel()
	_ = streamClient.Close()
	return nil
}
