package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/agentmon/internal/cli"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and live session summary",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	client, cfg, err := dialDaemon()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	st, err := client.Status()
	if err != nil {
		return err
	}

	fmt.Println(cli.KV("Daemon", fmt.Sprintf("pid %d, version %s", st.PID, st.Version)))
	fmt.Println(cli.KV("Uptime", cli.FormatDuration(time.Since(st.StartedAt))))
	fmt.Println(cli.KV("Socket", cfg.SocketPath()))
	fmt.Println(cli.KV("Live sessions", cli.FormatNumber(int64(st.LiveSessions))))
	fmt.Println(cli.KV("Stored", fmt.Sprintf("%s sessions, %s events",
		cli.FormatNumber(st.StoredSessions), cli.FormatNumber(st.StoredEvents))))
	fmt.Println(cli.KV("Bus", fmt.Sprintf("%s published, %s dropped, %d subscribers",
		cli.FormatNumber(int64(st.BusPublished)), cli.FormatNumber(int64(st.BusDropped)), st.BusSubscribers)))
	fmt.Println(cli.KV("Writer", fmt.Sprintf("%s written, %s lost, %d pending",
		cli.FormatNumber(int64(st.EventsWritten)), cli.FormatNumber(int64(st.EventsLost)), st.PendingWrites)))

	if len(st.Adapters) > 0 {
		t := cli.Table{
			Title:   "Adapters",
			Headers: []string{"Name", "Agent", "Records", "Failures", "Last poll"},
		}
		for _, a := range st.Adapters {
			lastPoll := "never"
			if !a.LastPollAt.IsZero() {
				lastPoll = cli.FormatAgo(a.LastPollAt)
			}
			t.Rows = append(t.Rows, []string{
				a.Name,
				string(a.Agent),
				cli.FormatNumber(a.RecordsEmitted),
				fmt.Sprintf("%d", a.ConsecutiveFail),
				lastPoll,
			})
		}
		fmt.Println()
		fmt.Print(cli.RenderTable(t))
	}
	return nil
}
