package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/agentmon/internal/cli"
	"github.com/theirongolddev/agentmon/internal/model"
)

var (
	flagSessionsAgent  string
	flagSessionsStatus string
	flagSessionsLimit  int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions [session-id]",
	Short: "List sessions or show one session in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().StringVarP(&flagSessionsAgent, "agent", "a", "", "Filter by agent type")
	sessionsCmd.Flags().StringVarP(&flagSessionsStatus, "status", "s", "", "Filter by status")
	sessionsCmd.Flags().IntVarP(&flagSessionsLimit, "limit", "n", 50, "Max sessions to list")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(_ *cobra.Command, args []string) error {
	client, _, err := dialDaemon()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if len(args) == 1 {
		return showSession(client, args[0])
	}

	sessions, err := client.ListSessions(
		model.AgentType(flagSessionsAgent),
		model.SessionStatus(flagSessionsStatus),
		flagSessionsLimit,
	)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("  No sessions found.")
		return nil
	}

	t := cli.Table{
		Headers: []string{"ID", "Agent", "Status", "Project", "Tokens", "Cost", "Last activity"},
	}
	for _, s := range sessions {
		t.Rows = append(t.Rows, []string{
			shortID(s.ID),
			string(s.Agent),
			cli.RenderStatus(s.Status),
			s.ProjectPath,
			cli.FormatTokens(s.TokensInput + s.TokensOutput),
			cli.FormatCost(s.EstimatedCost),
			cli.FormatAgo(s.LastActivityAt),
		})
	}
	fmt.Print(cli.RenderTable(t))
	return nil
}

func showSession(client sessionGetter, id string) error {
	s, err := client.GetSession(id)
	if err != nil {
		return err
	}

	fmt.Println(cli.KV("Session", s.ID))
	fmt.Println(cli.KV("Agent", string(s.Agent)))
	fmt.Println(cli.KV("External ID", s.ExternalID))
	fmt.Println(cli.KV("Status", cli.RenderStatus(s.Status)))
	if s.ProjectPath != "" {
		fmt.Println(cli.KV("Project", s.ProjectPath))
	}
	fmt.Println(cli.KV("Started", s.StartedAt.Local().Format("2006-01-02 15:04:05")))
	fmt.Println(cli.KV("Duration", cli.FormatDuration(s.Duration())))
	fmt.Println(cli.KV("Messages", cli.FormatNumber(int64(s.MessageCount))))
	fmt.Println(cli.KV("Tool calls", cli.FormatNumber(int64(s.ToolCallCount))))
	fmt.Println(cli.KV("File ops", cli.FormatNumber(int64(s.FileOpCount))))
	fmt.Println(cli.KV("Tokens", fmt.Sprintf("%s in / %s out",
		cli.FormatTokens(s.TokensInput), cli.FormatTokens(s.TokensOutput))))
	fmt.Println(cli.KV("Est. cost", cli.FormatCost(s.EstimatedCost)))

	if len(s.ModelUsage) > 0 {
		t := cli.Table{
			Title:   "Model usage",
			Headers: []string{"Model", "Calls", "Tokens in", "Tokens out", "Cost"},
		}
		for name, mu := range s.ModelUsage {
			t.Rows = append(t.Rows, []string{
				name,
				cli.FormatNumber(int64(mu.Calls)),
				cli.FormatTokens(mu.TokensInput),
				cli.FormatTokens(mu.TokensOutput),
				cli.FormatCost(mu.EstimatedCost),
			})
		}
		fmt.Println()
		fmt.Print(cli.RenderTable(t))
	}
	return nil
}

// sessionGetter lets showSession be tested with a fake client.
type sessionGetter interface {
	GetSession(id string) (*model.Session, error)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
