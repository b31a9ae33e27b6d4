package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/agentmon/internal/cli"
	"github.com/theirongolddev/agentmon/internal/model"
)

var (
	flagMetricsAgent string
	flagMetricsDaily bool
	flagMetricsDays  int
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show hourly or daily usage rollups",
	RunE:  runMetrics,
}

func init() {
	metricsCmd.Flags().StringVarP(&flagMetricsAgent, "agent", "a", "", "Filter by agent type")
	metricsCmd.Flags().BoolVar(&flagMetricsDaily, "daily", false, "Show daily buckets instead of hourly")
	metricsCmd.Flags().IntVarP(&flagMetricsDays, "days", "n", 1, "Time window in days")
	rootCmd.AddCommand(metricsCmd)
}

func runMetrics(_ *cobra.Command, _ []string) error {
	client, _, err := dialDaemon()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -flagMetricsDays)
	agent := model.AgentType(flagMetricsAgent)

	if flagMetricsDaily {
		daily, stale, err := client.DailyMetrics(agent, from, to)
		if err != nil {
			return err
		}
		warnStale(stale)
		if len(daily) == 0 {
			fmt.Println("  No metrics in range.")
			return nil
		}

		t := cli.Table{
			Headers: []string{"Day", "Agent", "Sessions", "Done", "Crashed", "Msgs", "Tools", "Tokens", "Cost", "Avg dur", "Peak"},
		}
		for _, m := range daily {
			peak := "-"
			if m.PeakHour >= 0 {
				peak = fmt.Sprintf("%02d:00", m.PeakHour)
			}
			t.Rows = append(t.Rows, []string{
				m.DayStart.Format("2006-01-02"),
				string(m.Agent),
				cli.FormatNumber(int64(m.SessionCount)),
				cli.FormatNumber(int64(m.CompletedCount)),
				cli.FormatNumber(int64(m.CrashedCount)),
				cli.FormatNumber(int64(m.MessageCount)),
				cli.FormatNumber(int64(m.ToolCallCount)),
				cli.FormatTokens(m.TokensInput + m.TokensOutput),
				cli.FormatCost(m.EstimatedCost),
				cli.FormatDuration(time.Duration(m.AvgSessionDurationSecs) * time.Second),
				peak,
			})
		}
		fmt.Print(cli.RenderTable(t))
		return nil
	}

	hourly, stale, err := client.HourlyMetrics(agent, from, to)
	if err != nil {
		return err
	}
	warnStale(stale)
	if len(hourly) == 0 {
		fmt.Println("  No metrics in range.")
		return nil
	}

	t := cli.Table{
		Headers: []string{"Hour", "Agent", "Sessions", "Msgs", "Tools", "Files", "Errors", "Tokens", "Cost"},
	}
	var activity []float64
	for _, m := range hourly {
		activity = append(activity, float64(m.MessageCount+m.ToolCallCount+m.FileOpCount))
		t.Rows = append(t.Rows, []string{
			m.HourStart.Local().Format("01-02 15:04"),
			string(m.Agent),
			cli.FormatNumber(int64(m.SessionCount)),
			cli.FormatNumber(int64(m.MessageCount)),
			cli.FormatNumber(int64(m.ToolCallCount)),
			cli.FormatNumber(int64(m.FileOpCount)),
			cli.FormatNumber(int64(m.ErrorCount)),
			cli.FormatTokens(m.TokensInput + m.TokensOutput),
			cli.FormatCost(m.EstimatedCost),
		})
	}
	fmt.Print(cli.RenderTable(t))
	fmt.Printf("\n  Activity: %s\n", cli.RenderSparkline(activity))
	return nil
}

func warnStale(stale bool) {
	if stale {
		fmt.Fprintln(os.Stderr, "  Note: rollups are catching up; recent events may be missing.")
	}
}
