package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/agentmon/internal/rollup"
	"github.com/theirongolddev/agentmon/internal/store"
)

var flagRollupRebuild bool

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Run a metrics rollup pass against the database",
	Long: "Fold stored events into hourly and daily metric buckets. The daemon\n" +
		"does this continuously; this command is for catch-up or --rebuild after\n" +
		"manual database changes.",
	RunE: runRollup,
}

func init() {
	rollupCmd.Flags().BoolVar(&flagRollupRebuild, "rebuild", false, "Drop all rollups and recompute from events")
	rootCmd.AddCommand(rollupCmd)
}

func runRollup(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	agg := rollup.New(st, cfg.Aggregator.Period.Dur())
	if flagRollupRebuild {
		if err := agg.Rebuild(); err != nil {
			return err
		}
		fmt.Println("  Rollups rebuilt from stored events.")
		return nil
	}

	if err := agg.RunOnce(); err != nil {
		return err
	}
	cursor, err := st.RollupCursor()
	if err != nil {
		return err
	}
	fmt.Printf("  Rollup pass complete (cursor at event %d).\n", cursor)
	return nil
}
