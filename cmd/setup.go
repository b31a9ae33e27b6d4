package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/agentmon/internal/config"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive first-run setup",
	Long: "Write the initial config file and adapter manifests for the agents\n" +
		"you want monitored.",
	RunE: runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

// defaultManifests holds the starter manifest per known agent.
var defaultManifests = map[string]string{
	"claude_code": `name: claude_code
display_name: Claude Code
agent_type: claude_code
process_pattern: "claude"
log_path: ~/.claude/projects
parse_mode: jsonl
poll_interval: 5s
capabilities:
  real_time_events: true
  historical_data: true
  token_tracking: true
  cost_tracking: true
  file_change_tracking: true
  subagent_tracking: true
`,
	"aider": `name: aider
display_name: Aider
agent_type: aider
process_pattern: "aider"
log_path: ~/.aider/logs
parse_mode: plain
poll_interval: 10s
event_patterns:
  message: '^(?P<time>\S+) chat: (?P<msg>.*)$'
  tool_call: '^(?P<time>\S+) running: (?P<tool>\S+)'
  file_op: '^(?P<time>\S+) (?P<op>applied|created) edit to (?P<path>\S+)'
capabilities:
  historical_data: true
  file_change_tracking: true
`,
	"cursor": `name: cursor
display_name: Cursor
agent_type: cursor
process_pattern: "cursor"
log_path: ~/.cursor/logs
parse_mode: jsonl
poll_interval: 10s
capabilities:
  historical_data: true
  token_tracking: true
`,
}

func runSetup(_ *cobra.Command, _ []string) error {
	if config.Exists() {
		var overwrite bool
		confirm := huh.NewConfirm().
			Title("A config file already exists. Overwrite it?").
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("  Keeping existing config.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	adapters := []string{"claude_code"}
	idleChoice := "2m"
	crashChoice := "30m"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Which agents should be monitored?").
				Options(
					huh.NewOption("Claude Code", "claude_code").Selected(true),
					huh.NewOption("Aider", "aider"),
					huh.NewOption("Cursor", "cursor"),
				).
				Value(&adapters),
			huh.NewSelect[string]().
				Title("Mark a session idle after").
				Options(
					huh.NewOption("1 minute", "1m"),
					huh.NewOption("2 minutes", "2m"),
					huh.NewOption("5 minutes", "5m"),
				).
				Value(&idleChoice),
			huh.NewSelect[string]().
				Title("Consider a session crashed after").
				Options(
					huh.NewOption("15 minutes", "15m"),
					huh.NewOption("30 minutes", "30m"),
					huh.NewOption("1 hour", "1h"),
				).
				Value(&crashChoice),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	idle, _ := time.ParseDuration(idleChoice)
	crash, _ := time.ParseDuration(crashChoice)
	cfg.Tracker.IdleThreshold.Duration = idle
	cfg.Tracker.CrashThreshold.Duration = crash
	cfg.Adapters.Enabled = adapters

	if err := config.Save(cfg); err != nil {
		return err
	}
	fmt.Printf("  Wrote %s\n", config.ConfigPath())

	manifestDir := cfg.Adapters.ManifestDir
	if err := os.MkdirAll(manifestDir, 0o750); err != nil {
		return fmt.Errorf("creating manifest dir: %w", err)
	}
	for _, name := range adapters {
		body, ok := defaultManifests[name]
		if !ok {
			continue
		}
		path := filepath.Join(manifestDir, name+".yaml")
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("  Keeping existing manifest %s\n", path)
			continue
		}
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			return fmt.Errorf("writing manifest %s: %w", path, err)
		}
		fmt.Printf("  Wrote %s\n", path)
	}

	fmt.Println("\n  Setup complete. Start the daemon with: agentmon daemon")
	return nil
}
