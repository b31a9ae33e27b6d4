// Package cmd implements the agentmon command line interface.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/agentmon/internal/config"
	"github.com/theirongolddev/agentmon/internal/ipc"
	"github.com/theirongolddev/agentmon/internal/logging"
)

var (
	flagConfigPath string
	flagSocketPath string
	flagLogLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "agentmon",
	Short: "AI coding agent session monitor",
	Long: "Monitor AI coding agent sessions (Claude Code, Cursor, Aider, and more):\n" +
		"live session tracking, event history, token usage, and cost rollups.",
	RunE: runStatus,
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "Config file path (default: XDG config dir)")
	rootCmd.PersistentFlags().StringVar(&flagSocketPath, "socket", "", "Daemon socket path (default: from config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// loadConfig loads the config file honoring --config and applies logging and
// socket overrides.
func loadConfig() (config.Config, error) {
	var cfg config.Config
	var err error
	if flagConfigPath != "" {
		cfg, err = config.LoadFrom(flagConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return cfg, err
	}

	if flagSocketPath != "" {
		cfg.General.SocketPath = flagSocketPath
	}
	level := cfg.General.LogLevel
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	logging.Setup(level, os.Stderr)
	return cfg, nil
}

// dialDaemon connects to the running daemon's socket.
func dialDaemon() (*ipc.Client, config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	client, err := ipc.Dial(cfg.SocketPath())
	if err != nil {
		return nil, cfg, err
	}
	return client, cfg, nil
}
