package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/logscope/logscope/player"
	_ "github.com/logscope/logscope/player/source/csvlog"
	_ "github.com/logscope/logscope/player/source/db3"
	_ "github.com/logscope/logscope/player/source/jsonl"
)

var (
	logLevel   string // Log verbosity level
	configPath string // Player config YAML
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:           "logscope",
	Short:         "Play back and inspect robotics logs",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		logrus.SetLevel(level)
		return nil
	},
}

// loadConfig returns the player config from --config, or the defaults, with
// sources overridden by positional arguments.
func loadConfig(sources []string) (player.Config, error) {
	cfg := player.DefaultConfig()
	if configPath != "" {
		loaded, err := player.LoadConfig(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if len(sources) > 0 {
		cfg.Sources = sources
	}
	if len(cfg.Sources) == 0 {
		return cfg, fmt.Errorf("no log files given (supported: %v)", player.RegisteredExtensions())
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to player config YAML (defaults when empty)")

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(genCmd)
}
