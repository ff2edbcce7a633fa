package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dotsetlabs/dotclaw/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/dotsetlabs/dotclaw/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "dotclaw",
	Short: "dotclaw is a file-spool agent runtime",
	Long:  "dotclaw: an agent runtime that serves LLM requests from a file spool with session memory, context budgeting, a self-driven tool loop, and model routing.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $DOTCLAW_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("dotclaw %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("DOTCLAW_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// loadConfig loads the config file (missing file means defaults) and
// installs the slog handler.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if verbose || cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	} else {
		switch cfg.LogLevel {
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
