package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mcp-meal-chat/internal/config"
	"mcp-meal-chat/internal/logger"
)

const version = "1.0.0"

var (
	// Global flags
	configPath string
	dbPath     string
	logLevel   string

	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "meal-chat",
	Short: "Conversational protein and calorie logging",
	Long: `meal-chat turns text, voice transcripts, photos and barcode scans into
logged meals through a short conversation: it asks for a portion when the
estimate is unsure and saves once the user confirms.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			log.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mcp-meal-chat version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "Database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd, chatCmd, configCmd, versionCmd)
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("db-path") {
		cfg.Storage.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err = logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
