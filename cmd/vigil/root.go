package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/vigil/internal/config"
	"github.com/zero-day-ai/vigil/internal/observability"
)

var (
	cfgFile  string
	debugLog bool

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Vigil - event distribution and incident response runtime",
	Long: `Vigil watches a shared append-only event store, escalates repeated
agent failures into incidents, and hot-reloads plugins from a manifest
directory.

Collaborating processes publish and consume events through the store
directory; vigil run hosts the incident detector and plugin manager.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $VIGIL_HOME/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "enable debug logging")
}

// defaultConfigPath returns the config file location under the home dir.
func defaultConfigPath() string {
	return filepath.Join(config.DefaultConfig().Core.HomeDir, "config.yaml")
}

// loadConfig runs before every command to load configuration and build the
// logger. init and version work without an existing config.
func loadConfig(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "init" || cmd.Name() == "version" || cmd.Name() == "help" {
		return nil
	}

	path := cfgFile
	if path == "" {
		path = defaultConfigPath()
	}

	loaded, err := config.NewConfigLoader(config.NewValidator()).LoadWithDefaults(path)
	if err != nil {
		return err
	}
	cfg = loaded

	level := cfg.Logging.Level
	if debugLog || cfg.Core.Debug {
		level = "debug"
	}
	logger, err = observability.NewLogger(os.Stderr, level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}
