package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/zero-day-ai/vigil/internal/database"
	"github.com/zero-day-ai/vigil/internal/events"
	"github.com/zero-day-ai/vigil/internal/incident"
	"github.com/zero-day-ai/vigil/internal/observability"
	"github.com/zero-day-ai/vigil/internal/plugin"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the incident detector and plugin manager",
	Long: `Run hosts Vigil's two long-lived loops: the incident detector,
which watches failure events and escalates repeated failures, and the
plugin hot-reload manager, which watches the plugin manifest directory.

Both run until interrupted. Only one run instance may watch a given
event store.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	metrics, err := observability.NewMetrics(otel.Meter("vigil"))
	if err != nil {
		return err
	}

	store, err := events.NewStore(cfg.Events.Dir,
		events.WithStoreLogger(logger),
		events.WithStoreMetrics(metrics),
	)
	if err != nil {
		return err
	}

	db, err := database.OpenWithConfig(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxConnections / 2,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     cfg.Database.BusyTimeout,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	detector := incident.NewDetector(store,
		incident.WithConfig(incident.Config{
			Window:         cfg.Incident.Window,
			RetryLimit:     cfg.Incident.RetryLimit,
			NotifyCooldown: cfg.Incident.NotifyCooldown,
			PollInterval:   cfg.Events.PollInterval,
			CursorFile:     cfg.Events.CursorFile,
		}),
		incident.WithDAO(database.NewIncidentDAO(db)),
		incident.WithLogger(logger),
		incident.WithMetrics(metrics),
	)

	analyzer := plugin.StaticAnalyzer(plugin.NopAnalyzer{})
	if cfg.Plugins.Analyzer.Command != "" {
		analyzer = plugin.NewExecAnalyzer(
			cfg.Plugins.Analyzer.Command,
			cfg.Plugins.Analyzer.Args,
			plugin.WithAnalyzerTimeout(cfg.Plugins.Analyzer.Timeout),
			plugin.WithAnalyzerLogger(logger),
		)
	}

	manager, err := plugin.NewManager(cfg.Plugins.Dir, store, builtinRegistry(),
		plugin.WithManagerLogger(logger),
		plugin.WithManagerMetrics(metrics),
		plugin.WithAnalyzer(analyzer),
		plugin.WithManagerPollInterval(cfg.Plugins.PollInterval),
		plugin.WithSelfTestLimit(cfg.Plugins.SelfTestLimit),
		plugin.WithFailureRetryCooldown(cfg.Plugins.FailureRetryCooldown),
	)
	if err != nil {
		return err
	}

	logger.Info("vigil starting",
		"events_dir", cfg.Events.Dir,
		"plugins_dir", cfg.Plugins.Dir,
		"database", cfg.Database.Path)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return detector.Run(ctx) })
	g.Go(func() error { return manager.Run(ctx) })

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := manager.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("plugin shutdown incomplete", "error", shutdownErr)
	}

	if errors.Is(err, context.Canceled) {
		logger.Info("vigil stopped")
		return nil
	}
	return err
}
