package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/vigil/internal/database"
	"github.com/zero-day-ai/vigil/internal/events"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store health and incident summary",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	store, err := events.NewStore(cfg.Events.Dir, events.WithStoreLogger(logger))
	if err != nil {
		return err
	}
	health := store.Health(ctx)
	keys, err := store.Keys()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Event store:  %s (%s), %d records at %s\n",
		health.State, health.Message, len(keys), cfg.Events.Dir)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(out, "Database:     unavailable (%v)\n", err)
		return nil
	}
	defer db.Close()

	dao := database.NewIncidentDAO(db)
	count, err := dao.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Incidents:    %d total\n", count)

	snapshot, err := dao.ReadMetrics(ctx)
	if err != nil {
		return err
	}
	if snapshot == nil {
		fmt.Fprintln(out, "Detector:     no metrics snapshot yet")
		return nil
	}
	fmt.Fprintf(out, "Detector:     last incident %s, snapshot updated %s\n",
		orNone(snapshot.LastIncidentTime), snapshot.UpdatedAt.Format("2006-01-02 15:04:05"))
	for agent, failures := range snapshot.AgentFailureCounts {
		if failures > 0 {
			fmt.Fprintf(out, "  %s: %d consecutive failures\n", agent, failures)
		}
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
