package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/vigil/internal/events"
)

var (
	tailTypes         []string
	tailCorrelationID string
	tailReplay        bool
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream events from the store to stdout",
	Long: `Tail subscribes to the event store and prints each matching event as
one JSON line until interrupted. By default the existing history is
replayed first; --replay=false starts from now.`,
	RunE: runTail,
}

func init() {
	tailCmd.Flags().StringSliceVar(&tailTypes, "type", nil, "event types to match (repeatable; default all)")
	tailCmd.Flags().StringVar(&tailCorrelationID, "correlation-id", "", "only events with this correlation id")
	tailCmd.Flags().BoolVar(&tailReplay, "replay", true, "replay existing history before following")
	rootCmd.AddCommand(tailCmd)
}

func runTail(cmd *cobra.Command, args []string) error {
	store, err := events.NewStore(cfg.Events.Dir, events.WithStoreLogger(logger))
	if err != nil {
		return err
	}
	runtime := events.NewRuntime(store, events.WithRuntimeLogger(logger))

	filter := events.Filter{CorrelationID: tailCorrelationID}
	for _, t := range tailTypes {
		filter.Types = append(filter.Types, events.EventType(t))
	}

	opts := []events.SubscribeOption{
		events.WithPollInterval(cfg.Events.PollInterval),
	}
	if !tailReplay {
		cursorPath, err := cursorAtPresent(store)
		if err != nil {
			return err
		}
		defer os.Remove(cursorPath)
		opts = append(opts, events.WithCursorFile(cursorPath))
	}

	out := cmd.OutOrStdout()
	err = runtime.Run(cmd.Context(), filter, func(_ context.Context, event events.Event) error {
		line, err := json.Marshal(event)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(line))
		return nil
	}, opts...)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// cursorAtPresent writes a throwaway cursor that marks every existing
// record as already seen, so the subscription starts from now.
func cursorAtPresent(store *events.Store) (string, error) {
	keys, err := store.Keys()
	if err != nil {
		return "", err
	}
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		seen[key] = struct{}{}
	}

	path := filepath.Join(os.TempDir(), fmt.Sprintf("vigil-tail-%d.cursor", os.Getpid()))
	if err := events.NewCursor(path).Save(seen); err != nil {
		return "", err
	}
	return path, nil
}
