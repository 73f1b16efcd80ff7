package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/vigil/internal/events"
)

var (
	publishData          []string
	publishJSON          string
	publishParent        string
	publishCorrelationID string
	publishAsRequest     bool
)

var publishCmd = &cobra.Command{
	Use:   "publish <event-type>",
	Short: "Publish an event to the store",
	Long: `Publish appends one event record to the event store. Payload fields
come from repeated --data key=value flags or a --json object; --data
values that parse as JSON keep their type, otherwise they are strings.

The correlation id of the published event is printed, so shell
pipelines can link request and response events.`,
	Example: `  vigil publish deploy --data agent=deployer --data version=2.4.1
  vigil publish test_failed --json '{"agent":"deployer","suite":"smoke"}'
  vigil publish upgrade_applied --data agent=updater --parent deploy`,
	Args: cobra.ExactArgs(1),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringArrayVar(&publishData, "data", nil, "payload field as key=value (repeatable)")
	publishCmd.Flags().StringVar(&publishJSON, "json", "", "payload as a JSON object")
	publishCmd.Flags().StringVar(&publishParent, "parent", "", "parent event type for causal attribution")
	publishCmd.Flags().StringVar(&publishCorrelationID, "correlation-id", "", "reuse an existing correlation id")
	publishCmd.Flags().BoolVar(&publishAsRequest, "request", false, "mark the event as a request")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	data, err := buildPayload()
	if err != nil {
		return err
	}

	store, err := events.NewStore(cfg.Events.Dir, events.WithStoreLogger(logger))
	if err != nil {
		return err
	}

	var opts []events.PublishOption
	if publishParent != "" {
		opts = append(opts, events.WithParent(publishParent))
	}
	if publishCorrelationID != "" {
		opts = append(opts, events.WithCorrelationID(publishCorrelationID))
	}

	eventType := events.EventType(args[0])
	var correlationID string
	if publishAsRequest {
		correlationID, err = store.PublishRequest(cmd.Context(), eventType, data, opts...)
	} else {
		correlationID, err = store.Publish(cmd.Context(), eventType, data, opts...)
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), correlationID)
	return nil
}

// buildPayload merges --json and --data into the event payload; --data
// entries win on key collision.
func buildPayload() (map[string]any, error) {
	data := make(map[string]any)

	if publishJSON != "" {
		if err := json.Unmarshal([]byte(publishJSON), &data); err != nil {
			return nil, fmt.Errorf("invalid --json payload: %w", err)
		}
	}

	for _, pair := range publishData {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --data %q, want key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			data[key] = parsed
		} else {
			data[key] = value
		}
	}
	return data, nil
}
