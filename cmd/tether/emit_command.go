package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tether/internal/ipc"
)

func newEmitCommand(ctx *commandContext) *cobra.Command {
	var (
		entityID    string
		eventID     string
		payloadJSON string
		payloadFile string
		fields      []string
	)
	cmd := &cobra.Command{
		Use:   "emit <event-type>",
		Short: "Dispatch an event to matching workers",
		Example: `  tether emit file.created --entity /srv/in/a.csv --set size=2048
  tether emit build.done --payload '{"branch":"main"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := buildPayload(cmd.InOrStdin(), payloadJSON, payloadFile, fields)
			if err != nil {
				return err
			}
			event := ipc.EmitEventRequest{
				ID:       strings.TrimSpace(eventID),
				Type:     strings.TrimSpace(args[0]),
				EntityID: entityID,
				Payload:  payload,
			}
			return ctx.withClient(func(client *ipc.Client) error {
				result, err := client.EmitEvent(event)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, result)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Event %s dispatched: %d runs started", result.EventID, len(result.Runs))
				if len(result.Dropped) > 0 {
					fmt.Fprintf(out, ", dropped by %d busy workers", len(result.Dropped))
				}
				fmt.Fprintln(out)
				for _, run := range result.Runs {
					fmt.Fprintf(out, "  run %s (worker %s)\n", run.ID, shortID(run.WorkerID))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityID, "entity", "", "Entity the event is about (file path, device, ...)")
	cmd.Flags().StringVar(&eventID, "id", "", "Event id (generated when empty)")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "Payload as a JSON object")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Read the JSON payload from a file (- for stdin)")
	cmd.Flags().StringArrayVar(&fields, "set", nil, "Payload field KEY=VALUE; VALUE is parsed as JSON when possible (repeatable)")
	return cmd
}

func buildPayload(stdin io.Reader, inline, file string, fields []string) (map[string]any, error) {
	if inline != "" && file != "" {
		return nil, fmt.Errorf("use only one of --payload or --payload-file")
	}
	var payload map[string]any
	raw := []byte(inline)
	if file != "" {
		var err error
		if file == "-" {
			raw, err = io.ReadAll(stdin)
		} else {
			raw, err = os.ReadFile(file)
		}
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q (expected KEY=VALUE)", field)
		}
		if payload == nil {
			payload = map[string]any{}
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			payload[key] = decoded
		} else {
			payload[key] = value
		}
	}
	return payload, nil
}
