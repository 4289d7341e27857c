package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tether/internal/ipc"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Create and manage workers",
	}

	workerCmd.AddCommand(newWorkerStartCommand(ctx))
	workerCmd.AddCommand(newWorkerStopCommand(ctx))
	workerCmd.AddCommand(newWorkerShowCommand(ctx))
	workerCmd.AddCommand(newWorkerListCommand(ctx))
	workerCmd.AddCommand(newWorkerPruneCommand(ctx))
	workerCmd.AddCommand(newWorkerLogsCommand(ctx))

	return workerCmd
}

func newWorkerStartCommand(ctx *commandContext) *cobra.Command {
	var (
		eventType   string
		runnerName  string
		filters     []string
		envPairs    []string
		dir         string
		concurrency int
		maxAttempts int
		detach      bool
	)

	cmd := &cobra.Command{
		Use:   "start [flags] [-- command [args...]]",
		Short: "Start a worker that runs a command for matching events",
		Example: `  tether worker start --on file.created -- /usr/local/bin/ingest {{ .EntityID }}
  tether worker start --runner notify --filter "payload.size > ` + "`1024`" + `"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := ipc.StartWorkerRequest{
				RunnerName:   strings.TrimSpace(runnerName),
				EventType:    strings.TrimSpace(eventType),
				Filters:      filters,
				InstancePath: strings.TrimSpace(dir),
				Detach:       detach,
			}
			if len(args) > 0 {
				spec.Command = args[0]
				spec.Args = args[1:]
			}
			if spec.RunnerName == "" && spec.Command == "" {
				return errors.New("a command (after --) or --runner is required")
			}
			env, err := parseEnvPairs(envPairs)
			if err != nil {
				return err
			}
			spec.Env = env
			if cmd.Flags().Changed("concurrency") {
				spec.Concurrency = &concurrency
			}
			if cmd.Flags().Changed("max-attempts") {
				spec.MaxAttempts = &maxAttempts
			}

			return ctx.withClient(func(client *ipc.Client) error {
				worker, err := client.StartWorker(spec)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, worker)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Worker %s started for %s events\n", worker.ID, worker.EventType)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&eventType, "on", "", "Event type pattern to react to (glob, e.g. device.*)")
	cmd.Flags().StringVarP(&runnerName, "runner", "r", "", "Named runner template from the configuration")
	cmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "JMESPath expression an event must satisfy (repeatable)")
	cmd.Flags().StringArrayVarP(&envPairs, "env", "e", nil, "Environment variable KEY=VALUE for runs (repeatable)")
	cmd.Flags().StringVar(&dir, "dir", "", "Working directory for runs")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "Maximum simultaneous runs")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempts per event including the first (default from config)")
	cmd.Flags().BoolVar(&detach, "detach", false, "Keep the worker and its runs alive across daemon shutdown")
	return cmd
}

func parseEnvPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env %q (expected KEY=VALUE)", pair)
		}
		env[key] = value
	}
	return env, nil
}

func newWorkerStopCommand(ctx *commandContext) *cobra.Command {
	var keepRuns bool
	cmd := &cobra.Command{
		Use:   "stop <worker-id>",
		Short: "Stop a worker and its open runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				worker, err := client.StopWorker(args[0], !keepRuns)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, worker)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Worker %s stopped\n", worker.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&keepRuns, "keep-runs", false, "Leave in-flight runs running")
	return cmd
}

func newWorkerShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <worker-id>",
		Short: "Show worker details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				worker, err := client.GetWorker(args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, worker)
				}
				fmt.Fprint(cmd.OutOrStdout(), workerDetails(worker))
				return nil
			})
		},
	}
}

func newWorkerListCommand(ctx *commandContext) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				workers, err := client.ListWorkers(all)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, workers)
				}
				if len(workers) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No workers")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(workerHeaders, buildWorkerRows(workers), workerAligns))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include stopped workers")
	return cmd
}

func newWorkerPruneCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete stopped and failed workers with their runs and logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return errors.New("--older-than must not be negative")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				result, err := client.PruneWorkers(olderThan)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, result)
				}
				out := cmd.OutOrStdout()
				if len(result.Workers) == 0 {
					fmt.Fprintln(out, "Nothing to prune")
					return nil
				}
				for _, id := range result.Workers {
					fmt.Fprintf(out, "Worker %s pruned\n", id)
				}
				fmt.Fprintf(out, "Removed %d workers and %d log files\n", len(result.Workers), result.RemovedFiles)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only prune workers idle for at least this long (e.g. 24h)")
	return cmd
}

func newWorkerLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs <worker-id>",
		Short: "Show the tail of a worker's activity log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.WorkerLogs(args[0], lines)
				if err != nil {
					return err
				}
				return printTail(cmd, ctx, resp)
			})
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 100, "Number of lines to show")
	return cmd
}

func printTail(cmd *cobra.Command, ctx *commandContext, resp *ipc.TailResponse) error {
	if ctx.jsonOutput() {
		return writeJSON(cmd, resp)
	}
	out := cmd.OutOrStdout()
	if resp.Logs == "" {
		fmt.Fprintf(out, "No log output yet (%s)\n", resp.Path)
		return nil
	}
	fmt.Fprint(out, resp.Logs)
	if !strings.HasSuffix(resp.Logs, "\n") {
		fmt.Fprintln(out)
	}
	return nil
}
