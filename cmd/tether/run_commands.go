package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tether/internal/ipc"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect and control runs",
	}

	runCmd.AddCommand(newRunShowCommand(ctx))
	runCmd.AddCommand(newRunListCommand(ctx))
	runCmd.AddCommand(newRunActionCommand(ctx, "stop", "Stop a run (terminates its process group)", "stopped", (*ipc.Client).StopRun))
	runCmd.AddCommand(newRunActionCommand(ctx, "pause", "Pause a run waiting for its retry", "paused", (*ipc.Client).PauseRun))
	runCmd.AddCommand(newRunActionCommand(ctx, "resume", "Resume a paused run", "resumed", (*ipc.Client).ResumeRun))
	runCmd.AddCommand(newRunLogsCommand(ctx))

	return runCmd
}

func newRunShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				run, err := client.GetRun(args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, run)
				}
				fmt.Fprint(cmd.OutOrStdout(), runDetails(run))
				return nil
			})
		},
	}
}

func newRunListCommand(ctx *commandContext) *cobra.Command {
	var (
		workerID string
		status   string
		all      bool
		limit    int
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List runs (open runs unless --all or --status is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				runs, err := client.ListRuns(ipc.ListRunsRequest{
					WorkerID: workerID,
					Status:   status,
					All:      all,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, runs)
				}
				if len(runs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No runs")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(runHeaders, buildRunRows(runs), runAligns))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&workerID, "worker", "w", "", "Only runs of this worker")
	cmd.Flags().StringVarP(&status, "status", "s", "", "Only runs in this status")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include finished runs")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum runs to list (0 for no limit)")
	return cmd
}

func newRunActionCommand(ctx *commandContext, use, short, verb string, action func(*ipc.Client, string) (*ipc.Run, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				run, err := action(client, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, run)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Run %s %s (now %s)\n", run.ID, verb, formatStatusLabel(string(run.Status)))
				return nil
			})
		},
	}
}

func newRunLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Show the tail of a run's output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RunLogs(args[0], lines)
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
