package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tether/internal/ipc"
	"tether/internal/manager"
)

const followPollInterval = 500 * time.Millisecond

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var (
		lines    int
		follow   bool
		worker   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "logs <run-id|worker-id>",
		Short: "Print run output or worker activity, optionally following new lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := manager.TargetRun
			if worker {
				target = manager.TargetWorker
			}
			return ctx.withClient(func(client *ipc.Client) error {
				return streamLogs(cmd, client, args[0], target, lines, follow, interval)
			})
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, fmt.Sprintf("Lines of history to print first (0 for %d, at most %d)", manager.DefaultLogLines, manager.MaxLogLines))
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines until the run finishes")
	cmd.Flags().BoolVar(&worker, "worker", false, "Treat the id as a worker and read its activity log")
	cmd.Flags().DurationVar(&interval, "interval", followPollInterval, "Polling interval for --follow")
	return cmd
}

// streamLogs prints the last lines of the target, then with follow keeps
// polling from the returned offset. Following a run stops once the run is
// terminal and its log has been drained; following a worker stops on
// interrupt only.
func streamLogs(cmd *cobra.Command, client *ipc.Client, id, target string, lines int, follow bool, interval time.Duration) error {
	out := cmd.OutOrStdout()
	page, err := client.GetLogs(ipc.GetLogsRequest{TargetID: id, TargetType: target, SinceLine: -1, Limit: lines})
	if err != nil {
		return err
	}
	for _, line := range page.Lines {
		fmt.Fprintln(out, line)
	}
	if !follow {
		return nil
	}
	if interval <= 0 {
		interval = followPollInterval
	}

	runCtx := cmd.Context()
	if runCtx == nil {
		runCtx = context.Background()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	next := page.NextLine
	for {
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
		}

		finished := false
		if target == manager.TargetRun {
			run, err := client.GetRun(id)
			if err != nil {
				return err
			}
			finished = run.Status.Terminal()
		}

		// drain everything written so far; a terminal check taken before the
		// read guarantees no trailing output is missed
		for {
			page, err := client.GetLogs(ipc.GetLogsRequest{TargetID: id, TargetType: target, SinceLine: next, Limit: 500})
			if err != nil {
				return err
			}
			for _, line := range page.Lines {
				fmt.Fprintln(out, line)
			}
			next = page.NextLine
			if len(page.Lines) < 500 {
				break
			}
		}
		if finished {
			return nil
		}
	}
}
