package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newRunnerCommand(ctx *commandContext) *cobra.Command {
	runnerCmd := &cobra.Command{
		Use:   "runner",
		Short: "Inspect runner templates from the configuration",
	}

	runnerCmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured runners",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			names := cfg.RunnerNames()
			if ctx.jsonOutput() {
				type runnerView struct {
					Name        string            `json:"name"`
					Command     string            `json:"command"`
					Args        []string          `json:"args,omitempty"`
					On          string            `json:"on,omitempty"`
					Concurrency *int              `json:"concurrency,omitempty"`
					Env         map[string]string `json:"env,omitempty"`
				}
				views := make([]runnerView, 0, len(names))
				for _, name := range names {
					r, _ := cfg.Runner(name)
					views = append(views, runnerView{Name: name, Command: r.Command, Args: r.Args, On: r.On, Concurrency: r.Concurrency, Env: r.Env})
				}
				return writeJSON(cmd, views)
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runners configured")
				return nil
			}
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				r, _ := cfg.Runner(name)
				concurrency := ""
				if r.Concurrency != nil {
					concurrency = fmt.Sprintf("%d", *r.Concurrency)
				}
				envKeys := make([]string, 0, len(r.Env))
				for key := range r.Env {
					envKeys = append(envKeys, key)
				}
				rows = append(rows, []string{name, r.On, formatCommand(r.Command, r.Args), concurrency, strings.Join(sortedCopy(envKeys), ",")})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"Name", "On", "Command", "Concurrency", "Env"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	})

	return runnerCmd
}
