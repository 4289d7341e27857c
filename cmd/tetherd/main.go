package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tether/internal/daemon"
	"tether/internal/daemonrun"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts bootstrapOptions
	cmd := &cobra.Command{
		Use:           "tetherd",
		Short:         "Run the tether daemon in the foreground",
		Version:       daemon.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    opts.logLevel,
				Development: opts.development,
			})
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&opts.socketPath, "socket", "", "Override the IPC socket path")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Override logging.level")
	cmd.Flags().BoolVar(&opts.development, "development", false, "Include source locations in log records")
	return cmd
}
