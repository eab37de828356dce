package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduler and watchdog until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(cmd.Context())
		},
	}
}

func newRunOnceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Start every eligible requested task once and wait for the workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			started, err := a.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started %d task(s)\n", started)
			return nil
		},
	}
}
