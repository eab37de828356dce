package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/app"
)

func newStuckCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "Inspect and restart executions that stopped reporting activity",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List stuck executions, longest silent first",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App, out io.Writer) error {
				stuck, err := a.Watchdog().StuckTasks(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, stuck)
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TASK\tEXECUTION\tMINUTES\tTITLE")
				for _, item := range stuck {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", item.Execution.TaskID, item.Execution.ID, item.MinutesStuck, item.TaskTitle)
				}
				return w.Flush()
			})(c, args)
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	restart := &cobra.Command{
		Use:   "restart TASK_ID",
		Short: "Fail the running execution and queue the task again",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App, out io.Writer) error {
				if err := a.Watchdog().RestartStuckTask(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(out, "restarted %s\n", args[0])
				return err
			})(c, args)
		},
	}

	cmd.AddCommand(list, restart)
	return cmd
}
