package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/app"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/store"
)

func newTaskCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, review and archive tasks",
	}
	cmd.AddCommand(
		newTaskCreateCommand(opts),
		newTaskListCommand(opts),
		newTaskShowCommand(opts),
		newTaskTransitionCommand(opts, "request", "Queue a pending task for the agent", contracts.TaskStatusPending, contracts.TaskStatusRequested,
			func(ctx context.Context, st *store.Store, id string) (contracts.Task, error) { return st.RequestTask(ctx, id) }),
		newTaskTransitionCommand(opts, "complete", "Approve a task in review", contracts.TaskStatusReview, contracts.TaskStatusCompleted,
			func(ctx context.Context, st *store.Store, id string) (contracts.Task, error) { return st.CompleteTask(ctx, id) }),
		newTaskRejectCommand(opts),
		newTaskArchiveCommand(opts),
		newTaskRestoreCommand(opts),
		newTaskDeleteCommand(opts),
	)
	return cmd
}

// withApp builds the application for a one-shot command and closes it after.
func withApp(opts *rootOptions, run func(ctx context.Context, a *app.App, out io.Writer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := opts.openApp(true)
		if err != nil {
			return err
		}
		defer a.Close()
		return run(cmd.Context(), a, cmd.OutOrStdout())
	}
}

func newTaskCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		description string
		priority    string
		due         string
		hours       float64
		request     bool
	)
	cmd := &cobra.Command{
		Use:   "create TITLE",
		Short: "Create a pending task",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		parsedPriority, err := contracts.ParsePriority(priority)
		if err != nil {
			return err
		}
		dueDate, err := parseDue(due)
		if err != nil {
			return err
		}
		input := store.NewTask{
			Title:       strings.Join(args, " "),
			Description: description,
			Priority:    parsedPriority,
			DueDate:     dueDate,
		}
		if c.Flags().Changed("hours") {
			if hours < 0 {
				return fmt.Errorf("--hours must not be negative")
			}
			input.EstimatedHours = &hours
		}
		return withApp(opts, func(ctx context.Context, a *app.App, out io.Writer) error {
			task, err := a.Store().CreateTask(ctx, input)
			if err != nil {
				return err
			}
			if request {
				if task, err = a.Store().RequestTask(ctx, task.ID); err != nil {
					return err
				}
				_ = a.Sink().Emit(ctx, contracts.StatusChangeEvent(task, contracts.TaskStatusPending, contracts.TaskStatusRequested, ""))
			}
			return printJSON(out, task)
		})(c, args)
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "task description handed to the agent")
	cmd.Flags().StringVarP(&priority, "priority", "p", string(contracts.PriorityMedium), "high, medium or low")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&hours, "hours", 0, "estimated effort in hours")
	cmd.Flags().BoolVar(&request, "request", false, "queue the task for the agent immediately")
	return cmd
}

func parseDue(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return &parsed, nil
		}
	}
	return nil, fmt.Errorf("--due %q must be YYYY-MM-DD or RFC 3339", raw)
}

func newTaskListCommand(opts *rootOptions) *cobra.Command {
	var (
		status   string
		archived bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks on the board",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		filter := store.TaskFilter{Archived: archived}
		if status != "" {
			parsed, err := contracts.ParseTaskStatus(status)
			if err != nil {
				return err
			}
			filter.Status = parsed
		}
		return withApp(opts, func(ctx context.Context, a *app.App, out io.Writer) error {
			tasks, err := a.Store().ListTasks(ctx, filter)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(out, tasks)
			}
			return writeTaskTable(out, tasks)
		})(c, args)
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "only tasks in this status")
	cmd.Flags().BoolVar(&archived, "archived", false, "list archived tasks instead")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeTaskTable(out io.Writer, tasks []contracts.Task) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tVERSION\tTITLE")
	for _, task := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", task.ID, task.Status, task.Priority, task.Version, task.Title)
	}
	return w.Flush()
}

type taskDetail struct {
	Task       contracts.Task         `json:"task"`
	Executions []contracts.Execution  `json:"executions"`
	Feedback   []contracts.Feedback   `json:"feedback"`
	Outputs    []contracts.OutputFile `json:"outputs"`
}

func newTaskShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a task with its executions, feedback and outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App, out io.Writer) error {
				st := a.Store()
				task, err := st.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				detail := taskDetail{Task: task}
				if detail.Executions, err = st.ListExecutions(ctx, task.ID); err != nil {
					return err
				}
				if detail.Feedback, err = st.ListFeedback(ctx, task.ID); err != nil {
					return err
				}
				if detail.Outputs, err = st.ListOutputFiles(ctx, task.ID); err != nil {
					return err
				}
				return printJSON(out, detail)
			})(c, args)
		},
	}
}

func newTaskTransitionCommand(opts *rootOptions, use string, short string, from contracts.TaskStatus, to contracts.TaskStatus, apply func(context.Context, *store.Store, string) (contracts.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App, out io.Writer) error {
				task, err := apply(ctx, a.Store(), args[0])
				if err != nil {
					return err
				}
				_ = a.Sink().Emit(ctx, contracts.StatusChangeEvent(task, from, to, ""))
				return printJSON(out, task)
			})(c, args)
		},
	}
}

func newTaskRejectCommand(opts *rootOptions) *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "reject ID",
		Short: "Send a task in review back to the agent with feedback",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		if strings.TrimSpace(feedback) == "" {
			return contracts.ErrFeedbackRequired
		}
		return withApp(opts, func(ctx context.Context, a *app.App, out io.Writer) error {
			task, fb, err := a.Store().RejectTask(ctx, args[0], feedback)
			if err != nil {
				return err
			}
			_ = a.Sink().Emit(ctx, contracts.StatusChangeEvent(task, contracts.TaskStatusReview, contracts.TaskStatusRequested, ""))
			return printJSON(out, map[string]interface{}{"task": task, "feedback": fb})
		})(c, args)
	}
	cmd.Flags().StringVarP(&feedback, "feedback", "f", "", "review feedback for the next version")
	return cmd
}

func newTaskArchiveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "archive ID",
		Short: "Archive a task that is not being worked on",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App, out io.Writer) error {
				task, err := a.Store().ArchiveTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(out, task)
			})(c, args)
		},
	}
}

func newTaskRestoreCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore ID",
		Short: "Bring an archived task back to the board",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App, out io.Writer) error {
				task, err := a.Store().RestoreTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(out, task)
			})(c, args)
		},
	}
}

func newTaskDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Permanently delete an archived task and its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app.App, out io.Writer) error {
				if err := a.Store().DeleteTask(ctx, args[0]); err != nil {
					return err
				}
				if err := a.Workspace().Remove(args[0]); err != nil {
					return fmt.Errorf("task deleted but workspace not removed: %w", err)
				}
				_, err := fmt.Fprintf(out, "deleted %s\n", args[0])
				return err
			})(c, args)
		},
	}
}
