package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-grading/internal/app"
)

func newTaskCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "task <task_id>",
		Short: "Show a grading task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			return rt.withEngine(cmd, func(ctx context.Context, c *app.Container) error {
				task, err := c.Orchestrator.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), task)
			})
		},
	}
}

func newStatsCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show grading task counts by status and method",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withEngine(cmd, func(ctx context.Context, c *app.Container) error {
				stats, err := c.Orchestrator.GetTaskStatistics(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newRetryCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task_id>",
		Short: "Retry a failed grading task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "task")
			if err != nil {
				return err
			}
			return rt.withEngine(cmd, func(ctx context.Context, c *app.Container) error {
				handle, err := c.Orchestrator.RetryTask(ctx, id)
				if err != nil {
					return err
				}
				task, err := rt.awaitTask(ctx, c, handle.TaskID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), task)
			})
		},
	}
}

func newRecoverCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Re-dispatch tasks left pending or in progress by a stopped node",
		Long:  "recover re-enqueues unfinished tasks. Run it against one node only; with the memory dispatcher the work runs inside this process until --wait elapses.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withEngine(cmd, func(ctx context.Context, c *app.Container) error {
				count, err := c.Orchestrator.Recover(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recovered %d task(s)\n", count)
				return nil
			})
		},
	}
}
