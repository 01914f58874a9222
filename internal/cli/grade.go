package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-grading/internal/app"
	"github.com/noah-isme/gema-grading/internal/dto"
)

func parseID(value, what string) (uint, error) {
	id, err := strconv.ParseUint(value, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, value)
	}
	return uint(id), nil
}

func newGradeCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Dispatch grading for an answer or a submission",
	}

	var force bool
	answer := &cobra.Command{
		Use:   "answer <answer_id>",
		Short: "Grade one answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "answer")
			if err != nil {
				return err
			}
			return rt.withEngine(cmd, func(ctx context.Context, c *app.Container) error {
				handle, err := c.Orchestrator.GradeAnswer(ctx, id, force)
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
	answer.Flags().BoolVar(&force, "force", false, "Regrade even if the answer already has a score")

	var forceSubmission bool
	submission := &cobra.Command{
		Use:   "submission <submission_id>",
		Short: "Grade every answer of a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "submission")
			if err != nil {
				return err
			}
			return rt.withEngine(cmd, func(ctx context.Context, c *app.Container) error {
				handles, gradeErr := c.Orchestrator.GradeSubmission(ctx, id, forceSubmission)
				if gradeErr != nil && len(handles) == 0 {
					return gradeErr
				}
				if err := rt.printTasks(ctx, cmd, c, handles); err != nil {
					return err
				}
				return gradeErr
			})
		},
	}
	submission.Flags().BoolVar(&forceSubmission, "force", false, "Regrade answers that already have a score")

	cmd.AddCommand(answer, submission)
	return cmd
}

func newBulkCmd(rt *runtime) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "bulk <submission_id>...",
		Short: "Grade many submissions, reporting per-submission failures",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := dto.BulkGradeRequest{ForceRegrade: force}
			for _, arg := range args {
				id, err := parseID(arg, "submission")
				if err != nil {
					return err
				}
				req.SubmissionIDs = append(req.SubmissionIDs, id)
			}
			return rt.withEngine(cmd, func(ctx context.Context, c *app.Container) error {
				response, err := c.Orchestrator.BulkGrade(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), response)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Regrade answers that already have a score")
	return cmd
}

func newRegradeCmd(rt *runtime) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "regrade <submission_id>",
		Short: "Regrade flagged answers of a submission, or all of them with --all",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "submission")
			if err != nil {
				return err
			}
			return rt.withEngine(cmd, func(ctx context.Context, c *app.Container) error {
				handles, regradeErr := c.Orchestrator.RegradeSubmission(ctx, id, all)
				if regradeErr != nil && len(handles) == 0 {
					return regradeErr
				}
				if err := rt.printTasks(ctx, cmd, c, handles); err != nil {
					return err
				}
				return regradeErr
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Regrade every answer instead of only flagged ones")
	return cmd
}

func (rt *runtime) printTasks(ctx context.Context, cmd *cobra.Command, c *app.Container, handles []dto.TaskHandle) error {
	tasks := make([]dto.GradingTaskResponse, 0, len(handles))
	for _, handle := range handles {
		task, err := rt.awaitTask(ctx, c, handle.TaskID)
		if err != nil {
			return err
		}
		tasks = append(tasks, task)
	}
	return printJSON(cmd.OutOrStdout(), tasks)
}
