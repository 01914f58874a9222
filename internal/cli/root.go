package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-grading/internal/app"
	"github.com/noah-isme/gema-grading/internal/config"
	"github.com/noah-isme/gema-grading/internal/dto"
	"github.com/noah-isme/gema-grading/internal/models"
)

// runtime is shared by every subcommand once the root pre-run has loaded configuration.
type runtime struct {
	cfg      config.Config
	logger   zerolog.Logger
	logLevel string
	wait     time.Duration

	// build is swapped in tests.
	build func(ctx context.Context, cfg config.Config, opts app.Options, logger zerolog.Logger) (*app.Container, error)
}

// NewRootCmd creates the gradectl command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&runtime{build: app.Build})
}

func newRootCmd(rt *runtime) *cobra.Command {
	root := &cobra.Command{
		Use:   "gradectl",
		Short: "Operate the GEMA grading engine",
		Long:  "gradectl dispatches grading work, inspects tasks and manages provider configuration against the grading database.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(strings.ToLower(rt.logLevel))
			if err != nil {
				return fmt.Errorf("invalid log level %q", rt.logLevel)
			}
			rt.logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.Kitchen}).
				Level(level).With().Timestamp().Logger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			rt.cfg = cfg
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&rt.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&rt.wait, "wait", 2*time.Minute, "How long to wait for dispatched tasks to finish (0 disables waiting)")

	root.AddCommand(
		newProvidersCmd(rt),
		newResolveCmd(rt),
		newTokenCmd(rt),
		newGradeCmd(rt),
		newBulkCmd(rt),
		newRegradeCmd(rt),
		newTaskCmd(rt),
		newStatsCmd(rt),
		newRetryCmd(rt),
		newRecoverCmd(rt),
		newConfigCmd(rt),
	)

	return root
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// withEngine builds the engine, starts its workers and closes it when fn returns.
// Recovery stays off so one-shot commands never pick up another node's work.
func (rt *runtime) withEngine(cmd *cobra.Command, fn func(ctx context.Context, c *app.Container) error) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	noRecover := false
	container, err := rt.build(ctx, rt.cfg, app.Options{Migrate: true, RecoverOnStart: &noRecover}, rt.logger)
	if err != nil {
		return err
	}
	defer container.Close()

	if err := container.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, container)
}

// awaitTask polls until the task reaches a terminal status or the wait budget runs out.
func (rt *runtime) awaitTask(ctx context.Context, c *app.Container, taskID uint) (dto.GradingTaskResponse, error) {
	task, err := c.Orchestrator.GetTask(ctx, taskID)
	if err != nil || rt.wait <= 0 {
		return task, err
	}

	deadline := time.NewTimer(rt.wait)
	defer deadline.Stop()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for task.Status != models.TaskStatusCompleted && task.Status != models.TaskStatusFailed {
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-deadline.C:
			return task, nil
		case <-ticker.C:
			if task, err = c.Orchestrator.GetTask(ctx, taskID); err != nil {
				return task, err
			}
		}
	}
	return task, nil
}

func printJSON(w io.Writer, value interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
