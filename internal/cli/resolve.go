package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading/internal/app"
	"github.com/noah-isme/gema-grading/internal/dto"
	"github.com/noah-isme/gema-grading/internal/scoring"
	"github.com/noah-isme/gema-grading/internal/service"
)

type resolution struct {
	QuestionID    uint                              `json:"question_id"`
	QuestionType  string                            `json:"question_type"`
	Method        string                            `json:"method"`
	Objective     bool                              `json:"objective"`
	Configuration *dto.GradingConfigurationResponse `json:"configuration,omitempty"`
}

func newResolveCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <question_id>",
		Short: "Show which grading configuration applies to a question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "question")
			if err != nil {
				return err
			}
			return rt.withEngine(cmd, func(ctx context.Context, c *app.Container) error {
				question, err := c.Assessments.GetQuestion(ctx, id)
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return service.ErrQuestionNotFound
				}
				if err != nil {
					return err
				}

				out := resolution{QuestionID: question.ID, QuestionType: question.Type, Objective: question.IsObjective()}
				if out.Objective {
					out.Method = scoring.MethodExactMatch
					return printJSON(cmd.OutOrStdout(), out)
				}

				config, err := c.Resolver.Resolve(ctx, question)
				if err != nil {
					return err
				}
				response := dto.NewGradingConfigurationResponse(config)
				out.Method = config.ProviderName
				out.Configuration = &response
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}
