package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-grading/internal/app"
	"github.com/noah-isme/gema-grading/internal/middleware"
	"github.com/noah-isme/gema-grading/internal/scoring"
)

func newProvidersCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List scoring providers and whether they are configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := scoring.NewRegistry(app.Completers(cmd.Context(), rt.cfg, rt.logger), rt.logger)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tLOCAL\tCONFIGURED\tDEFAULT MODEL")
			for _, desc := range registry.Descriptors() {
				model := desc.DefaultModel
				if model == "" {
					model = "-"
				}
				fmt.Fprintf(tw, "%s\t%t\t%t\t%s\n", desc.Name, desc.Local, desc.Configured, model)
			}
			return tw.Flush()
		},
	}
}

func newTokenCmd(rt *runtime) *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user_id>",
		Short: "Mint a bearer token for the grading API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || userID == 0 {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			token, err := middleware.SignToken(rt.cfg.JWTSecret, uint(userID), role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", middleware.RoleInstructor, "Role claim (instructor, admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
