package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-grading/internal/app"
	"github.com/noah-isme/gema-grading/internal/dto"
)

func newConfigCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage grading configurations",
	}

	var filter dto.GradingConfigurationFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List grading configurations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withEngine(cmd, func(ctx context.Context, c *app.Container) error {
				items, err := c.Configs.List(ctx, filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), items)
			})
		},
	}
	list.Flags().BoolVar(&filter.ActiveOnly, "active", false, "Only active configurations")

	apply := &cobra.Command{
		Use:   "create <file.json>",
		Short: "Create a configuration from a JSON document (use - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req dto.GradingConfigurationRequest
			if err := decodeFile(cmd, args[0], &req); err != nil {
				return err
			}
			return rt.withEngine(cmd, func(ctx context.Context, c *app.Container) error {
				item, err := c.Configs.Create(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), item)
			})
		},
	}

	remove := &cobra.Command{
		Use:   "delete <configuration_id>",
		Short: "Delete a configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "configuration")
			if err != nil {
				return err
			}
			return rt.withEngine(cmd, func(ctx context.Context, c *app.Container) error {
				return c.Configs.Delete(ctx, id)
			})
		},
	}

	cmd.AddCommand(list, apply, remove)
	return cmd
}

func decodeFile(cmd *cobra.Command, path string, target interface{}) error {
	reader := cmd.InOrStdin()
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		reader = file
	}
	if err := json.NewDecoder(reader).Decode(target); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
