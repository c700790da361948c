package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mailshield/internal/app"
)

func newActionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Run the action stage, or manage failed label applications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(cmd.Context(), app.StageAction)
		},
	}
	cmd.AddCommand(newActionFailedCommand())
	cmd.AddCommand(newActionRetryCommand())
	return cmd
}

func newActionFailedCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List label applications that failed permanently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				records, err := a.ActionStage(cmd.Context()).ListFailed(cmd.Context(), limit)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of records")
	return cmd
}

func newActionRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <email-id>",
		Short: "Re-apply the stored verdict label for an email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app.App) error {
				outcome, err := a.ActionStage(ctx).Retry(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", args[0], outcome)
				return nil
			})
		},
	}
}
