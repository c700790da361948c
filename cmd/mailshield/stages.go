package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mailshield/internal/app"
)

func newStageCommand(stage string) *cobra.Command {
	return &cobra.Command{
		Use:   stage,
		Short: "Run the " + stage + " stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(cmd.Context(), stage)
		},
	}
}

func newAllCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run every stage in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(cmd.Context(), app.AllStages...)
		},
	}
}

func runStages(ctx context.Context, stages ...string) error {
	log.Info("Starting MailShield",
		zap.Strings("stages", stages),
		zap.String("mq", cfg.MQ.Driver),
		zap.String("store", cfg.Store.Driver),
	)
	return withApp(ctx, func(a *app.App) error {
		err := a.Run(ctx, stages...)
		log.Info("MailShield stopped")
		return err
	})
}
