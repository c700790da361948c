package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"mailshield/internal/app"
)

func newOutboxCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and replay the transactional outbox",
	}

	var (
		eventID int64
		limit   int
	)
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Republish failed outbox events, or one event by id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app.App) error {
				svc := a.ReplayService()
				if svc == nil {
					return errors.New("outbox is disabled; set store.driver=postgres and store.outbox=true")
				}
				if eventID > 0 {
					if err := svc.ReplayEvent(ctx, eventID); err != nil {
						return err
					}
					fmt.Printf("Replayed event %d\n", eventID)
					return nil
				}
				n, err := svc.ReplayFailedEvents(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Printf("Replayed %d failed event(s)\n", n)
				return nil
			})
		},
	}
	replay.Flags().Int64Var(&eventID, "id", 0, "replay a single event")
	replay.Flags().IntVar(&limit, "limit", 100, "maximum number of failed events to replay")
	cmd.AddCommand(replay)
	return cmd
}
